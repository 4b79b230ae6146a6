package config

import (
	"time"

	"github.com/bryanchriswhite/StillSource/internal/output"
	"github.com/bryanchriswhite/StillSource/internal/worker"
)

// Config represents the application configuration
type Config struct {
	ServerPort int    `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty  bool   `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`

	// ImageRoot holds uploaded images and the registry JSON files.
	// Relative image paths are resolved against it.
	ImageRoot string `json:"image_root" yaml:"image_root" mapstructure:"image_root"`

	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	FastInterval      time.Duration `json:"fast_interval" yaml:"fast_interval" mapstructure:"fast_interval"`

	Transport TransportConfig `json:"transport" yaml:"transport" mapstructure:"transport"`
	Defaults  DefaultsConfig  `json:"defaults" yaml:"defaults" mapstructure:"defaults"`
}

// TransportConfig selects and configures the frame output
type TransportConfig struct {
	Type   string       `json:"type" yaml:"type" mapstructure:"type"`
	MJPEG  MJPEGConfig  `json:"mjpeg" yaml:"mjpeg" mapstructure:"mjpeg"`
	FFmpeg FFmpegConfig `json:"ffmpeg" yaml:"ffmpeg" mapstructure:"ffmpeg"`
}

// MJPEGConfig represents the HTTP preview stream settings
type MJPEGConfig struct {
	Quality int `json:"quality" yaml:"quality" mapstructure:"quality"`
}

// FFmpegConfig represents the ffmpeg subprocess settings
type FFmpegConfig struct {
	Binary string   `json:"binary" yaml:"binary" mapstructure:"binary"`
	Output string   `json:"output" yaml:"output" mapstructure:"output"`
	Format string   `json:"format" yaml:"format" mapstructure:"format"`
	Args   []string `json:"args" yaml:"args" mapstructure:"args"`
}

// DefaultsConfig holds values applied when a sender setup omits them
type DefaultsConfig struct {
	FrameRateNumerator   int `json:"frame_rate_numerator" yaml:"frame_rate_numerator" mapstructure:"frame_rate_numerator"`
	FrameRateDenominator int `json:"frame_rate_denominator" yaml:"frame_rate_denominator" mapstructure:"frame_rate_denominator"`
}

// OutputConfig converts the transport section for output.New
func (c *Config) OutputConfig() output.Config {
	return output.Config{
		Type:  c.Transport.Type,
		MJPEG: output.MJPEGConfig{Quality: c.Transport.MJPEG.Quality},
		FFmpeg: output.FFmpegConfig{
			Binary: c.Transport.FFmpeg.Binary,
			Output: c.Transport.FFmpeg.Output,
			Format: c.Transport.FFmpeg.Format,
			Args:   c.Transport.FFmpeg.Args,
		},
	}
}

// Intervals returns the worker cadences
func (c *Config) Intervals() worker.Intervals {
	return worker.Intervals{Heartbeat: c.HeartbeatInterval, Fast: c.FastInterval}
}

// DefaultSettings returns the frame rate used for new senders
func (c *Config) DefaultSettings() worker.Settings {
	return worker.Settings{
		FrameRateNumerator:   c.Defaults.FrameRateNumerator,
		FrameRateDenominator: c.Defaults.FrameRateDenominator,
	}
}
