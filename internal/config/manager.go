package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/StillSource/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. STILLSOURCE_SERVER_PORT.
const EnvPrefix = "STILLSOURCE"

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	config     *Config
	mu         sync.RWMutex
}

// DefaultConfigDir returns $HOME/.config/stillsource
func DefaultConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "stillsource"), nil
}

// NewManager creates a new configuration manager. A missing config file is
// created with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		configDir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		actualConfigPath = filepath.Join(configDir, "config.yaml")
	}

	configDir := filepath.Dir(actualConfigPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: actualConfigPath,
		v:          viper.New(),
	}
	setDefaults(m.v, configDir)
	m.v.SetConfigFile(actualConfigPath)
	m.v.SetConfigType("yaml")
	m.v.SetEnvPrefix(EnvPrefix)
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()

	if _, err := os.Stat(actualConfigPath); os.IsNotExist(err) {
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		if err := m.load(); err != nil {
			return nil, err
		}
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else if err := m.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	} else if err := m.load(); err != nil {
		return nil, err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config loaded")

	return m, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("server_port", 8909)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("image_root", filepath.Join(configDir, "images"))
	v.SetDefault("heartbeat_interval", 500*time.Millisecond)
	v.SetDefault("fast_interval", time.Millisecond)
	v.SetDefault("transport.type", "mjpeg")
	v.SetDefault("transport.mjpeg.quality", 90)
	v.SetDefault("transport.ffmpeg.binary", "ffmpeg")
	v.SetDefault("transport.ffmpeg.output", "udp://127.0.0.1:5000")
	v.SetDefault("transport.ffmpeg.format", "mpegts")
	v.SetDefault("transport.ffmpeg.args", []string{})
	v.SetDefault("defaults.frame_rate_numerator", 30000)
	v.SetDefault("defaults.frame_rate_denominator", 1001)
}

// load decodes the merged viper state into a Config
func (m *Manager) load() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ImageRoot = expandHome(cfg.ImageRoot)
	if cfg.Transport.FFmpeg.Args == nil {
		cfg.Transport.FFmpeg.Args = []string{}
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// GetViper returns the underlying viper instance
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Override sets a value in memory. It reaches the file only through Save.
func (m *Manager) Override(key string, value interface{}) error {
	m.v.Set(key, value)
	return m.load()
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := *m.config
	cfg.Transport.FFmpeg.Args = append([]string(nil), m.config.Transport.FFmpeg.Args...)
	return &cfg
}

// Keys returns every known configuration key
func (m *Manager) Keys() []string {
	return m.v.AllKeys()
}

// Value returns the effective value of a key
func (m *Manager) Value(key string) (interface{}, bool) {
	if !m.v.IsSet(key) {
		return nil, false
	}
	return m.v.Get(key), true
}

// Set parses value according to the type of key, applies it and saves
func (m *Manager) Set(key, value string) error {
	if _, ok := m.Value(key); !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	var parsed interface{}
	switch key {
	case "server_port", "transport.mjpeg.quality",
		"defaults.frame_rate_numerator", "defaults.frame_rate_denominator":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid number for %s: %s", key, value)
		}
		parsed = n
	case "log_pretty":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %s (use: true or false)", value)
		}
		parsed = b
	case "heartbeat_interval", "fast_interval":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid duration for %s: %s", key, value)
		}
		parsed = d
	case "log_level":
		validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[value] {
			return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", value)
		}
		parsed = value
	case "transport.type":
		validTypes := map[string]bool{"mjpeg": true, "ffmpeg": true, "x11": true, "discard": true}
		if !validTypes[value] {
			return fmt.Errorf("invalid transport: %s (use: mjpeg, ffmpeg, x11, discard)", value)
		}
		parsed = value
	case "transport.ffmpeg.args":
		parsed = strings.Fields(value)
	default:
		parsed = value
	}

	if err := m.Override(key, parsed); err != nil {
		return err
	}
	return m.Save()
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()

	log := logger.WithComponent("config")
	log.Debug().Str("path", m.configPath).Msg("Saving config")

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	log.Info().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Watch reloads the configuration whenever the file changes and hands the
// new values to onChange
func (m *Manager) Watch(onChange func(*Config)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		log := logger.WithComponent("config")
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.load(); err != nil {
			log.Error().Err(err).Str("path", e.Name).Msg("Failed to reload config")
			return
		}
		log.Info().Str("path", e.Name).Msg("Config reloaded")
		if onChange != nil {
			onChange(m.Get())
		}
	})
	m.v.WatchConfig()
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
