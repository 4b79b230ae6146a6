package output

import (
	"fmt"
	"strings"
)

// New builds the transport selected by cfg.Type.
func New(cfg Config) (Transport, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "mjpeg":
		return NewMJPEGTransport(cfg.MJPEG), nil
	case "ffmpeg":
		return NewFFmpegTransport(cfg.FFmpeg), nil
	case "x11":
		return NewX11Transport()
	case "discard", "none":
		return NewDiscardTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s (use mjpeg, ffmpeg, x11 or discard)", cfg.Type)
	}
}
