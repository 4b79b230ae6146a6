package output

import (
	"errors"
	"math"
)

// Transport defines the interface for frame transmission mechanisms.
// This allows us to swap between different outputs:
// - MJPEG HTTP preview stream
// - ffmpeg subprocess (SRT, RTMP, UDP, ...)
// - X11 preview window
// - discard (frame counting only)
type Transport interface {
	// CreateSender opens a named output. Each worker owns exactly one.
	CreateSender(id Identity) (Sender, error)

	// Name returns a human-readable name for this transport type
	Name() string

	// Close releases transport-wide resources after all senders are destroyed
	Close() error
}

// Sender is one named output on the bus.
type Sender interface {
	// Send pushes a frame. The frame and its pixel data are only valid for
	// the duration of the call and must not be retained.
	Send(frame *Frame) error

	// Destroy releases the sender. It is called exactly once.
	Destroy() error
}

// Identity names a sender on the bus.
type Identity struct {
	Code string
	Name string
}

// FourCC identifies the pixel layout of a frame.
type FourCC uint32

// FourCCUYVY is packed 4:2:2, U Y0 V Y1 per macropixel.
const FourCCUYVY FourCC = 'U' | 'Y'<<8 | 'V'<<16 | 'Y'<<24

func (f FourCC) String() string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// FrameFormat is the scan type of a frame.
type FrameFormat int

const (
	FrameFormatProgressive FrameFormat = iota
	FrameFormatInterleaved
)

// TimecodeSynthesize asks the receiver side to generate timecodes.
const TimecodeSynthesize int64 = math.MaxInt64

// Frame describes one outgoing video frame.
type Frame struct {
	Data []byte

	// Stride is the packed row length in bytes. It is Width*2 for even
	// widths; odd widths are padded to a whole macropixel, (Width+1)*2, so
	// senders must step rows by Stride and never by Width*2.
	Stride int

	Width       int
	Height      int
	FourCC      FourCC
	Format      FrameFormat
	FrameRateN  int
	FrameRateD  int
	AspectRatio float32
	Timecode    int64
	Metadata    string

	// Version changes whenever the descriptor is rebuilt, so senders can
	// cache work derived from unchanged pixels.
	Version uint64
}

// ErrInvalidFrame is returned by senders given a frame they cannot interpret.
var ErrInvalidFrame = errors.New("invalid frame")

// Validate checks that the descriptor is internally consistent.
func (f *Frame) Validate() error {
	switch {
	case f == nil:
		return ErrInvalidFrame
	case f.Width <= 0 || f.Height <= 0:
		return ErrInvalidFrame
	case f.Stride < f.Width*2:
		return ErrInvalidFrame
	case len(f.Data) < f.Stride*f.Height:
		return ErrInvalidFrame
	case f.FourCC != FourCCUYVY:
		return ErrInvalidFrame
	}
	return nil
}

// Config holds common configuration for all transport types
type Config struct {
	Type   string
	MJPEG  MJPEGConfig
	FFmpeg FFmpegConfig
}

// MJPEGConfig configures the HTTP preview transport.
type MJPEGConfig struct {
	Quality int
}

// FFmpegConfig configures the ffmpeg subprocess transport.
type FFmpegConfig struct {
	Binary string
	Output string
	Format string
	Args   []string
}
