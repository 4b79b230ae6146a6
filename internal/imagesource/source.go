// Package imagesource owns the decoded, colour-converted pixel planes of a
// single still image. Decoding is lazy and happens at most once; the native
// planes are released exactly once by Dispose.
package imagesource

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/StillSource/internal/colorspace"
	"github.com/bryanchriswhite/StillSource/internal/logger"
	"github.com/bryanchriswhite/StillSource/internal/nativebuf"
)

var (
	// ErrDecode covers missing, unreadable and unsupported image files.
	ErrDecode = errors.New("image decode failed")

	// ErrDisposed is returned when a disposed source is initialized again.
	ErrDisposed = errors.New("image source disposed")
)

// State is the lifecycle stage of a Source.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Source is one still image registered under a stable code.
//
// The planes are written once under mu during Initialize and published by the
// atomic state store, so readers that observe StateReady may read them without
// locking until Dispose.
type Source struct {
	code string
	name string
	path string

	root      string
	decoder   Decoder
	withAlpha bool
	alloc     func(size int) (*nativebuf.Buffer, error)

	mu     sync.Mutex
	state  atomic.Int32
	width  int
	height int
	packed *nativebuf.Buffer
	alpha  *nativebuf.Buffer
	leases int
}

// Option configures a Source.
type Option func(*Source)

// WithRoot sets the directory relative paths are resolved against.
func WithRoot(root string) Option {
	return func(s *Source) { s.root = root }
}

// WithDecoder replaces the file decoder.
func WithDecoder(d Decoder) Option {
	return func(s *Source) { s.decoder = d }
}

// WithoutAlpha skips allocation of the alpha plane.
func WithoutAlpha() Option {
	return func(s *Source) { s.withAlpha = false }
}

func withAllocator(alloc func(size int) (*nativebuf.Buffer, error)) Option {
	return func(s *Source) { s.alloc = alloc }
}

// New creates an uninitialized source. Nothing is read from disk until
// Initialize.
func New(code, name, path string, opts ...Option) *Source {
	s := &Source{
		code:      code,
		name:      name,
		path:      path,
		decoder:   FileDecoder{},
		withAlpha: true,
		alloc:     nativebuf.Alloc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Code() string { return s.code }
func (s *Source) Name() string { return s.name }
func (s *Source) Path() string { return s.path }

// ResolvedPath returns the path handed to the decoder: absolute paths are
// used verbatim, relative ones are joined to the configured root.
func (s *Source) ResolvedPath() string {
	if filepath.IsAbs(s.path) || s.root == "" {
		return s.path
	}
	return filepath.Join(s.root, s.path)
}

// State returns the current lifecycle stage.
func (s *Source) State() State {
	return State(s.state.Load())
}

// IsReady reports whether the planes are populated. It never triggers a decode.
func (s *Source) IsReady() bool {
	return s.State() == StateReady
}

// IsDisposed reports whether Dispose has run.
func (s *Source) IsDisposed() bool {
	return s.State() == StateDisposed
}

// Initialize decodes and converts the image. It is a no-op on a ready source
// and safe to call concurrently: only one caller decodes and allocates.
// On failure the source stays uninitialized and may be retried.
func (s *Source) Initialize() error {
	if s.IsReady() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateReady:
		return nil
	case StateDisposed:
		return fmt.Errorf("%w: %s", ErrDisposed, s.code)
	}

	log := logger.WithComponent("imagesource")
	path := s.ResolvedPath()

	raster, err := s.decoder.Decode(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	bounds := raster.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %s: empty raster", ErrDecode, path)
	}

	packed, err := s.alloc(colorspace.PackedSize(width, height))
	if err != nil {
		return err
	}

	var alpha *nativebuf.Buffer
	var alphaBytes []byte
	if s.withAlpha {
		alpha, err = s.alloc(colorspace.AlphaSize(width, height))
		if err != nil {
			return errors.Join(err, packed.Release())
		}
		alphaBytes = alpha.Bytes()
	}

	colorspace.ConvertRGBAToUYVY(raster, packed.Bytes(), alphaBytes)

	s.packed = packed
	s.alpha = alpha
	s.width = width
	s.height = height
	s.state.Store(int32(StateReady))

	log.Info().
		Str("code", s.code).
		Str("path", path).
		Int("width", width).
		Int("height", height).
		Msg("Image decoded")

	return nil
}

// Width returns the decoded width, or 0 before Initialize succeeds.
func (s *Source) Width() int {
	if !s.IsReady() {
		return 0
	}
	return s.width
}

// Height returns the decoded height, or 0 before Initialize succeeds.
func (s *Source) Height() int {
	if !s.IsReady() {
		return 0
	}
	return s.height
}

// Stride returns the packed row length in bytes.
func (s *Source) Stride() int {
	return colorspace.PackedStride(s.Width())
}

// Packed returns the UYVY plane, or nil when not ready.
func (s *Source) Packed() []byte {
	if !s.IsReady() {
		return nil
	}
	return s.packed.Bytes()
}

// Alpha returns the alpha plane, or nil when not ready or built without alpha.
func (s *Source) Alpha() []byte {
	if !s.IsReady() || s.alpha == nil {
		return nil
	}
	return s.alpha.Bytes()
}

// Acquire takes a read lease on the planes. While any lease is held,
// Dispose defers the release of native memory to the last Release call.
func (s *Source) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateDisposed {
		return fmt.Errorf("%w: %s", ErrDisposed, s.code)
	}
	s.leases++
	return nil
}

// Release drops a lease taken by Acquire.
func (s *Source) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leases == 0 {
		return nil
	}
	s.leases--
	if s.leases == 0 && s.State() == StateDisposed {
		return s.freeLocked()
	}
	return nil
}

// Dispose releases both planes, or marks them for release once the last
// lease is dropped. Later calls are no-ops.
func (s *Source) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateDisposed {
		return nil
	}
	s.state.Store(int32(StateDisposed))

	if s.leases > 0 {
		logger.WithComponent("imagesource").Debug().
			Str("code", s.code).
			Int("leases", s.leases).
			Msg("Image release deferred")
		return nil
	}
	return s.freeLocked()
}

func (s *Source) freeLocked() error {
	err := errors.Join(s.alpha.Release(), s.packed.Release())
	s.alpha = nil
	s.packed = nil

	logger.WithComponent("imagesource").Debug().
		Str("code", s.code).
		Msg("Image released")

	return err
}
