// Package worker runs one background transmission loop per configured output.
// The loop keeps re-sending the current still frame so receivers always see a
// live signal, and picks up a newly assigned image on its next iteration.
package worker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/StillSource/internal/imagesource"
	"github.com/bryanchriswhite/StillSource/internal/logger"
	"github.com/bryanchriswhite/StillSource/internal/output"
)

var (
	// ErrInvalidAssignment is returned when a disposed source is assigned,
	// or found disposed by the loop.
	ErrInvalidAssignment = errors.New("invalid source assignment")

	// ErrDisposed is returned by Assign after Dispose.
	ErrDisposed = errors.New("worker disposed")

	// ErrStopped is returned by Assign when the loop ended on a transport
	// failure; the owner has to recreate the worker.
	ErrStopped = errors.New("worker stopped")
)

const (
	DefaultHeartbeat = 500 * time.Millisecond
	DefaultFast      = time.Millisecond
)

// Settings is the per-sender configuration reported to receivers.
type Settings struct {
	FrameRateNumerator   int  `json:"frame_rate_numerator"`
	FrameRateDenominator int  `json:"frame_rate_denominator"`
	SendActualFrameRate  bool `json:"send_actual_frame_rate"`
}

// Intervals are the sleeps between pushes for the two cadence modes.
type Intervals struct {
	Heartbeat time.Duration
	Fast      time.Duration
}

// State is the runtime stage of a worker's loop.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// binding is what the loop renders. Every Assign or Configure stores a new
// binding, so pointer inequality tells the loop to rebuild.
type binding struct {
	source   *imagesource.Source
	settings Settings
}

// Stats is a snapshot of a worker's activity.
type Stats struct {
	Session    string    `json:"session"`
	State      string    `json:"state"`
	FramesSent uint64    `json:"frames_sent"`
	LastSent   time.Time `json:"last_sent,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Worker owns one sender on a transport and the goroutine feeding it.
// It observes, never owns, the image source it renders.
type Worker struct {
	code      string
	name      string
	transport output.Transport
	intervals Intervals
	onFailure func(code string, err error)
	log       *zerolog.Logger

	current atomic.Pointer[binding]
	state   atomic.Int32

	mu       sync.Mutex
	started  bool
	disposed bool
	stop     chan struct{}
	done     chan struct{}
	session  string

	framesSent atomic.Uint64
	lastSent   atomic.Int64
	lastErr    atomic.Pointer[error]
}

// Option configures a Worker.
type Option func(*Worker)

// WithIntervals overrides the heartbeat and fast cadences.
func WithIntervals(i Intervals) Option {
	return func(w *Worker) {
		if i.Heartbeat > 0 {
			w.intervals.Heartbeat = i.Heartbeat
		}
		if i.Fast > 0 {
			w.intervals.Fast = i.Fast
		}
	}
}

// WithFailureHandler registers a callback run when the loop ends on an error.
func WithFailureHandler(fn func(code string, err error)) Option {
	return func(w *Worker) { w.onFailure = fn }
}

// New creates a stopped worker. The loop starts on the first Assign.
func New(code, name string, settings Settings, transport output.Transport, opts ...Option) *Worker {
	w := &Worker{
		code:      code,
		name:      name,
		transport: transport,
		intervals: Intervals{Heartbeat: DefaultHeartbeat, Fast: DefaultFast},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = logger.WithComponent("worker")
	w.current.Store(&binding{settings: normalize(settings)})
	return w
}

func normalize(s Settings) Settings {
	if s.FrameRateNumerator <= 0 || s.FrameRateDenominator <= 0 {
		s.FrameRateNumerator, s.FrameRateDenominator = 30000, 1001
	}
	return s
}

func (w *Worker) Code() string { return w.code }
func (w *Worker) Name() string { return w.name }

// Source returns the currently assigned image source, if any.
func (w *Worker) Source() *imagesource.Source {
	return w.current.Load().source
}

// Settings returns the current sender settings.
func (w *Worker) Settings() Settings {
	return w.current.Load().settings
}

// State returns the loop's runtime stage.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Err returns the error that ended the loop, if any.
func (w *Worker) Err() error {
	if p := w.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Assign points the worker at src, starting the loop if it is not running
// yet. The loop uses the new source from its next iteration on.
func (w *Worker) Assign(src *imagesource.Source) error {
	if src == nil || src.IsDisposed() {
		return fmt.Errorf("%w: source is disposed", ErrInvalidAssignment)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.disposed {
		return ErrDisposed
	}

	for {
		old := w.current.Load()
		if w.current.CompareAndSwap(old, &binding{source: src, settings: old.settings}) {
			break
		}
	}

	if !w.started {
		w.started = true
		w.session = uuid.NewString()
		w.state.Store(int32(StateRunning))
		go w.run()
		return nil
	}

	if w.State() == StateStopped {
		return fmt.Errorf("%w: %v", ErrStopped, w.Err())
	}
	return nil
}

// Configure replaces the sender settings; the loop rebuilds its frame
// descriptor on the next iteration.
func (w *Worker) Configure(settings Settings) {
	settings = normalize(settings)
	for {
		old := w.current.Load()
		if w.current.CompareAndSwap(old, &binding{source: old.source, settings: settings}) {
			return
		}
	}
}

// Dispose asks the loop to exit and waits until it has. Safe to call more
// than once.
func (w *Worker) Dispose() {
	w.mu.Lock()
	started := w.started
	if !w.disposed {
		w.disposed = true
		w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
		close(w.stop)
	}
	w.mu.Unlock()

	if started {
		<-w.done
	}
}

// Stats returns a snapshot of the worker's activity.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	session := w.session
	w.mu.Unlock()

	s := Stats{
		Session:    session,
		State:      w.State().String(),
		FramesSent: w.framesSent.Load(),
	}
	if ns := w.lastSent.Load(); ns != 0 {
		s.LastSent = time.Unix(0, ns)
	}
	if err := w.Err(); err != nil {
		s.LastError = err.Error()
	}
	return s
}

func (w *Worker) interval(b *binding) time.Duration {
	if b.settings.SendActualFrameRate {
		return w.intervals.Fast
	}
	return w.intervals.Heartbeat
}
