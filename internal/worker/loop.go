package worker

import (
	"fmt"
	"time"

	"github.com/bryanchriswhite/StillSource/internal/imagesource"
	"github.com/bryanchriswhite/StillSource/internal/output"
)

// run drives the sender until Dispose or a fatal error. The failure handler
// is called only after done is closed, so it may dispose the worker.
func (w *Worker) run() {
	err := w.loop()

	if err != nil {
		w.lastErr.Store(&err)
		w.log.Error().Err(err).Str("code", w.code).Msg("Transmission stopped")
	} else {
		w.log.Info().Str("code", w.code).Uint64("frames", w.framesSent.Load()).Msg("Transmission stopped")
	}

	w.state.Store(int32(StateStopped))
	close(w.done)

	if err != nil && w.onFailure != nil {
		w.onFailure(w.code, err)
	}
}

func (w *Worker) loop() error {
	sender, err := w.transport.CreateSender(output.Identity{Code: w.code, Name: w.name})
	if err != nil {
		return fmt.Errorf("create sender %s on %s: %w", w.code, w.transport.Name(), err)
	}
	defer func() {
		if err := sender.Destroy(); err != nil {
			w.log.Warn().Err(err).Str("code", w.code).Msg("Failed to destroy sender")
		}
	}()

	w.log.Info().
		Str("code", w.code).
		Str("name", w.name).
		Str("transport", w.transport.Name()).
		Msg("Transmission started")

	// shown backs the frame being sent; next is the bound source. Each
	// distinct source holds one lease, so the old planes stay valid until
	// the new source has decoded.
	var (
		bound        *binding
		shown        *imagesource.Source
		next         *imagesource.Source
		frame        *output.Frame
		version      uint64
		stale        bool
		decodeFailed bool
	)
	defer func() {
		if next != nil && next != shown {
			next.Release()
		}
		if shown != nil {
			shown.Release()
		}
	}()

	for {
		select {
		case <-w.stop:
			return nil
		default:
		}

		b := w.current.Load()
		if b != bound {
			bound = b
			stale = true
			decodeFailed = false

			if b.source != next {
				if next != nil && next != shown {
					next.Release()
				}
				next = nil
				if b.source != nil && b.source != shown {
					if err := b.source.Acquire(); err != nil {
						return fmt.Errorf("%w: %v", ErrInvalidAssignment, err)
					}
				}
				next = b.source
			}
		}

		if next != nil && next.IsDisposed() {
			return fmt.Errorf("%w: source %s was disposed while assigned", ErrInvalidAssignment, next.Code())
		}

		if next != nil && !decodeFailed && (stale || next != shown) {
			if err := next.Initialize(); err != nil {
				// Keep sending the previous frame. Not retried until the
				// next Assign or Configure.
				decodeFailed = true
				w.log.Error().Err(err).Str("code", w.code).Str("source", next.Code()).Msg("Failed to prepare image")
			} else {
				version++
				frame = buildFrame(next, b.settings, version)
				if shown != nil && shown != next {
					shown.Release()
				}
				shown = next
				stale = false
				w.log.Debug().
					Str("code", w.code).
					Str("source", next.Code()).
					Int("width", frame.Width).
					Int("height", frame.Height).
					Msg("Frame rebuilt")
			}
		}

		if frame != nil {
			if err := sender.Send(frame); err != nil {
				return fmt.Errorf("send on %s: %w", w.code, err)
			}
			w.framesSent.Add(1)
			w.lastSent.Store(time.Now().UnixNano())
		}

		timer := time.NewTimer(w.interval(b))
		select {
		case <-w.stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func buildFrame(src *imagesource.Source, s Settings, version uint64) *output.Frame {
	width, height := src.Width(), src.Height()
	return &output.Frame{
		Data:        src.Packed(),
		Stride:      src.Stride(),
		Width:       width,
		Height:      height,
		FourCC:      output.FourCCUYVY,
		Format:      output.FrameFormatProgressive,
		FrameRateN:  s.FrameRateNumerator,
		FrameRateD:  s.FrameRateDenominator,
		AspectRatio: float32(width) / float32(height),
		Timecode:    output.TimecodeSynthesize,
		Version:     version,
	}
}
