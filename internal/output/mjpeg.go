package output

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/StillSource/internal/colorspace"
	"github.com/bryanchriswhite/StillSource/internal/logger"
)

// MJPEGTransport exposes every sender as a Motion JPEG stream over HTTP.
// Receivers that understand MJPEG (browsers, OBS media sources, VLC) can
// monitor the output without the native bus.
type MJPEGTransport struct {
	config MJPEGConfig

	mu      sync.RWMutex
	senders map[string]*mjpegSender
}

// NewMJPEGTransport creates a new MJPEG preview transport
func NewMJPEGTransport(config MJPEGConfig) *MJPEGTransport {
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 90
	}
	return &MJPEGTransport{
		config:  config,
		senders: make(map[string]*mjpegSender),
	}
}

// CreateSender registers a stream endpoint for id.Code
func (m *MJPEGTransport) CreateSender(id Identity) (Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.senders[id.Code]; exists {
		return nil, fmt.Errorf("MJPEG sender %s already exists", id.Code)
	}

	s := &mjpegSender{
		id:        id,
		owner:     m,
		quality:   m.config.Quality,
		clients:   make(map[chan []byte]struct{}),
		startTime: time.Now(),
	}
	m.senders[id.Code] = s

	logger.WithComponent("transport-mjpeg").Info().
		Str("code", id.Code).
		Str("name", id.Name).
		Msg("[MJPEG] Sender created")
	return s, nil
}

// Name returns the transport type name
func (m *MJPEGTransport) Name() string {
	return "MJPEG HTTP Stream"
}

// Close drops every remaining sender and disconnects their clients
func (m *MJPEGTransport) Close() error {
	m.mu.RLock()
	senders := make([]*mjpegSender, 0, len(m.senders))
	for _, s := range m.senders {
		senders = append(senders, s)
	}
	m.mu.RUnlock()

	for _, s := range senders {
		s.Destroy()
	}
	return nil
}

func (m *MJPEGTransport) lookup(code string) (*mjpegSender, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.senders[code]
	return s, ok
}

// MJPEGStats describes one sender's preview stream
type MJPEGStats struct {
	Code       string    `json:"code"`
	Frames     uint64    `json:"frames"`
	Encoded    uint64    `json:"encoded"`
	Clients    int       `json:"clients"`
	LastUpdate time.Time `json:"last_update"`
	Uptime     string    `json:"uptime"`
}

// Stats returns preview statistics for the sender with the given code
func (m *MJPEGTransport) Stats(code string) (MJPEGStats, bool) {
	s, ok := m.lookup(code)
	if !ok {
		return MJPEGStats{}, false
	}
	return s.stats(), true
}

// StreamHandler returns an http.Handler streaming the sender named by codeOf(r).
// Mount this at /api/senders/{code}/stream or similar endpoint
func (m *MJPEGTransport) StreamHandler(codeOf func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := codeOf(r)
		s, ok := m.lookup(code)
		if !ok {
			http.Error(w, "Sender not found", http.StatusNotFound)
			return
		}

		// Set headers for MJPEG stream
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan, ok := s.subscribe()
		if !ok {
			return
		}
		defer s.unsubscribe(frameChan)

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if err := writePart(w, jpegData); err != nil {
					return
				}
			}
		}
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

type mjpegSender struct {
	id      Identity
	owner   *MJPEGTransport
	quality int

	mu            sync.Mutex
	closed        bool
	clients       map[chan []byte]struct{}
	lastJPEG      []byte
	lastVersion   uint64
	pending       *Frame
	lastBroadcast time.Time
	lastUpdate    time.Time
	frameCount    uint64
	encodeCount   uint64
	startTime     time.Time
}

// Send encodes the frame when its content changed and fans it out to
// connected clients, at most once per nominal frame interval.
func (s *mjpegSender) Send(frame *Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("MJPEG sender %s destroyed", s.id.Code)
	}
	s.frameCount++
	s.lastUpdate = time.Now()

	changed := s.lastJPEG == nil || frame.Version != s.lastVersion

	if len(s.clients) == 0 {
		// Encode lazily when the first client connects
		if changed && (s.pending == nil || s.pending.Version != frame.Version) {
			s.pending = cloneFrame(frame)
		}
		return nil
	}

	if changed {
		data, err := encodeJPEG(frame, s.quality)
		if err != nil {
			return err
		}
		s.lastJPEG = data
		s.lastVersion = frame.Version
		s.pending = nil
		s.encodeCount++
	} else if time.Since(s.lastBroadcast) < frameInterval(frame) {
		return nil
	}

	s.broadcastLocked(s.lastJPEG)
	return nil
}

func (s *mjpegSender) broadcastLocked(jpegData []byte) {
	s.lastBroadcast = time.Now()
	for ch := range s.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
}

func (s *mjpegSender) subscribe() (chan []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}

	frameChan := make(chan []byte, 2)
	s.clients[frameChan] = struct{}{}

	if s.pending != nil && (s.lastJPEG == nil || s.pending.Version != s.lastVersion) {
		if data, err := encodeJPEG(s.pending, s.quality); err == nil {
			s.lastJPEG = data
			s.lastVersion = s.pending.Version
			s.encodeCount++
		}
		s.pending = nil
	}
	if s.lastJPEG != nil {
		frameChan <- s.lastJPEG
	}

	logger.WithComponent("transport-mjpeg").Info().
		Str("code", s.id.Code).
		Int("clients", len(s.clients)).
		Msg("[MJPEG] Client connected")
	return frameChan, true
}

func (s *mjpegSender) unsubscribe(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[ch]; !ok {
		return
	}
	delete(s.clients, ch)
	close(ch)

	logger.WithComponent("transport-mjpeg").Info().
		Str("code", s.id.Code).
		Int("clients", len(s.clients)).
		Msg("[MJPEG] Client disconnected")
}

func (s *mjpegSender) stats() MJPEGStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MJPEGStats{
		Code:       s.id.Code,
		Frames:     s.frameCount,
		Encoded:    s.encodeCount,
		Clients:    len(s.clients),
		LastUpdate: s.lastUpdate,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
	}
}

// Destroy disconnects all clients and unregisters the stream
func (s *mjpegSender) Destroy() error {
	s.owner.mu.Lock()
	if s.owner.senders[s.id.Code] == s {
		delete(s.owner.senders, s.id.Code)
	}
	s.owner.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
	}
	s.clients = make(map[chan []byte]struct{})
	s.pending = nil

	logger.WithComponent("transport-mjpeg").Info().
		Str("code", s.id.Code).
		Uint64("frames", s.frameCount).
		Msg("[MJPEG] Sender destroyed")
	return nil
}

func encodeJPEG(frame *Frame, quality int) ([]byte, error) {
	img := colorspace.ToYCbCr(frame.Data, frame.Stride, frame.Width, frame.Height)
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// cloneFrame copies the descriptor and its pixels so they outlive Send.
func cloneFrame(frame *Frame) *Frame {
	c := *frame
	c.Data = append([]byte(nil), frame.Data[:frame.Stride*frame.Height]...)
	return &c
}

// frameInterval is the nominal time between frames, defaulting to 30 fps.
func frameInterval(frame *Frame) time.Duration {
	if frame.FrameRateN <= 0 || frame.FrameRateD <= 0 {
		return time.Second / 30
	}
	return time.Duration(int64(time.Second) * int64(frame.FrameRateD) / int64(frame.FrameRateN))
}
