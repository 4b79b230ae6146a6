package output

import (
	"sync"
	"sync/atomic"
)

// DiscardTransport accepts frames and drops them, keeping only counters.
// It is the fallback when no real output is configured.
type DiscardTransport struct {
	mu      sync.Mutex
	senders map[string]*discardSender
}

// NewDiscardTransport creates a frame-counting transport.
func NewDiscardTransport() *DiscardTransport {
	return &DiscardTransport{senders: make(map[string]*discardSender)}
}

func (d *DiscardTransport) CreateSender(id Identity) (Sender, error) {
	s := &discardSender{id: id, owner: d}
	d.mu.Lock()
	d.senders[id.Code] = s
	d.mu.Unlock()
	return s, nil
}

// Frames returns how many frames the sender with the given code accepted.
func (d *DiscardTransport) Frames(code string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.senders[code]; ok {
		return s.frames.Load()
	}
	return 0
}

func (d *DiscardTransport) Name() string { return "discard" }

func (d *DiscardTransport) Close() error { return nil }

type discardSender struct {
	id     Identity
	owner  *DiscardTransport
	frames atomic.Uint64
}

func (s *discardSender) Send(frame *Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	s.frames.Add(1)
	return nil
}

func (s *discardSender) Destroy() error {
	s.owner.mu.Lock()
	if s.owner.senders[s.id.Code] == s {
		delete(s.owner.senders, s.id.Code)
	}
	s.owner.mu.Unlock()
	return nil
}
