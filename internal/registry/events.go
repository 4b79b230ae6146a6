package registry

import "time"

// EventType names a registry change.
type EventType string

const (
	EventImageAdded    EventType = "image.added"
	EventImageDeleted  EventType = "image.deleted"
	EventSenderSetup   EventType = "sender.setup"
	EventSenderStopped EventType = "sender.stopped"
	EventSenderFailed  EventType = "sender.failed"
)

// Event is published to subscribers whenever an image or sender changes.
type Event struct {
	Type  EventType `json:"type"`
	Code  string    `json:"code"`
	Time  time.Time `json:"time"`
	Error string    `json:"error,omitempty"`
}

// Subscribe adds a listener for registry events
func (r *Registry) Subscribe() chan Event {
	ch := make(chan Event, 16)
	r.lmu.Lock()
	r.listeners = append(r.listeners, ch)
	r.lmu.Unlock()
	return ch
}

// Unsubscribe removes a listener
func (r *Registry) Unsubscribe(ch chan Event) {
	r.lmu.Lock()
	defer r.lmu.Unlock()

	for i, listener := range r.listeners {
		if listener == ch {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (r *Registry) publish(typ EventType, code string, err error) {
	ev := Event{Type: typ, Code: code, Time: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}

	r.lmu.RLock()
	defer r.lmu.RUnlock()

	for _, listener := range r.listeners {
		select {
		case listener <- ev:
		default:
			// Skip if channel is full
		}
	}
}
