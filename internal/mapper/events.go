package mapper

import (
	"sync"
	"time"
)

// EventType labels session lifecycle notifications pushed to subscribers.
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventChunkEmitted  EventType = "chunk_emitted"
	EventChunkFailed   EventType = "chunk_failed"
	EventLoopDetected  EventType = "loop_detected"
	EventSessionDone   EventType = "session_done"
	EventSessionFailed EventType = "session_failed"
)

// Event is one session notification.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventBus fans session events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a buffered listener. The returned cancel func must be
// called to release it.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// Publish delivers an event to all current subscribers.
func (b *EventBus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			tracef("event %s dropped for slow subscriber", ev.Type)
		}
	}
	b.mu.Unlock()
}
