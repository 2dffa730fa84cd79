package stream

import (
	"context"
	"sync"

	"clinaxis.org/internal/audit"
)

// Stream fan-outs security events to all active subscribers (SSE clients on
// the admin dashboard). It implements audit.Publisher.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan audit.SecurityEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan audit.SecurityEvent)}
}

var _ audit.Publisher = (*Stream)(nil)

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan audit.SecurityEvent {
	ch := make(chan audit.SecurityEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt audit.SecurityEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers returns the current subscriber count, for readiness reporting.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
