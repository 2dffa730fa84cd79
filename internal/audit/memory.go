package audit

import (
	"context"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Used in tests
// and when the service runs without a database.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
	events  []SecurityEvent
}

// NewInMemory creates an empty in-memory audit store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) AppendEntry(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *InMemory) AppendEvent(ctx context.Context, event *SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

func (s *InMemory) ResolveEvent(ctx context.Context, id, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			if s.events[i].Resolved {
				return nil
			}
			s.events[i].Resolved = true
			s.events[i].ResolvedBy = by
			resolvedAt := at
			s.events[i].ResolvedAt = &resolvedAt
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemory) ListEvents(ctx context.Context, filter EventFilter) ([]SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SecurityEvent
	for _, ev := range s.events {
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		if filter.Resolved != nil && ev.Resolved != *filter.Resolved {
			continue
		}
		if !filter.Since.IsZero() && ev.OccurredAt.Before(filter.Since) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemory) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if filter.Resource != "" && e.Resource != filter.Resource {
			continue
		}
		if !filter.Since.IsZero() && e.OccurredAt.Before(filter.Since) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
