package backup

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements RecordStore for tests and database-less runs.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewInMemory creates an empty in-memory record store.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]Record)}
}

var _ RecordStore = (*InMemory)(nil)

func (s *InMemory) Create(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = *r
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &record, nil
}

func (s *InMemory) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemory) DeleteOlderThan(ctx context.Context, before time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Record
	for id, record := range s.records {
		if record.CreatedAt.Before(before) {
			expired = append(expired, record)
			delete(s.records, id)
		}
	}
	return expired, nil
}
