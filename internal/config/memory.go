package config

import (
	"context"
	"sort"
	"sync"
)

// InMemory implements Store for tests and database-less runs.
type InMemory struct {
	mu       sync.RWMutex
	settings map[string]Setting
}

// NewInMemory creates an empty in-memory config store.
func NewInMemory() *InMemory {
	return &InMemory{settings: make(map[string]Setting)}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Get(ctx context.Context, key string) (*Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	setting, ok := s.settings[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &setting, nil
}

func (s *InMemory) Upsert(ctx context.Context, setting *Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[setting.Key] = *setting
	return nil
}

func (s *InMemory) List(ctx context.Context, category string) ([]Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Setting, 0, len(s.settings))
	for _, setting := range s.settings {
		if category != "" && setting.Category != category {
			continue
		}
		out = append(out, setting)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
