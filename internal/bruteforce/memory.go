package bruteforce

import (
	"context"
	"sync"
	"time"
)

// InMemory implements AttemptStore with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	attempts []LoginAttempt
}

// NewInMemory creates an empty in-memory attempt store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

var _ AttemptStore = (*InMemory)(nil)

func (s *InMemory) Append(ctx context.Context, attempt *LoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *attempt)
	return nil
}

func (s *InMemory) CountFailedByEmail(ctx context.Context, email string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, a := range s.attempts {
		if !a.Success && a.Email == email && !a.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *InMemory) CountFailedByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, a := range s.attempts {
		if !a.Success && a.IP == ip && !a.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *InMemory) LastFailure(ctx context.Context, email, ip string, since time.Time) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	for _, a := range s.attempts {
		if a.Success || a.CreatedAt.Before(since) {
			continue
		}
		if a.Email != email && a.IP != ip {
			continue
		}
		if a.CreatedAt.After(last) {
			last = a.CreatedAt
		}
	}
	return last, nil
}
