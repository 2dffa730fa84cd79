package session

import (
	"context"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Used in tests
// and when the service runs without a database.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byToken  map[string]string
}

// NewInMemory creates an empty in-memory session store.
func NewInMemory() *InMemory {
	return &InMemory{
		sessions: make(map[string]*Session),
		byToken:  make(map[string]string),
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[cp.ID] = &cp
	s.byToken[cp.TokenHash] = cp.ID
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *InMemory) FindByTokenHash(ctx context.Context, hash string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[hash]
	if !ok {
		return nil, ErrNotFound
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *InMemory) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastActivity = at
	return nil
}

func (s *InMemory) UpdateTokens(ctx context.Context, id, tokenHash, refreshHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byToken, sess.TokenHash)
	sess.TokenHash = tokenHash
	sess.RefreshTokenHash = refreshHash
	sess.ExpiresAt = expiresAt
	s.byToken[tokenHash] = id
	return nil
}

func (s *InMemory) Terminate(ctx context.Context, id string, at time.Time, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !sess.Active {
		return nil
	}
	sess.Active = false
	terminatedAt := at
	sess.TerminatedAt = &terminatedAt
	sess.TerminatedBy = by
	return nil
}

func (s *InMemory) TerminateAllForUser(ctx context.Context, userID, exceptID, by string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.UserID != userID || !sess.Active || sess.ID == exceptID {
			continue
		}
		sess.Active = false
		terminatedAt := at
		sess.TerminatedAt = &terminatedAt
		sess.TerminatedBy = by
		count++
	}
	return count, nil
}

func (s *InMemory) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active {
			count++
		}
	}
	return count, nil
}

func (s *InMemory) ListActiveForUser(ctx context.Context, userID string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *InMemory) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, sess := range s.sessions {
		if sess.Active && sess.ExpiresAt.After(before) {
			continue
		}
		delete(s.byToken, sess.TokenHash)
		delete(s.sessions, id)
		count++
	}
	return count, nil
}
