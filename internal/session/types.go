package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrInvalidInput = errors.New("session: invalid input")
	// ErrAuthenticationFailed covers invalid, expired and anomalous sessions.
	ErrAuthenticationFailed = errors.New("session: authentication failed")
)

// Session tracks one authenticated device. Raw tokens are never stored, only
// their SHA-256 hashes.
type Session struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	TokenHash         string     `json:"-"`
	RefreshTokenHash  string     `json:"-"`
	IP                string     `json:"ip"`
	UserAgent         string     `json:"user_agent"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	Geo               string     `json:"geo,omitempty"`
	LoginMethod       string     `json:"login_method"`
	Trusted           bool       `json:"trusted"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivity      time.Time  `json:"last_activity"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Active            bool       `json:"is_active"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	TerminatedBy      string     `json:"terminated_by,omitempty"`
}

// Store persists sessions. Implemented externally (PostgreSQL in production,
// in-memory in tests).
type Store interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	FindByTokenHash(ctx context.Context, hash string) (*Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	UpdateTokens(ctx context.Context, id, tokenHash, refreshHash string, expiresAt time.Time) error
	Terminate(ctx context.Context, id string, at time.Time, by string) error
	TerminateAllForUser(ctx context.Context, userID, exceptID, by string, at time.Time) (int, error)
	CountActiveForUser(ctx context.Context, userID string) (int, error)
	ListActiveForUser(ctx context.Context, userID string) ([]Session, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// GeoResolver maps an IP address to a coarse location label. Lookups are
// skipped for private ranges before the resolver is consulted.
type GeoResolver interface {
	Resolve(ip string) string
}

// GeoFunc adapts a plain function to GeoResolver.
type GeoFunc func(ip string) string

func (f GeoFunc) Resolve(ip string) string { return f(ip) }
