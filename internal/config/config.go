package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"clinaxis.org/internal/audit"
)

var (
	ErrNotFound     = errors.New("config: not found")
	ErrInvalidInput = errors.New("config: invalid input")
)

// Setting is one runtime-tunable security parameter.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Category  string    `json:"category"`
	Sensitive bool      `json:"sensitive"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists settings. Implemented externally (PostgreSQL in production,
// in-memory in tests).
type Store interface {
	Get(ctx context.Context, key string) (*Setting, error)
	Upsert(ctx context.Context, s *Setting) error
	List(ctx context.Context, category string) ([]Setting, error)
}

const redactedValue = "********"

// Service reads and writes runtime security settings. Every change is
// recorded as a CONFIG_CHANGED security event.
type Service struct {
	store Store
	rec   *audit.Recorder
	now   func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithRecorder attaches the audit pipeline.
func WithRecorder(rec *audit.Recorder) Option {
	return func(s *Service) { s.rec = rec }
}

// NewService constructs the config service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a setting by key.
func (s *Service) Get(ctx context.Context, key string) (*Setting, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidInput)
	}
	return s.store.Get(ctx, key)
}

// GetString returns the value for key, or fallback when absent.
func (s *Service) GetString(ctx context.Context, key, fallback string) string {
	setting, err := s.store.Get(ctx, key)
	if err != nil {
		return fallback
	}
	return setting.Value
}

// GetInt returns the integer value for key, or fallback when absent or
// unparseable.
func (s *Service) GetInt(ctx context.Context, key string, fallback int) int {
	setting, err := s.store.Get(ctx, key)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(setting.Value))
	if err != nil {
		return fallback
	}
	return n
}

// GetDuration returns the duration value for key ("30s", "5m"), or fallback.
func (s *Service) GetDuration(ctx context.Context, key string, fallback time.Duration) time.Duration {
	setting, err := s.store.Get(ctx, key)
	if err != nil {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(setting.Value))
	if err != nil {
		return fallback
	}
	return d
}

// Set upserts a setting and records the change. Sensitive values never
// appear in the event metadata.
func (s *Service) Set(ctx context.Context, setting Setting, by string) (*Setting, error) {
	setting.Key = strings.TrimSpace(setting.Key)
	if setting.Key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidInput)
	}
	if setting.Category == "" {
		setting.Category = "general"
	}
	setting.UpdatedBy = by
	setting.UpdatedAt = s.now().UTC()
	if err := s.store.Upsert(ctx, &setting); err != nil {
		return nil, err
	}
	if s.rec != nil {
		s.rec.LogSecurityEvent(ctx, &audit.SecurityEvent{
			Type:        audit.EventConfigChanged,
			Severity:    audit.SeverityHigh,
			Description: "security configuration changed",
			Metadata: map[string]string{
				"key":        setting.Key,
				"category":   setting.Category,
				"updated_by": by,
			},
		})
	}
	return &setting, nil
}

// List returns settings in a category (all when empty), with sensitive
// values redacted.
func (s *Service) List(ctx context.Context, category string) ([]Setting, error) {
	settings, err := s.store.List(ctx, category)
	if err != nil {
		return nil, err
	}
	for i := range settings {
		if settings[i].Sensitive {
			settings[i].Value = redactedValue
		}
	}
	return settings, nil
}
