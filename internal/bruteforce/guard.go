package bruteforce

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"clinaxis.org/internal/audit"
	"clinaxis.org/internal/ids"
)

var ErrInvalidInput = errors.New("bruteforce: invalid input")

const (
	defaultWindow    = 5 * time.Minute
	defaultThreshold = 5
)

// LoginAttempt is one append-only record of a login try.
type LoginAttempt struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	IP            string    `json:"ip"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Status is the outcome of a block check.
type Status struct {
	Blocked       bool          `json:"is_blocked"`
	AttemptCount  int           `json:"attempt_count"`
	RetryAfter    time.Duration `json:"-"`
	EmailFailures int           `json:"email_failures"`
	IPFailures    int           `json:"ip_failures"`
}

// AttemptStore persists login attempts and answers rolling-window counts.
type AttemptStore interface {
	Append(ctx context.Context, attempt *LoginAttempt) error
	CountFailedByEmail(ctx context.Context, email string, since time.Time) (int, error)
	CountFailedByIP(ctx context.Context, ip string, since time.Time) (int, error)
	LastFailure(ctx context.Context, email, ip string, since time.Time) (time.Time, error)
}

// Guard counts failed login attempts per email and per IP over a rolling
// window and blocks once either count reaches the threshold.
type Guard struct {
	store     AttemptStore
	rec       *audit.Recorder
	window    time.Duration
	threshold int
	now       func() time.Time
}

// Option configures the Guard.
type Option func(*Guard)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithWindow overrides the rolling lookback window.
func WithWindow(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.window = d
		}
	}
}

// WithThreshold overrides the failure count that triggers a block.
func WithThreshold(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.threshold = n
		}
	}
}

// WithRecorder attaches the audit pipeline for block events.
func WithRecorder(rec *audit.Recorder) Option {
	return func(g *Guard) { g.rec = rec }
}

// NewGuard constructs a Guard over the given attempt store.
func NewGuard(store AttemptStore, opts ...Option) *Guard {
	g := &Guard{
		store:     store,
		window:    defaultWindow,
		threshold: defaultThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RecordAttempt appends a login attempt.
func (g *Guard) RecordAttempt(ctx context.Context, email, ip string, success bool, reason string) error {
	email = normalizeEmail(email)
	if email == "" || strings.TrimSpace(ip) == "" {
		return ErrInvalidInput
	}
	at := g.now().UTC()
	return g.store.Append(ctx, &LoginAttempt{
		ID:            ids.NewAt(at),
		Email:         email,
		IP:            ip,
		Success:       success,
		FailureReason: reason,
		CreatedAt:     at,
	})
}

// CheckBlocked reports whether login for the email or from the IP is
// currently blocked, with the failure counts and remaining block time.
func (g *Guard) CheckBlocked(ctx context.Context, email, ip string) (Status, error) {
	email = normalizeEmail(email)
	now := g.now().UTC()
	since := now.Add(-g.window)

	emailFailures, err := g.store.CountFailedByEmail(ctx, email, since)
	if err != nil {
		return Status{}, err
	}
	ipFailures, err := g.store.CountFailedByIP(ctx, ip, since)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		AttemptCount:  max(emailFailures, ipFailures),
		EmailFailures: emailFailures,
		IPFailures:    ipFailures,
	}
	if emailFailures < g.threshold && ipFailures < g.threshold {
		return status, nil
	}
	status.Blocked = true

	// The block lifts when the newest counted failure ages out of the window.
	if last, err := g.store.LastFailure(ctx, email, ip, since); err == nil && !last.IsZero() {
		remaining := last.Add(g.window).Sub(now)
		if remaining > 0 {
			status.RetryAfter = remaining
		}
	}

	if g.rec != nil {
		g.rec.LogSecurityEvent(ctx, &audit.SecurityEvent{
			Type:        audit.EventBruteForceAttempt,
			Severity:    audit.SeverityHigh,
			Description: "login blocked after repeated failures",
			IP:          ip,
			Metadata: map[string]string{
				"email":          email,
				"email_failures": strconv.Itoa(emailFailures),
				"ip_failures":    strconv.Itoa(ipFailures),
				"threshold":      strconv.Itoa(g.threshold),
				"window_seconds": strconv.Itoa(int(g.window.Seconds())),
			},
		})
	}
	return status, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
