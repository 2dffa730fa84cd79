package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"clinaxis.org/internal/audit"
	"clinaxis.org/internal/obs"
)

// ErrRateLimited indicates the caller exceeded the request budget for the
// current window.
var ErrRateLimited = errors.New("ratelimit: too many requests")

const (
	// AnonymousUser keys unauthenticated traffic.
	AnonymousUser = "anonymous"

	defaultWindow = time.Minute
	defaultMax    = 100
	sweepInterval = time.Minute
)

// Result reports the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// RetryAfterSeconds rounds the wait up to whole seconds for Retry-After
// headers.
func (r Result) RetryAfterSeconds() int {
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window request counter keyed by (ip, user, endpoint).
// Shared by concurrent request handlers; all bucket access is mutex-guarded.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	window time.Duration
	max    int
	now    func() time.Time
	rec    *audit.Recorder
}

// Option configures the Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithRecorder attaches the audit pipeline for rejection events.
func WithRecorder(rec *audit.Recorder) Option {
	return func(l *Limiter) { l.rec = rec }
}

// New constructs a fixed-window limiter.
func New(window time.Duration, max int, opts ...Option) *Limiter {
	if window <= 0 {
		window = defaultWindow
	}
	if max <= 0 {
		max = defaultMax
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		window:  window,
		max:     max,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one request against the (ip, user, endpoint) bucket. The
// endpoint is normalized to its path without the query string. A bucket whose
// window has elapsed resets exactly at the boundary; counts never go
// negative.
func (l *Limiter) Allow(ip, userID, endpoint string) Result {
	key := Key(ip, userID, endpoint)
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{count: 0, resetAt: now.Add(l.window)}
		l.buckets[key] = b
	}
	b.count++
	count := b.count
	resetAt := b.resetAt
	l.mu.Unlock()

	if count > l.max {
		res := Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: resetAt.Sub(now),
			ResetAt:    resetAt,
		}
		l.reject(ip, userID, endpoint, res)
		return res
	}
	return Result{
		Allowed:   true,
		Remaining: l.max - count,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) reject(ip, userID, endpoint string, res Result) {
	obs.IncRateLimitRejection()
	if l.rec == nil {
		return
	}
	ctx := context.Background()
	l.rec.LogSecurityEvent(ctx, &audit.SecurityEvent{
		Type:        audit.EventRateLimitExceeded,
		Severity:    audit.SeverityMedium,
		Description: "request rate limit exceeded",
		IP:          ip,
		Metadata: map[string]string{
			"user_id":             userID,
			"endpoint":            stripQuery(endpoint),
			"limit":               strconv.Itoa(l.max),
			"window_ms":           strconv.FormatInt(l.window.Milliseconds(), 10),
			"retry_after_seconds": strconv.Itoa(res.RetryAfterSeconds()),
		},
	})
	l.rec.LogAction(ctx, &audit.Entry{
		ActorID:    userID,
		Action:     "REQUEST",
		Resource:   "api",
		Endpoint:   stripQuery(endpoint),
		IP:         ip,
		Severity:   audit.SeverityInfo,
		Success:    false,
		Error:      "429 rate limit exceeded",
		DurationMs: 0,
	})
}

// Key builds the bucket key for a request.
func Key(ip, userID, endpoint string) string {
	if strings.TrimSpace(userID) == "" {
		userID = AnonymousUser
	}
	return ip + "|" + userID + "|" + stripQuery(endpoint)
}

func stripQuery(endpoint string) string {
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		return endpoint[:idx]
	}
	return endpoint
}

// Len reports the number of live buckets. Intended for tests and metrics.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RunSweeper evicts expired buckets on a fixed interval until ctx is
// cancelled. The lock is never held across anything but the map walk.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = sweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, key)
		}
	}
}
