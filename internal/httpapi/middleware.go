package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"clinaxis.org/internal/audit"
	"clinaxis.org/internal/obs"
	"clinaxis.org/internal/policy"
	"clinaxis.org/internal/ratelimit"
	"clinaxis.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	requestIDHeader = "X-Request-Id"
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// noStorePrefixes mark paths whose responses must never be cached.
var noStorePrefixes = []string{
	"/v1/auth",
	"/v1/security",
	"/v1/payments",
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestID assigns a correlation id to every request, honoring an inbound
// X-Request-Id from a trusted proxy.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = newRequestID()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), id)))
	})
}

func newRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}

// LoggingJSON: method, path, status, duration as one JSON line.
func LoggingJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		obs.Emit(map[string]any{
			"ts":          time.Now().UTC().Format(time.RFC3339Nano),
			"level":       "info",
			"msg":         "http request",
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.code,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  RequestIDFromContext(r.Context()),
		})
	})
}

// SecurityHeaders applies the response hardening contract. HSTS is only
// meaningful over TLS; sensitive path prefixes additionally get no-store.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		for _, prefix := range noStorePrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				h.Set("Cache-Control", "no-store")
				h.Set("Pragma", "no-cache")
				break
			}
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBodyBytes: limit request body size.
func MaxBodyBytes(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

// IPThrottle: token-bucket per client IP, the first line of defense ahead of
// the per-user fixed-window limiter.
func IPThrottle(next http.Handler, perSecond, burst int) http.Handler {
	type entry struct {
		lim *rate.Limiter
		ts  time.Time
	}
	var (
		mu      sync.Mutex
		buckets = make(map[string]*entry)
		ttl     = 5 * time.Minute
	)
	ticker := time.NewTicker(time.Minute)
	go func() {
		for range ticker.C {
			now := time.Now()
			mu.Lock()
			for k, b := range buckets {
				if now.Sub(b.ts) > ttl {
					delete(buckets, k)
				}
			}
			mu.Unlock()
		}
	}()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		mu.Lock()
		b, ok := buckets[ip]
		if !ok {
			b = &entry{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
			buckets[ip] = b
		}
		b.ts = time.Now()
		allowed := b.lim.Allow()
		mu.Unlock()
		if !allowed {
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withSession gates every non-public path behind bearer-token validation,
// records activity and runs the anomaly check.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		sess, err := a.sessions.Validate(r.Context(), token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		if err := a.sessions.CheckAnomaly(r.Context(), sess, clientIP(r)); err != nil {
			writeError(w, r, http.StatusUnauthorized, "session terminated")
			return
		}
		if err := a.sessions.Touch(r.Context(), sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
			obs.Warn("session touch failed", map[string]any{"session_id": sess.ID, "cause": err.Error()})
		}

		ctx := ContextWithSession(r.Context(), sess)
		if a.users != nil {
			if user, err := a.users.FindByID(ctx, sess.UserID); err == nil {
				ctx = ContextWithRole(ctx, user.Role)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRateLimit applies the fixed-window limiter keyed (ip, user, endpoint).
func (a *API) withRateLimit(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := ratelimit.AnonymousUser
		if sess, ok := SessionFromContext(r.Context()); ok {
			userID = sess.UserID
		}
		res := a.limiter.Allow(clientIP(r), userID, r.URL.Path)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withPolicy consults the route-policy table and asks the permission engine
// before the handler runs. Routes without a policy entry pass through (they
// are either public or session-scoped, like logout).
func (a *API) withPolicy(next http.Handler) http.Handler {
	if a.engine == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rp, ok := lookupRoutePolicy(r.Method, r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		dec := a.engine.Evaluate(r.Context(), policy.Request{
			SubjectID:  sess.UserID,
			Role:       policy.Role(RoleFromContext(r.Context())),
			Resource:   rp.resource,
			Action:     rp.action,
			ResourceID: rp.resourceID(r.URL.Path),
		})
		if !dec.Allowed {
			writeError(w, r, http.StatusForbidden, dec.Reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAudit records an audit entry for every authenticated mutating call.
func (a *API) withAudit(next http.Handler) http.Handler {
	if a.recorder == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		if r.Method == http.MethodGet || r.Method == http.MethodOptions {
			return
		}
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			return
		}
		rp, hasPolicy := lookupRoutePolicy(r.Method, r.URL.Path)
		resource := "api"
		action := r.Method
		var resourceID string
		if hasPolicy {
			resource = rp.resource
			action = string(rp.action)
			resourceID = rp.resourceID(r.URL.Path)
		}
		a.recorder.LogAction(r.Context(), &audit.Entry{
			ActorID:    sess.UserID,
			Action:     action,
			Resource:   resource,
			ResourceID: resourceID,
			Method:     r.Method,
			Endpoint:   r.URL.Path,
			IP:         clientIP(r),
			Success:    sw.code < http.StatusBadRequest,
			DurationMs: time.Since(start).Milliseconds(),
		})
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
