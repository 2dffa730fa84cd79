package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"clinaxis.org/internal/audit"
	"clinaxis.org/internal/crypto"
	"clinaxis.org/internal/ids"
	"clinaxis.org/internal/obs"
)

const (
	issuer = "clinaxis"

	defaultTTL           = 8 * time.Hour
	defaultMaxConcurrent = 5
)

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Manager creates, validates and terminates sessions. The raw bearer token is
// a signed JWT whose hash (never the token itself) is persisted.
type Manager struct {
	store  Store
	secret []byte
	salt   string
	geo    GeoResolver
	rec    *audit.Recorder

	maxConcurrent int
	now           func() time.Time
}

// Option configures the Manager.
type Option func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithGeoResolver attaches an IP geolocation source.
func WithGeoResolver(geo GeoResolver) Option {
	return func(m *Manager) { m.geo = geo }
}

// WithRecorder attaches the audit pipeline.
func WithRecorder(rec *audit.Recorder) Option {
	return func(m *Manager) { m.rec = rec }
}

// WithMaxConcurrent overrides the concurrent-session ceiling.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxConcurrent = n
		}
	}
}

// WithFingerprintSalt overrides the device fingerprint salt.
func WithFingerprintSalt(salt string) Option {
	return func(m *Manager) {
		if salt != "" {
			m.salt = salt
		}
	}
}

// NewManager constructs a Manager. The signing secret is required.
func NewManager(store Store, secret string, opts ...Option) (*Manager, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: signing secret is required", ErrInvalidInput)
	}
	m := &Manager{
		store:         store,
		secret:        []byte(secret),
		salt:          "clinaxis-device",
		maxConcurrent: defaultMaxConcurrent,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateParams describes a login that should produce a session.
type CreateParams struct {
	UserID      string
	IP          string
	UserAgent   string
	LoginMethod string
	Trusted     bool
	TTL         time.Duration
}

// Create builds and persists a session, returning the raw access and refresh
// tokens exactly once. Only hashes are stored.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, string, string, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return nil, "", "", fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if p.TTL <= 0 {
		p.TTL = defaultTTL
	}
	now := m.now().UTC()
	expiresAt := now.Add(p.TTL)
	id := ids.NewAt(now)

	rawToken, err := m.signAccessToken(id, p.UserID, now, expiresAt)
	if err != nil {
		return nil, "", "", err
	}
	rawRefresh, refreshHash, err := newRefreshToken(id)
	if err != nil {
		return nil, "", "", err
	}

	sess := &Session{
		ID:                id,
		UserID:            p.UserID,
		TokenHash:         crypto.SHA256Hex(rawToken),
		RefreshTokenHash:  refreshHash,
		IP:                p.IP,
		UserAgent:         p.UserAgent,
		DeviceFingerprint: m.Fingerprint(p.UserAgent, p.IP),
		Geo:               m.resolveGeo(p.IP),
		LoginMethod:       p.LoginMethod,
		Trusted:           p.Trusted,
		CreatedAt:         now,
		LastActivity:      now,
		ExpiresAt:         expiresAt,
		Active:            true,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, "", "", err
	}

	m.checkConcurrent(ctx, p.UserID)
	return sess, rawToken, rawRefresh, nil
}

// Validate verifies the raw token and returns the live session. It has no
// side effects; callers record activity with Touch.
func (m *Manager) Validate(ctx context.Context, rawToken string) (*Session, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, ErrAuthenticationFailed
	}
	if _, err := m.parseAccessToken(rawToken); err != nil {
		return nil, ErrAuthenticationFailed
	}
	sess, err := m.store.FindByTokenHash(ctx, crypto.SHA256Hex(rawToken))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	now := m.now().UTC()
	if !sess.Active || !now.Before(sess.ExpiresAt) {
		return nil, ErrAuthenticationFailed
	}
	return sess, nil
}

// Touch records request activity on the session.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	return m.store.Touch(ctx, sessionID, m.now().UTC())
}

// CheckAnomaly compares the request IP against the session origin. A
// mismatch is logged; on an untrusted session it terminates the session and
// fails authentication.
func (m *Manager) CheckAnomaly(ctx context.Context, sess *Session, currentIP string) error {
	if sess == nil || currentIP == "" || currentIP == sess.IP {
		return nil
	}
	if m.rec != nil {
		m.rec.LogSecurityEvent(ctx, &audit.SecurityEvent{
			Type:        audit.EventSuspiciousActivity,
			Severity:    audit.SeverityHigh,
			Description: "session IP changed mid-lifetime",
			IP:          currentIP,
			UserAgent:   sess.UserAgent,
			Metadata: map[string]string{
				"session_id": sess.ID,
				"user_id":    sess.UserID,
				"session_ip": sess.IP,
				"request_ip": currentIP,
				"trusted":    strconv.FormatBool(sess.Trusted),
			},
		})
	}
	if sess.Trusted {
		return nil
	}
	if err := m.Terminate(ctx, sess.ID, "anomaly-detector"); err != nil {
		obs.Error("failed to terminate anomalous session", map[string]any{
			"session_id": sess.ID,
			"cause":      err.Error(),
		})
	}
	return fmt.Errorf("%w: session origin mismatch", ErrAuthenticationFailed)
}

// Refresh rotates both tokens on a live session identified by the raw
// refresh token and extends its expiry by ttl.
func (m *Manager) Refresh(ctx context.Context, rawRefresh string, ttl time.Duration) (*Session, string, string, error) {
	sessID, secret, err := splitRefreshToken(rawRefresh)
	if err != nil {
		return nil, "", "", ErrAuthenticationFailed
	}
	sess, err := m.store.Find(ctx, sessID)
	if err != nil {
		return nil, "", "", ErrAuthenticationFailed
	}
	now := m.now().UTC()
	if !sess.Active || !now.Before(sess.ExpiresAt) {
		return nil, "", "", ErrAuthenticationFailed
	}
	if !compareHash(sess.RefreshTokenHash, secret) {
		// A bad secret against a valid session id smells like token theft.
		_ = m.Terminate(ctx, sess.ID, "refresh-mismatch")
		return nil, "", "", ErrAuthenticationFailed
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	expiresAt := now.Add(ttl)
	rawToken, err := m.signAccessToken(sess.ID, sess.UserID, now, expiresAt)
	if err != nil {
		return nil, "", "", err
	}
	rawNewRefresh, refreshHash, err := newRefreshToken(sess.ID)
	if err != nil {
		return nil, "", "", err
	}
	tokenHash := crypto.SHA256Hex(rawToken)
	if err := m.store.UpdateTokens(ctx, sess.ID, tokenHash, refreshHash, expiresAt); err != nil {
		return nil, "", "", err
	}
	sess.TokenHash = tokenHash
	sess.RefreshTokenHash = refreshHash
	sess.ExpiresAt = expiresAt
	sess.LastActivity = now
	return sess, rawToken, rawNewRefresh, nil
}

// Terminate deactivates one session.
func (m *Manager) Terminate(ctx context.Context, sessionID, by string) error {
	err := m.store.Terminate(ctx, sessionID, m.now().UTC(), by)
	if err != nil {
		return err
	}
	if m.rec != nil {
		m.rec.LogSecurityEvent(ctx, &audit.SecurityEvent{
			Type:        audit.EventSessionTerminated,
			Severity:    audit.SeverityInfo,
			Description: "session terminated",
			Metadata: map[string]string{
				"session_id":    sessionID,
				"terminated_by": by,
			},
		})
	}
	return nil
}

// TerminateAll deactivates every active session of a user, optionally
// sparing one (the caller's own).
func (m *Manager) TerminateAll(ctx context.Context, userID, exceptID, by string) (int, error) {
	return m.store.TerminateAllForUser(ctx, userID, exceptID, by, m.now().UTC())
}

// ListActive returns the user's live sessions.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]Session, error) {
	return m.store.ListActiveForUser(ctx, userID)
}

// Fingerprint derives the device fingerprint from user agent and IP.
func (m *Manager) Fingerprint(userAgent, ip string) string {
	return crypto.SHA256Hex(userAgent + "|" + ip + "|" + m.salt)
}

// RunSweeper deletes expired and terminated sessions on a fixed interval
// until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := m.store.DeleteExpired(sweepCtx, m.now().UTC())
			cancel()
			if err != nil {
				obs.Warn("session sweep failed", map[string]any{"cause": err.Error()})
				continue
			}
			if n > 0 {
				obs.Emit(map[string]any{
					"ts":      m.now().UTC().Format(time.RFC3339Nano),
					"level":   "info",
					"msg":     "expired sessions evicted",
					"evicted": n,
				})
			}
		}
	}
}

func (m *Manager) checkConcurrent(ctx context.Context, userID string) {
	count, err := m.store.CountActiveForUser(ctx, userID)
	if err != nil {
		return
	}
	obs.SetActiveSessions(count)
	if count <= m.maxConcurrent || m.rec == nil {
		return
	}
	// Informational only; the new session stands.
	m.rec.LogSecurityEvent(ctx, &audit.SecurityEvent{
		Type:        audit.EventConcurrentSessions,
		Severity:    audit.SeverityMedium,
		Description: "active session count exceeds ceiling",
		Metadata: map[string]string{
			"user_id":         userID,
			"active_sessions": strconv.Itoa(count),
			"ceiling":         strconv.Itoa(m.maxConcurrent),
		},
	})
}

func (m *Manager) signAccessToken(sessionID, userID string, now, expiresAt time.Time) (string, error) {
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (m *Manager) parseAccessToken(raw string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrAuthenticationFailed
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.now().UTC() }), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.SessionID == "" {
		return nil, ErrAuthenticationFailed
	}
	return claims, nil
}

func newRefreshToken(sessionID string) (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	secret := hex.EncodeToString(buf)
	return sessionID + "." + secret, crypto.SHA256Hex(secret), nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: malformed refresh token", ErrInvalidInput)
	}
	return parts[0], parts[1], nil
}

func compareHash(expectedHash, secret string) bool {
	actual := crypto.SHA256Hex(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

func (m *Manager) resolveGeo(ip string) string {
	if m.geo == nil || isPrivateIP(ip) {
		return ""
	}
	return m.geo.Resolve(ip)
}

// isPrivateIP reports whether geo lookup should be skipped for the address.
// Unparseable addresses are treated as private.
func isPrivateIP(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return true
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified()
}
