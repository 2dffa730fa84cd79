package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"clinaxis.org/internal/audit"
	"clinaxis.org/internal/backup"
	"clinaxis.org/internal/bruteforce"
	"clinaxis.org/internal/config"
	"clinaxis.org/internal/crypto"
	"clinaxis.org/internal/obs"
	"clinaxis.org/internal/policy"
	"clinaxis.org/internal/ratelimit"
	"clinaxis.org/internal/session"
	"clinaxis.org/internal/stream"
)

// User is the directory view of an account the security core needs: identity,
// role for authorization and the password hash for login.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	PasswordHash string `json:"-"`
}

// UserDirectory is the business layer's account lookup. The security core
// never owns user CRUD.
type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
}

// ReadyProbe checks the service's dependencies for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries everything the HTTP layer consumes. All services are
// constructed once in main and injected; the API holds no globals.
type Deps struct {
	Sessions *session.Manager
	Engine   *policy.Engine
	Limiter  *ratelimit.Limiter
	Guard    *bruteforce.Guard
	Recorder *audit.Recorder
	Config   *config.Service
	Backups  *backup.Coordinator
	Stream   *stream.Stream
	Crypto   *crypto.Service
	Users    UserDirectory

	ReadyProbe ReadyProbe
	Version    string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	sessions   *session.Manager
	engine     *policy.Engine
	limiter    *ratelimit.Limiter
	guard      *bruteforce.Guard
	recorder   *audit.Recorder
	cfg        *config.Service
	backups    *backup.Coordinator
	stream     *stream.Stream
	crypto     *crypto.Service
	users      UserDirectory
	readyProbe ReadyProbe
	version    string
}

// New wires the handlers. Route registration is explicit; the authorization
// table lives in routes.go.
func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		sessions:   d.Sessions,
		engine:     d.Engine,
		limiter:    d.Limiter,
		guard:      d.Guard,
		recorder:   d.Recorder,
		cfg:        d.Config,
		backups:    d.Backups,
		stream:     d.Stream,
		crypto:     d.Crypto,
		users:      d.Users,
		readyProbe: d.ReadyProbe,
		version:    d.Version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/logout-all", a.handleLogoutAll)
	a.mux.HandleFunc("/v1/auth/sessions", a.handleSessions)
	a.mux.HandleFunc("/v1/auth/sessions/", a.handleSessionResource)

	a.mux.HandleFunc("/v1/security/events", a.handleEvents)
	a.mux.HandleFunc("/v1/security/events/", a.handleEventResource)
	a.mux.HandleFunc("/v1/security/audit", a.handleAuditLog)
	a.mux.HandleFunc("/v1/security/stats", a.handleStats)
	a.mux.HandleFunc("/v1/security/stream", a.Stream)

	a.mux.HandleFunc("/v1/admin/config", a.handleConfigCollection)
	a.mux.HandleFunc("/v1/admin/config/", a.handleConfigResource)
	a.mux.HandleFunc("/v1/admin/backups", a.handleBackups)
	a.mux.HandleFunc("/v1/admin/backups/", a.handleBackupResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain, outermost first. Order matters:
// correlation id and logging wrap everything, hardening headers apply before
// any business code, throttles run ahead of session work, and authorization
// runs last so it sees the authenticated session.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withPolicy(h)
	h = a.withAudit(h)
	h = a.withRateLimit(h)
	h = a.withSession(h)
	h = obs.Instrument(h)
	h = IPThrottle(h, 50, 100)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return h
}

// --- service handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "clinaxis-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "clinaxis-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
