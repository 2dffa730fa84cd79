package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clinaxis.org/internal/audit"
	"clinaxis.org/internal/backup"
	"clinaxis.org/internal/bruteforce"
	"clinaxis.org/internal/config"
	"clinaxis.org/internal/crypto"
	"clinaxis.org/internal/policy"
	"clinaxis.org/internal/ratelimit"
	"clinaxis.org/internal/session"
	"clinaxis.org/internal/stream"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

type fakeDirectory struct {
	byEmail map[string]*User
	byID    map[string]*User
}

func (d *fakeDirectory) FindByEmail(ctx context.Context, email string) (*User, error) {
	u, ok := d.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, session.ErrNotFound)
	}
	return u, nil
}

func (d *fakeDirectory) FindByID(ctx context.Context, id string) (*User, error) {
	u, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, session.ErrNotFound)
	}
	return u, nil
}

type testEnv struct {
	api        *API
	handler    http.Handler
	auditStore *audit.InMemory
	recorder   *audit.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cs, err := crypto.NewService(testMasterKey)
	if err != nil {
		t.Fatalf("crypto.NewService: %v", err)
	}
	adminHash, err := cs.HashPassword("Adm1n!Passw0rd")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	frontHash, err := cs.HashPassword("Fr0nt!Desk123")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	dir := &fakeDirectory{
		byEmail: map[string]*User{
			"admin@clinic.test": {ID: "u-admin", Email: "admin@clinic.test", Role: "ADMIN", PasswordHash: adminHash},
			"front@clinic.test": {ID: "u-front", Email: "front@clinic.test", Role: "RECEPCIONISTA", PasswordHash: frontHash},
		},
	}
	dir.byID = map[string]*User{
		"u-admin": dir.byEmail["admin@clinic.test"],
		"u-front": dir.byEmail["front@clinic.test"],
	}

	auditStore := audit.NewInMemory()
	recorder := audit.NewRecorder(auditStore)
	t.Cleanup(recorder.Close)

	sessions, err := session.NewManager(session.NewInMemory(), "httpapi-test-secret", session.WithRecorder(recorder))
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	engine, err := policy.NewEngine(policy.DefaultMatrix(), policy.WithRecorder(recorder))
	if err != nil {
		t.Fatalf("policy.NewEngine: %v", err)
	}
	backups, err := backup.NewCoordinator(t.TempDir(), staticSnapshot{}, backup.NewInMemory(), cs, backup.WithRecorder(recorder))
	if err != nil {
		t.Fatalf("backup.NewCoordinator: %v", err)
	}

	api := New(Deps{
		Sessions: sessions,
		Engine:   engine,
		Limiter:  ratelimit.New(time.Minute, 100, ratelimit.WithRecorder(recorder)),
		Guard:    bruteforce.NewGuard(bruteforce.NewInMemory(), bruteforce.WithRecorder(recorder)),
		Recorder: recorder,
		Config:   config.NewService(config.NewInMemory(), config.WithRecorder(recorder)),
		Backups:  backups,
		Stream:   stream.New(),
		Crypto:   cs,
		Users:    dir,
		Version:  "test",
	})
	return &testEnv{api: api, handler: api.Handler(), auditStore: auditStore, recorder: recorder}
}

type staticSnapshot struct{}

func (staticSnapshot) Snapshot(ctx context.Context, opts backup.Options) (backup.Tables, error) {
	return backup.Tables{"clients": {{"id": "c1", "name": "Ada"}}}, nil
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:51234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, email, password string) tokenResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: email, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d: %s", email, rec.Code, rec.Body.String())
	}
	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp
}

func TestHealthzPublic(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if rec.Header().Get("Cache-Control") != "" {
		t.Fatal("healthz should not be no-store")
	}

	rec = e.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "x@y.z", Password: "p"})
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("auth path Cache-Control = %q", got)
	}
}

func TestProtectedPathRequiresToken(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/v1/auth/sessions", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	rec = e.do(t, http.MethodGet, "/v1/auth/sessions", "not-a-real-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestLoginAndListSessions(t *testing.T) {
	e := newTestEnv(t)
	resp := e.login(t, "admin@clinic.test", "Adm1n!Passw0rd")
	if resp.Token == "" || resp.RefreshToken == "" || resp.Session == nil {
		t.Fatalf("incomplete login response: %+v", resp)
	}

	rec := e.do(t, http.MethodGet, "/v1/auth/sessions", resp.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sessions: status %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Sessions []session.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Sessions) != 1 || out.Sessions[0].UserID != "u-admin" {
		t.Fatalf("unexpected sessions: %+v", out.Sessions)
	}
}

func TestLoginBadPassword(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "admin@clinic.test", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestLoginBlockedAfterRepeatedFailures(t *testing.T) {
	e := newTestEnv(t)
	for i := 0; i < 5; i++ {
		rec := e.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "admin@clinic.test", Password: "wrong"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i, rec.Code)
		}
	}
	rec := e.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "admin@clinic.test", Password: "Adm1n!Passw0rd"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after lockout, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	e := newTestEnv(t)
	first := e.login(t, "admin@clinic.test", "Adm1n!Passw0rd")

	rec := e.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: first.RefreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status %d: %s", rec.Code, rec.Body.String())
	}
	var second tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.Token == first.Token {
		t.Fatal("expected a rotated access token")
	}
	if rec := e.do(t, http.MethodGet, "/v1/auth/sessions", first.Token, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("old token should be dead, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/v1/auth/sessions", second.Token, nil); rec.Code != http.StatusOK {
		t.Fatalf("new token should work, got %d", rec.Code)
	}
}

func TestLogoutTerminatesSession(t *testing.T) {
	e := newTestEnv(t)
	resp := e.login(t, "admin@clinic.test", "Adm1n!Passw0rd")

	rec := e.do(t, http.MethodPost, "/v1/auth/logout", resp.Token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/v1/auth/sessions", resp.Token, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("token should be dead after logout, got %d", rec.Code)
	}
}

func TestRoleGatesSecurityEndpoints(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin@clinic.test", "Adm1n!Passw0rd")
	front := e.login(t, "front@clinic.test", "Fr0nt!Desk123")

	if rec := e.do(t, http.MethodGet, "/v1/security/events", admin.Token, nil); rec.Code != http.StatusOK {
		t.Fatalf("admin events: status %d: %s", rec.Code, rec.Body.String())
	}
	rec := e.do(t, http.MethodGet, "/v1/security/events", front.Token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("receptionist must be denied, got %d", rec.Code)
	}
}

func TestConfigRoundTripViaAPI(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin@clinic.test", "Adm1n!Passw0rd")

	rec := e.do(t, http.MethodPut, "/v1/admin/config/session.ttl", admin.Token,
		configUpdateRequest{Value: "4h", Category: "sessions"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put config: status %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/v1/admin/config/session.ttl", admin.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get config: status %d", rec.Code)
	}
	var setting config.Setting
	if err := json.Unmarshal(rec.Body.Bytes(), &setting); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if setting.Value != "4h" || setting.UpdatedBy == "" {
		t.Fatalf("unexpected setting: %+v", setting)
	}
}

func TestBackupCreateAndRestoreViaAPI(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin@clinic.test", "Adm1n!Passw0rd")

	rec := e.do(t, http.MethodPost, "/v1/admin/backups", admin.Token,
		backup.Options{Compress: true, Encrypt: true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create backup: status %d: %s", rec.Code, rec.Body.String())
	}
	var record backup.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = e.do(t, http.MethodPost, "/v1/admin/backups/"+record.ID+"/restore", admin.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("restore: status %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Restored bool `json:"restored"`
		Tables   int  `json:"tables"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Restored || out.Tables != 1 {
		t.Fatalf("unexpected restore result: %+v", out)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin@clinic.test", "Adm1n!Passw0rd")
	rec := e.do(t, http.MethodGet, "/v1/nope", admin.Token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}
