package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinaxis.org/internal/audit"
	"clinaxis.org/internal/obs"
	"clinaxis.org/internal/session"
)

const defaultSessionTTL = 8 * time.Hour

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token        string           `json:"token"`
	RefreshToken string           `json:"refresh_token"`
	Session      *session.Session `json:"session"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}
	ip := clientIP(r)

	if a.guard != nil {
		status, err := a.guard.CheckBlocked(r.Context(), req.Email, ip)
		if err != nil {
			obs.Warn("brute force check failed", map[string]any{"cause": err.Error()})
		} else if status.Blocked {
			w.Header().Set("Retry-After", strconv.Itoa(int(status.RetryAfter.Seconds())))
			writeError(w, r, http.StatusTooManyRequests, "too many failed login attempts")
			return
		}
	}

	user, err := a.users.FindByEmail(r.Context(), req.Email)
	if err != nil {
		a.recordLoginFailure(r, req.Email, "unknown email")
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := a.crypto.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		a.recordLoginFailure(r, req.Email, "bad password")
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if a.guard != nil {
		if err := a.guard.RecordAttempt(r.Context(), req.Email, ip, true, ""); err != nil {
			obs.Warn("failed to record login attempt", map[string]any{"cause": err.Error()})
		}
	}

	ttl := defaultSessionTTL
	if a.cfg != nil {
		ttl = a.cfg.GetDuration(r.Context(), "session.ttl", defaultSessionTTL)
	}
	sess, token, refresh, err := a.sessions.Create(r.Context(), session.CreateParams{
		UserID:      user.ID,
		IP:          ip,
		UserAgent:   r.UserAgent(),
		LoginMethod: "password",
		TTL:         ttl,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if a.recorder != nil {
		a.recorder.LogSecurityEvent(r.Context(), &audit.SecurityEvent{
			Type:        audit.EventLoginSuccess,
			Severity:    audit.SeverityInfo,
			Description: "user logged in",
			IP:          ip,
			UserAgent:   r.UserAgent(),
			Metadata: map[string]string{
				"user_id":      user.ID,
				"email":        user.Email,
				"login_method": "password",
				"session_id":   sess.ID,
			},
		})
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token, RefreshToken: refresh, Session: sess})
}

func (a *API) recordLoginFailure(r *http.Request, email, reason string) {
	if a.guard != nil {
		if err := a.guard.RecordAttempt(r.Context(), email, clientIP(r), false, reason); err != nil {
			obs.Warn("failed to record login attempt", map[string]any{"cause": err.Error()})
		}
	}
	if a.recorder != nil {
		a.recorder.LogSecurityEvent(r.Context(), &audit.SecurityEvent{
			Type:        audit.EventLoginFailure,
			Severity:    audit.SeverityMedium,
			Description: "login failed",
			IP:          clientIP(r),
			UserAgent:   r.UserAgent(),
			Metadata: map[string]string{
				"email":  email,
				"reason": reason,
			},
		})
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ttl := defaultSessionTTL
	if a.cfg != nil {
		ttl = a.cfg.GetDuration(r.Context(), "session.ttl", defaultSessionTTL)
	}
	sess, token, refresh, err := a.sessions.Refresh(r.Context(), req.RefreshToken, ttl)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, RefreshToken: refresh, Session: sess})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.sessions.Terminate(r.Context(), sess.ID, sess.UserID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	n, err := a.sessions.TerminateAll(r.Context(), sess.UserID, sess.ID, sess.UserID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminated": n})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	sessions, err := a.sessions.ListActive(r.Context(), sess.UserID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleSessionResource terminates one of the caller's own sessions:
// DELETE /v1/auth/sessions/{id}.
func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	targetID := strings.TrimPrefix(r.URL.Path, "/v1/auth/sessions/")
	if targetID == "" || strings.Contains(targetID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	owned, err := a.sessions.ListActive(r.Context(), sess.UserID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	found := false
	for _, s := range owned {
		if s.ID == targetID {
			found = true
			break
		}
	}
	if !found {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	if err := a.sessions.Terminate(r.Context(), targetID, sess.UserID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
