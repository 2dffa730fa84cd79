package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"clinaxis.org/internal/audit"
	"clinaxis.org/internal/backup"
	"clinaxis.org/internal/config"
)

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), 100, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter := audit.EventFilter{
		Type:  audit.EventType(r.URL.Query().Get("type")),
		Limit: limit,
	}
	if raw := r.URL.Query().Get("resolved"); raw != "" {
		resolved := raw == "true"
		filter.Resolved = &resolved
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = since
	}
	events, err := a.recorder.Events(r.Context(), filter)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleEventResource resolves an event: POST /v1/security/events/{id}/resolve.
func (a *API) handleEventResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/security/events/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "resolve" || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sess, _ := SessionFromContext(r.Context())
	by := ""
	if sess != nil {
		by = sess.UserID
	}
	if err := a.recorder.Resolve(r.Context(), parts[0], by); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
}

// handleStats aggregates event and action counts; since defaults to the last
// 24 hours.
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	stats, err := a.recorder.Stats(r.Context(), since)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), 100, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.recorder.Entries(r.Context(), audit.EntryFilter{
		ActorID:  r.URL.Query().Get("actor_id"),
		Resource: r.URL.Query().Get("resource"),
		Limit:    limit,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Stream handles Server-Sent Events for live security events.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func (a *API) handleConfigCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	settings, err := a.cfg.List(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

type configUpdateRequest struct {
	Value     string `json:"value"`
	Category  string `json:"category"`
	Sensitive bool   `json:"sensitive"`
}

// handleConfigResource serves GET and PUT /v1/admin/config/{key}.
func (a *API) handleConfigResource(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/v1/admin/config/")
	if key == "" || strings.Contains(key, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		setting, err := a.cfg.Get(r.Context(), key)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if setting.Sensitive {
			masked := *setting
			masked.Value = "********"
			setting = &masked
		}
		writeJSON(w, http.StatusOK, setting)
	case http.MethodPut:
		var req configUpdateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		sess, _ := SessionFromContext(r.Context())
		by := ""
		if sess != nil {
			by = sess.UserID
		}
		setting, err := a.cfg.Set(r.Context(), config.Setting{
			Key:       key,
			Value:     req.Value,
			Category:  req.Category,
			Sensitive: req.Sensitive,
		}, by)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, setting)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handleBackups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		records, err := a.backups.List(r.Context())
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"backups": records})
	case http.MethodPost:
		var opts backup.Options
		if err := decodeJSON(w, r, &opts); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		record, err := a.backups.Create(r.Context(), opts)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, record)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleBackupResource restores a backup: POST /v1/admin/backups/{id}/restore.
func (a *API) handleBackupResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/backups/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "restore" || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	data, err := a.backups.Restore(r.Context(), parts[0])
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	rows := 0
	for _, tableRows := range data {
		rows += len(tableRows)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"restored": true,
		"tables":   len(data),
		"rows":     rows,
	})
}
