package audit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("audit: not found")
	ErrInvalidInput = errors.New("audit: invalid input")
)

// Severity classifies how sensitive a recorded action or event is.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// EventType identifies a class of security event.
type EventType string

const (
	EventUnauthorizedAccess  EventType = "UNAUTHORIZED_ACCESS"
	EventSuspiciousActivity  EventType = "SUSPICIOUS_ACTIVITY"
	EventBruteForceAttempt   EventType = "BRUTE_FORCE_ATTEMPT"
	EventRateLimitExceeded   EventType = "RATE_LIMIT_EXCEEDED"
	EventConcurrentSessions  EventType = "CONCURRENT_SESSIONS"
	EventLoginSuccess        EventType = "LOGIN_SUCCESS"
	EventLoginFailure        EventType = "LOGIN_FAILURE"
	EventSessionTerminated   EventType = "SESSION_TERMINATED"
	EventBackupCreated       EventType = "BACKUP_CREATED"
	EventBackupRestored      EventType = "BACKUP_RESTORED"
	EventConfigChanged       EventType = "CONFIG_CHANGED"
)

// Entry is one append-only audit log record for a performed action.
type Entry struct {
	ID         string            `json:"id"`
	ActorID    string            `json:"actor_id,omitempty"`
	Action     string            `json:"action"`
	Resource   string            `json:"resource"`
	ResourceID string            `json:"resource_id,omitempty"`
	Method     string            `json:"method,omitempty"`
	Endpoint   string            `json:"endpoint,omitempty"`
	IP         string            `json:"ip,omitempty"`
	OldValue   map[string]any    `json:"old_value,omitempty"`
	NewValue   map[string]any    `json:"new_value,omitempty"`
	Severity   Severity          `json:"severity"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// SecurityEvent is an append-only record of a security-relevant occurrence.
// Only the resolution fields ever change after the event is written.
type SecurityEvent struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	IP          string            `json:"ip,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Geo         string            `json:"geo,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Resolved    bool              `json:"resolved"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy  string            `json:"resolved_by,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// EventFilter narrows ListEvents results.
type EventFilter struct {
	Type     EventType
	Resolved *bool
	Since    time.Time
	Limit    int
}

// EntryFilter narrows ListEntries results.
type EntryFilter struct {
	ActorID  string
	Resource string
	Since    time.Time
	Limit    int
}

// Store persists audit entries and security events. Implemented externally
// (PostgreSQL in production, in-memory in tests).
type Store interface {
	AppendEntry(ctx context.Context, entry *Entry) error
	AppendEvent(ctx context.Context, event *SecurityEvent) error
	ResolveEvent(ctx context.Context, id, by string, at time.Time) error
	ListEvents(ctx context.Context, filter EventFilter) ([]SecurityEvent, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)
}

// Publisher receives accepted security events for live fan-out. The stream
// package implements it.
type Publisher interface {
	Publish(event SecurityEvent)
}

// sensitiveResources force elevated severity on writes.
var sensitiveResources = map[string]struct{}{
	"users":    {},
	"security": {},
}

// mediumResources elevate UPDATE severity.
var mediumResources = map[string]struct{}{
	"payments":        {},
	"appointments":    {},
	"medical_history": {},
}

// ClassifySeverity applies the default severity rule: deletes and anything
// touching users or security rate HIGH, updates on sensitive business
// resources rate MEDIUM, everything else INFO.
func ClassifySeverity(action, resource string) Severity {
	if action == "DELETE" {
		return SeverityHigh
	}
	if _, ok := sensitiveResources[resource]; ok {
		return SeverityHigh
	}
	if action == "UPDATE" {
		if _, ok := mediumResources[resource]; ok {
			return SeverityMedium
		}
	}
	return SeverityInfo
}

// eventMetadataKeys is the allow-list of metadata keys per event type.
// Unknown keys are dropped before persistence.
var eventMetadataKeys = map[EventType][]string{
	EventUnauthorizedAccess: {"subject_id", "role", "resource", "action", "resource_id", "reason"},
	EventSuspiciousActivity: {"session_id", "user_id", "session_ip", "request_ip", "trusted"},
	EventBruteForceAttempt:  {"email", "email_failures", "ip_failures", "threshold", "window_seconds"},
	EventRateLimitExceeded:  {"user_id", "endpoint", "limit", "window_ms", "retry_after_seconds"},
	EventConcurrentSessions: {"user_id", "active_sessions", "ceiling"},
	EventLoginSuccess:       {"user_id", "email", "login_method", "session_id"},
	EventLoginFailure:       {"email", "reason"},
	EventSessionTerminated:  {"session_id", "user_id", "terminated_by", "reason"},
	EventBackupCreated:      {"backup_id", "filename", "size", "encrypted", "compressed"},
	EventBackupRestored:     {"backup_id", "tables", "rows"},
	EventConfigChanged:      {"key", "category", "updated_by"},
}

// allowedMetadata returns the filtered metadata map and the list of dropped
// keys for diagnostics.
func allowedMetadata(t EventType, metadata map[string]string) (map[string]string, []string) {
	if len(metadata) == 0 {
		return nil, nil
	}
	allowed, ok := eventMetadataKeys[t]
	if !ok {
		// Unknown event types keep nothing.
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		return nil, keys
	}
	set := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		set[k] = struct{}{}
	}
	out := make(map[string]string, len(metadata))
	var dropped []string
	for k, v := range metadata {
		if _, ok := set[k]; ok {
			out[k] = v
		} else {
			dropped = append(dropped, k)
		}
	}
	if len(out) == 0 {
		out = nil
	}
	return out, dropped
}
