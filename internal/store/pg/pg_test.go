package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"clinaxis.org/internal/audit"
	"clinaxis.org/internal/backup"
	"clinaxis.org/internal/bruteforce"
	"clinaxis.org/internal/config"
	"clinaxis.org/internal/session"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestSessionsCreateAndFindByTokenHash(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sess := &session.Session{
		ID: "s1", UserID: "u1", TokenHash: "th", RefreshTokenHash: "rh",
		IP: "203.0.113.7", UserAgent: "ua", DeviceFingerprint: "fp",
		LoginMethod: "password", CreatedAt: now, LastActivity: now,
		ExpiresAt: now.Add(time.Hour), Active: true,
	}

	mock.ExpectExec("insert into sessions").WithArgs(
		"s1", "u1", "th", "rh", "203.0.113.7", "ua", "fp", "",
		"password", false, now, now, now.Add(time.Hour), true,
	).WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Sessions().Create(context.Background(), sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cols := []string{
		"id", "user_id", "token_hash", "refresh_token_hash", "ip", "user_agent",
		"device_fingerprint", "geo", "login_method", "trusted", "created_at",
		"last_activity", "expires_at", "is_active", "terminated_at", "terminated_by",
	}
	mock.ExpectQuery("select .* from sessions where token_hash=").
		WithArgs("th").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"s1", "u1", "th", "rh", "203.0.113.7", "ua", "fp", nil,
			"password", false, now, now, now.Add(time.Hour), true, nil, nil,
		))

	got, err := store.Sessions().FindByTokenHash(context.Background(), "th")
	if err != nil {
		t.Fatalf("FindByTokenHash: %v", err)
	}
	if got.ID != "s1" || got.TerminatedAt != nil || got.Geo != "" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionsFindMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select .* from sessions where id=").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := store.Sessions().Find(context.Background(), "nope"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionsTerminateMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update sessions").
		WithArgs("nope", sqlmock.AnyArg(), "admin").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Sessions().Terminate(context.Background(), "nope", time.Now(), "admin")
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttemptsCounts(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Date(2025, 3, 1, 8, 55, 0, 0, time.UTC)

	mock.ExpectQuery("select count.* from login_attempts").
		WithArgs("doc@clinic.test", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := store.Attempts().CountFailedByEmail(context.Background(), "doc@clinic.test", since)
	if err != nil || n != 3 {
		t.Fatalf("CountFailedByEmail = %d, %v", n, err)
	}

	mock.ExpectQuery("select max.* from login_attempts").
		WithArgs("doc@clinic.test", "10.0.0.1", since).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	at, err := store.Attempts().LastFailure(context.Background(), "doc@clinic.test", "10.0.0.1", since)
	if err != nil || !at.IsZero() {
		t.Fatalf("LastFailure with no rows = %v, %v", at, err)
	}
}

func TestAttemptsAppend(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("insert into login_attempts").WithArgs(
		"a1", "doc@clinic.test", "10.0.0.1", false, "bad password", now,
	).WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Attempts().Append(context.Background(), &bruteforce.LoginAttempt{
		ID: "a1", Email: "doc@clinic.test", IP: "10.0.0.1",
		Success: false, FailureReason: "bad password", CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestAuditAppendAndListEvents(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into security_events").WithArgs(
		"e1", "RATE_LIMIT_EXCEEDED", "MEDIUM", "too many requests",
		"203.0.113.7", "", "", []byte(`{"endpoint":"/v1/clients"}`), false, now,
	).WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Audit().AppendEvent(context.Background(), &audit.SecurityEvent{
		ID: "e1", Type: audit.EventRateLimitExceeded, Severity: audit.SeverityMedium,
		Description: "too many requests", IP: "203.0.113.7",
		Metadata: map[string]string{"endpoint": "/v1/clients"}, OccurredAt: now,
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	cols := []string{
		"id", "type", "severity", "description", "ip", "user_agent", "geo",
		"metadata", "resolved", "resolved_at", "resolved_by", "occurred_at",
	}
	mock.ExpectQuery("select .* from security_events").
		WithArgs("RATE_LIMIT_EXCEEDED").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"e1", "RATE_LIMIT_EXCEEDED", "MEDIUM", "too many requests",
			"203.0.113.7", nil, nil, []byte(`{"endpoint":"/v1/clients"}`), false, nil, nil, now,
		))

	events, err := store.Audit().ListEvents(context.Background(), audit.EventFilter{Type: audit.EventRateLimitExceeded})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Metadata["endpoint"] != "/v1/clients" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestAuditResolveEventMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update security_events").
		WithArgs("nope", sqlmock.AnyArg(), "admin").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Audit().ResolveEvent(context.Background(), "nope", "admin", time.Now())
	if !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfigGetMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select .* from security_config").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"key"}))

	if _, err := store.Config().Get(context.Background(), "nope"); !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfigUpsertAndList(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into security_config").WithArgs(
		"ratelimit.max", "100", "ratelimit", false, "admin-1", now,
	).WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Config().Upsert(context.Background(), &config.Setting{
		Key: "ratelimit.max", Value: "100", Category: "ratelimit",
		UpdatedBy: "admin-1", UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	cols := []string{"key", "value", "category", "sensitive", "updated_by", "updated_at"}
	mock.ExpectQuery("select .* from security_config").
		WithArgs("ratelimit").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("ratelimit.max", "100", "ratelimit", false, "admin-1", now))

	settings, err := store.Config().List(context.Background(), "ratelimit")
	if err != nil || len(settings) != 1 {
		t.Fatalf("List = %+v, %v", settings, err)
	}
}

func TestBackupsRoundTrip(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	record := &backup.Record{
		ID: "b1", Filename: "backup_x.json.gz.enc", Size: 1024, Checksum: "abc",
		Encrypted: true, Compressed: true,
		Options:   backup.Options{Compress: true, Encrypt: true},
		CreatedAt: now,
	}

	mock.ExpectExec("insert into backup_records").WithArgs(
		"b1", "backup_x.json.gz.enc", int64(1024), "abc", true, true,
		sqlmock.AnyArg(), now,
	).WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Backups().Create(context.Background(), record); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cols := []string{"id", "filename", "size", "checksum", "encrypted", "compressed", "options", "created_at"}
	mock.ExpectQuery("select .* from backup_records where id=").
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"b1", "backup_x.json.gz.enc", int64(1024), "abc", true, true,
			[]byte(`{"compress":true,"encrypt":true}`), now,
		))

	got, err := store.Backups().Find(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !got.Options.Encrypt || !got.Options.Compress {
		t.Fatalf("options not decoded: %+v", got)
	}

	mock.ExpectQuery("delete from backup_records").
		WithArgs(now.Add(-time.Hour)).
		WillReturnRows(sqlmock.NewRows(cols))

	expired, err := store.Backups().DeleteOlderThan(context.Background(), now.Add(-time.Hour))
	if err != nil || len(expired) != 0 {
		t.Fatalf("DeleteOlderThan = %+v, %v", expired, err)
	}
}
