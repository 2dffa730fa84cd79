package bruteforce

import (
	"context"
	"testing"
	"time"

	"clinaxis.org/internal/audit"
)

func TestBlockedAfterFiveEmailFailures(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	guard := NewGuard(NewInMemory(), WithClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		if err := guard.RecordAttempt(context.Background(), "doc@clinic.test", "10.0.0.1", false, "bad password"); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}

	status, err := guard.CheckBlocked(context.Background(), "doc@clinic.test", "10.0.0.1")
	if err != nil {
		t.Fatalf("CheckBlocked: %v", err)
	}
	if !status.Blocked {
		t.Fatal("expected blocked after 5 failures")
	}
	if status.AttemptCount != 5 {
		t.Fatalf("expected attempt count 5, got %d", status.AttemptCount)
	}
	// All failures just happened, so nearly the full window remains.
	if status.RetryAfter != 5*time.Minute {
		t.Fatalf("expected ~300s remaining, got %s", status.RetryAfter)
	}
}

func TestNotBlockedBelowThresholdOrOutsideWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	guard := NewGuard(NewInMemory(), WithClock(func() time.Time { return now }))

	for i := 0; i < 4; i++ {
		_ = guard.RecordAttempt(context.Background(), "doc@clinic.test", "10.0.0.1", false, "bad password")
	}
	status, err := guard.CheckBlocked(context.Background(), "doc@clinic.test", "10.0.0.1")
	if err != nil {
		t.Fatalf("CheckBlocked: %v", err)
	}
	if status.Blocked {
		t.Fatal("4 failures should not block")
	}

	// Push a 5th failure, then let the window elapse.
	_ = guard.RecordAttempt(context.Background(), "doc@clinic.test", "10.0.0.1", false, "bad password")
	now = now.Add(6 * time.Minute)
	status, err = guard.CheckBlocked(context.Background(), "doc@clinic.test", "10.0.0.1")
	if err != nil {
		t.Fatalf("CheckBlocked: %v", err)
	}
	if status.Blocked {
		t.Fatal("failures outside the window should not block")
	}
	if status.AttemptCount != 0 {
		t.Fatalf("expected zero counted attempts, got %d", status.AttemptCount)
	}
}

func TestBlockedByIPAcrossEmails(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	guard := NewGuard(NewInMemory(), WithClock(func() time.Time { return now }))

	emails := []string{"a@x.test", "b@x.test", "c@x.test", "d@x.test", "e@x.test"}
	for _, email := range emails {
		_ = guard.RecordAttempt(context.Background(), email, "203.0.113.9", false, "bad password")
	}
	status, err := guard.CheckBlocked(context.Background(), "fresh@x.test", "203.0.113.9")
	if err != nil {
		t.Fatalf("CheckBlocked: %v", err)
	}
	if !status.Blocked {
		t.Fatal("expected IP-based block across different emails")
	}
	if status.IPFailures != 5 || status.EmailFailures != 0 {
		t.Fatalf("unexpected counts: email=%d ip=%d", status.EmailFailures, status.IPFailures)
	}
}

func TestBlockEmitsSecurityEvent(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := audit.NewInMemory()
	rec := audit.NewRecorder(store)
	guard := NewGuard(NewInMemory(),
		WithClock(func() time.Time { return now }),
		WithRecorder(rec),
	)

	for i := 0; i < 5; i++ {
		_ = guard.RecordAttempt(context.Background(), "doc@clinic.test", "10.0.0.1", false, "bad password")
	}
	if _, err := guard.CheckBlocked(context.Background(), "doc@clinic.test", "10.0.0.1"); err != nil {
		t.Fatalf("CheckBlocked: %v", err)
	}
	rec.Close()

	events, err := store.ListEvents(context.Background(), audit.EventFilter{Type: audit.EventBruteForceAttempt})
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one brute force event, got %d (err=%v)", len(events), err)
	}
	md := events[0].Metadata
	if md["email_failures"] != "5" || md["ip_failures"] != "5" {
		t.Fatalf("expected both counts in metadata, got %v", md)
	}
}

func TestSuccessfulAttemptsDoNotCount(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	guard := NewGuard(NewInMemory(), WithClock(func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		_ = guard.RecordAttempt(context.Background(), "doc@clinic.test", "10.0.0.1", true, "")
	}
	status, err := guard.CheckBlocked(context.Background(), "doc@clinic.test", "10.0.0.1")
	if err != nil {
		t.Fatalf("CheckBlocked: %v", err)
	}
	if status.Blocked {
		t.Fatal("successful logins must not trigger a block")
	}
}
