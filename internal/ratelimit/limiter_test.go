package ratelimit

import (
	"testing"
	"time"
)

func TestFixedWindowLimit(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	lim := New(60*time.Second, 10, WithClock(func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		res := lim.Allow("10.0.0.1", "user-1", "/v1/clients")
		if !res.Allowed {
			t.Fatalf("call %d unexpectedly denied", i+1)
		}
	}
	res := lim.Allow("10.0.0.1", "user-1", "/v1/clients")
	if res.Allowed {
		t.Fatal("11th call inside the window should be denied")
	}
	if res.RetryAfterSeconds() != 60 {
		t.Fatalf("expected 60s retry-after, got %d", res.RetryAfterSeconds())
	}
}

func TestWindowResetsAtBoundary(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	lim := New(60*time.Second, 2, WithClock(func() time.Time { return now }))

	lim.Allow("10.0.0.1", "user-1", "/v1/clients")
	lim.Allow("10.0.0.1", "user-1", "/v1/clients")
	if lim.Allow("10.0.0.1", "user-1", "/v1/clients").Allowed {
		t.Fatal("expected denial before reset")
	}

	now = now.Add(61 * time.Second)
	res := lim.Allow("10.0.0.1", "user-1", "/v1/clients")
	if !res.Allowed {
		t.Fatal("expected first call after window to be allowed")
	}
	if res.Remaining != 1 {
		t.Fatalf("expected count reset to 1 (remaining 1), got remaining %d", res.Remaining)
	}
}

func TestKeySeparatesCallers(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	lim := New(60*time.Second, 1, WithClock(func() time.Time { return now }))

	if !lim.Allow("10.0.0.1", "user-1", "/v1/clients").Allowed {
		t.Fatal("first caller should pass")
	}
	if !lim.Allow("10.0.0.2", "user-1", "/v1/clients").Allowed {
		t.Fatal("different IP should have its own bucket")
	}
	if !lim.Allow("10.0.0.1", "user-2", "/v1/clients").Allowed {
		t.Fatal("different user should have its own bucket")
	}
	if !lim.Allow("10.0.0.1", "user-1", "/v1/appointments").Allowed {
		t.Fatal("different endpoint should have its own bucket")
	}
	if lim.Allow("10.0.0.1", "user-1", "/v1/clients").Allowed {
		t.Fatal("same key should now be over the limit")
	}
}

func TestKeyStripsQueryAndDefaultsUser(t *testing.T) {
	if got := Key("1.2.3.4", "", "/v1/clients?page=2"); got != "1.2.3.4|anonymous|/v1/clients" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestSweepEvictsExpiredBuckets(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	lim := New(60*time.Second, 5, WithClock(func() time.Time { return now }))

	lim.Allow("10.0.0.1", "user-1", "/v1/clients")
	lim.Allow("10.0.0.2", "user-2", "/v1/clients")
	if lim.Len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", lim.Len())
	}

	now = now.Add(2 * time.Minute)
	lim.sweep()
	if lim.Len() != 0 {
		t.Fatalf("expected all buckets evicted, got %d", lim.Len())
	}
}
