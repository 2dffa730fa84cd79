package audit

import (
	"context"
	"testing"
	"time"
)

func TestStatsAggregatesEventsAndActions(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	events := []*SecurityEvent{
		{ID: "e1", Type: EventLoginFailure, Severity: SeverityMedium, OccurredAt: base},
		{ID: "e2", Type: EventLoginFailure, Severity: SeverityMedium, OccurredAt: base.Add(time.Minute)},
		{ID: "e3", Type: EventBruteForceAttempt, Severity: SeverityHigh, Resolved: true, OccurredAt: base.Add(2 * time.Minute)},
		{ID: "e0", Type: EventLoginSuccess, Severity: SeverityInfo, OccurredAt: base.Add(-time.Hour)},
	}
	for _, ev := range events {
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	entries := []*Entry{
		{ID: "a1", Action: "CREATE", Resource: "clients", Success: true, OccurredAt: base},
		{ID: "a2", Action: "UPDATE", Resource: "clients", Success: false, OccurredAt: base.Add(time.Minute)},
	}
	for _, entry := range entries {
		if err := store.AppendEntry(ctx, entry); err != nil {
			t.Fatalf("AppendEntry: %v", err)
		}
	}

	rec := NewRecorder(store)
	defer rec.Close()

	stats, err := rec.Stats(ctx, base)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Fatalf("TotalEvents = %d, want 3 (event before since must be excluded)", stats.TotalEvents)
	}
	if got := stats.EventsByType[string(EventLoginFailure)]; got != 2 {
		t.Fatalf("login failures = %d, want 2", got)
	}
	if got := stats.BySeverity[string(SeverityHigh)]; got != 1 {
		t.Fatalf("high severity = %d, want 1", got)
	}
	if stats.ResolvedEvents != 1 {
		t.Fatalf("ResolvedEvents = %d, want 1", stats.ResolvedEvents)
	}
	if want := 1.0 / 3.0; stats.ResolutionRate != want {
		t.Fatalf("ResolutionRate = %v, want %v", stats.ResolutionRate, want)
	}
	if stats.TotalActions != 2 || stats.FailedActions != 1 {
		t.Fatalf("actions = %d/%d failed, want 2/1", stats.TotalActions, stats.FailedActions)
	}
	if stats.SuccessRate != 0.5 {
		t.Fatalf("SuccessRate = %v, want 0.5", stats.SuccessRate)
	}
}

func TestStatsZeroDenominators(t *testing.T) {
	rec := NewRecorder(NewInMemory())
	defer rec.Close()

	stats, err := rec.Stats(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ResolutionRate != 0 || stats.SuccessRate != 0 {
		t.Fatalf("empty stores must yield zero rates, got %v and %v",
			stats.ResolutionRate, stats.SuccessRate)
	}
	if stats.TotalEvents != 0 || stats.TotalActions != 0 {
		t.Fatalf("expected empty counts, got %+v", stats)
	}
}
