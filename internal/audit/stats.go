package audit

import (
	"context"
	"time"
)

// Stats summarizes recorded activity since a point in time. Rates are
// fractions in [0,1]; a rate whose denominator is zero is reported as 0.
type Stats struct {
	Since time.Time `json:"since"`

	TotalEvents    int            `json:"total_events"`
	EventsByType   map[string]int `json:"events_by_type,omitempty"`
	BySeverity     map[string]int `json:"events_by_severity,omitempty"`
	ResolvedEvents int            `json:"resolved_events"`
	ResolutionRate float64        `json:"resolution_rate"`

	TotalActions  int     `json:"total_actions"`
	FailedActions int     `json:"failed_actions"`
	SuccessRate   float64 `json:"success_rate"`
}

// Stats aggregates events and entries recorded since the given time. A zero
// since covers everything.
func (r *Recorder) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	events, err := r.store.ListEvents(ctx, EventFilter{Since: since})
	if err != nil {
		return nil, err
	}
	entries, err := r.store.ListEntries(ctx, EntryFilter{Since: since})
	if err != nil {
		return nil, err
	}

	stats := &Stats{Since: since}
	for _, ev := range events {
		stats.TotalEvents++
		if stats.EventsByType == nil {
			stats.EventsByType = make(map[string]int)
		}
		stats.EventsByType[string(ev.Type)]++
		if stats.BySeverity == nil {
			stats.BySeverity = make(map[string]int)
		}
		stats.BySeverity[string(ev.Severity)]++
		if ev.Resolved {
			stats.ResolvedEvents++
		}
	}
	stats.ResolutionRate = ratio(stats.ResolvedEvents, stats.TotalEvents)

	for _, entry := range entries {
		stats.TotalActions++
		if !entry.Success {
			stats.FailedActions++
		}
	}
	stats.SuccessRate = ratio(stats.TotalActions-stats.FailedActions, stats.TotalActions)
	return stats, nil
}

// ratio never divides by zero: an empty denominator yields 0, not NaN.
func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
