package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"clinaxis.org/internal/ids"
	"clinaxis.org/internal/obs"
)

const defaultQueueSize = 256

// Recorder is the fire-and-forget audit pipeline. Writes are dispatched to a
// background worker so logging latency never blocks the request path; when a
// persistence attempt fails the record is emitted to the local structured log
// instead of being lost or surfaced to the caller.
type Recorder struct {
	store     Store
	publisher Publisher
	now       func() time.Time

	queue chan job
	wg    sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

type job struct {
	entry *Entry
	event *SecurityEvent
}

// RecorderOption configures the Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithPublisher attaches a live event publisher.
func WithPublisher(p Publisher) RecorderOption {
	return func(r *Recorder) { r.publisher = p }
}

// WithQueueSize overrides the dispatch buffer size.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan job, n)
		}
	}
}

// NewRecorder constructs a Recorder and starts its dispatch worker.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		now:    time.Now,
		queue:  make(chan job, defaultQueueSize),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for j := range r.queue {
		r.deliver(j)
	}
}

func (r *Recorder) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch {
	case j.entry != nil:
		err = r.store.AppendEntry(ctx, j.entry)
	case j.event != nil:
		err = r.store.AppendEvent(ctx, j.event)
	default:
		return
	}
	if err != nil {
		r.fallback(j, err)
	}
}

// fallback serializes the record to the local log so an audit trail survives
// store outages.
func (r *Recorder) fallback(j job, cause error) {
	var payload any
	kind := "audit_entry"
	if j.event != nil {
		payload = j.event
		kind = "security_event"
	} else {
		payload = j.entry
	}
	data, _ := json.Marshal(payload)
	obs.Error("audit store write failed, falling back to local log", map[string]any{
		"kind":    kind,
		"cause":   cause.Error(),
		"payload": json.RawMessage(data),
	})
}

func (r *Recorder) enqueue(j job) {
	select {
	case <-r.closed:
		// Late writes after shutdown are delivered inline.
		r.deliver(j)
	default:
		select {
		case r.queue <- j:
		default:
			// Queue saturated: deliver inline rather than drop.
			r.deliver(j)
		}
	}
}

// LogAction records a performed action. Missing fields are defaulted; the
// call never returns a persistence error.
func (r *Recorder) LogAction(ctx context.Context, entry *Entry) {
	if entry == nil || strings.TrimSpace(entry.Action) == "" {
		obs.Warn("audit entry dropped: action is required", nil)
		return
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ids.NewAt(entry.OccurredAt)
	}
	if entry.Severity == "" {
		entry.Severity = ClassifySeverity(entry.Action, entry.Resource)
	}
	r.enqueue(job{entry: entry})
}

// LogSecurityEvent records a security event. Metadata keys outside the
// event type's allow-list are dropped with a logged warning.
func (r *Recorder) LogSecurityEvent(ctx context.Context, event *SecurityEvent) {
	if event == nil || event.Type == "" {
		obs.Warn("security event dropped: type is required", nil)
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now().UTC()
	}
	if event.ID == "" {
		event.ID = ids.NewAt(event.OccurredAt)
	}
	if event.Severity == "" {
		event.Severity = SeverityMedium
	}
	metadata, dropped := allowedMetadata(event.Type, event.Metadata)
	if len(dropped) > 0 {
		obs.Warn("security event metadata keys dropped", map[string]any{
			"event_type": string(event.Type),
			"keys":       dropped,
		})
	}
	event.Metadata = metadata

	obs.IncSecurityEvent(string(event.Type))
	if r.publisher != nil {
		r.publisher.Publish(*event)
	}
	r.enqueue(job{event: event})
}

// Resolve marks a security event handled. This is the only mutation allowed
// on recorded events and is synchronous since callers need the outcome.
func (r *Recorder) Resolve(ctx context.Context, id, by string) error {
	id = strings.TrimSpace(id)
	by = strings.TrimSpace(by)
	if id == "" || by == "" {
		return ErrInvalidInput
	}
	return r.store.ResolveEvent(ctx, id, by, r.now().UTC())
}

// Events lists recorded security events.
func (r *Recorder) Events(ctx context.Context, filter EventFilter) ([]SecurityEvent, error) {
	return r.store.ListEvents(ctx, filter)
}

// Entries lists recorded audit entries.
func (r *Recorder) Entries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	return r.store.ListEntries(ctx, filter)
}

// Close drains the queue and stops the worker. Safe to call more than once.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		close(r.queue)
	})
	r.wg.Wait()
}
