package stream

import (
	"context"
	"testing"
	"time"

	"clinaxis.org/internal/audit"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	evt := audit.SecurityEvent{Type: audit.EventRateLimitExceeded, Severity: audit.SeverityMedium}
	s.Publish(evt)

	select {
	case got := <-ch:
		if got.Type != audit.EventRateLimitExceeded {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestCancelledSubscriberIsRemoved(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	// The cleanup goroutine closes the channel once it observes ctx.Done().
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
	if n := s.Subscribers(); n != 0 {
		t.Fatalf("expected zero subscribers, got %d", n)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(audit.SecurityEvent{Type: audit.EventLoginFailure})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
