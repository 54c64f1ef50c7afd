package retry

import (
	"testing"
	"time"
)

func TestTrackerBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return clock }
	const id = "order-1"

	if got := tracker.TimeUntilNextRetry(id); got != 0 {
		t.Fatalf("wait before any failure = %s, want 0", got)
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		tracker.RecordFailure(id)
		if got := tracker.TimeUntilNextRetry(id); got != w {
			t.Fatalf("wait after %d failures = %s, want %s", i+1, got, w)
		}
	}
}

func TestTrackerExhaustsAttempts(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	const id = "order-2"

	for i := 0; i < MaxAttempts; i++ {
		if !tracker.CanRetry(id) {
			t.Fatalf("CanRetry() = false after %d failures, want true", i)
		}
		tracker.RecordFailure(id)
	}
	if tracker.CanRetry(id) {
		t.Fatalf("CanRetry() = true after %d failures, want false", MaxAttempts)
	}

	tracker.Clear(id)
	if !tracker.CanRetry(id) {
		t.Fatal("CanRetry() = false after Clear")
	}
}

func TestTrackerWaitExpiresWithBackoff(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return clock }

	const id = "order-3"
	tracker.RecordFailure(id)

	if got := tracker.TimeUntilNextRetry(id); got != 2*time.Second {
		t.Fatalf("TimeUntilNextRetry() = %s, want 2s", got)
	}

	clock = clock.Add(time.Second)
	if got := tracker.TimeUntilNextRetry(id); got != time.Second {
		t.Fatalf("TimeUntilNextRetry() = %s, want 1s", got)
	}

	clock = clock.Add(time.Second)
	if got := tracker.TimeUntilNextRetry(id); got != 0 {
		t.Fatalf("TimeUntilNextRetry() = %s, want 0", got)
	}
}

func TestTrackerDropsStaleHistory(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return clock }

	tracker.RecordFailure("stale-order")
	clock = clock.Add(staleAfter + time.Minute)
	tracker.RecordFailure("fresh-order")

	tracker.mu.Lock()
	_, ok := tracker.attempts["stale-order"]
	tracker.mu.Unlock()
	if ok {
		t.Fatal("stale attempt history survived cleanup")
	}
}
