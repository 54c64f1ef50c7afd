// Package retry tracks failed payment attempts per order and meters how
// soon the customer may try again, with exponential backoff between
// attempts.
package retry

import (
	"sync"
	"time"
)

const (
	// MaxAttempts is how many payment attempts an order gets before the
	// customer is told to contact support.
	MaxAttempts = 3

	baseDelay = time.Second
	maxDelay  = 10 * time.Second

	// staleAfter is how long attempt history is kept without activity.
	staleAfter = time.Hour
)

type attempt struct {
	count  int
	lastAt time.Time
}

// Tracker is safe for concurrent use. Keys are order IDs.
type Tracker struct {
	mu       sync.Mutex
	attempts map[string]attempt
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		attempts: make(map[string]attempt),
		now:      time.Now,
	}
}

// RecordFailure notes a failed attempt and returns the updated count.
func (t *Tracker) RecordFailure(orderID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.attempts[orderID]
	a.count++
	a.lastAt = t.now()
	t.attempts[orderID] = a
	t.cleanupLocked()
	return a.count
}

// CanRetry reports whether the order still has attempts left.
func (t *Tracker) CanRetry(orderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[orderID].count < MaxAttempts
}

// TimeUntilNextRetry returns how long until the order may retry; zero
// when it may retry immediately. The backoff is 1s doubled per failure,
// capped at 10s.
func (t *Tracker) TimeUntilNextRetry(orderID string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.attempts[orderID]
	if !ok {
		return 0
	}
	remaining := a.lastAt.Add(backoff(a.count)).Sub(t.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clear drops the order's attempt history, called once a payment
// succeeds.
func (t *Tracker) Clear(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, orderID)
}

func (t *Tracker) cleanupLocked() {
	cutoff := t.now().Add(-staleAfter)
	for id, a := range t.attempts {
		if a.lastAt.Before(cutoff) {
			delete(t.attempts, id)
		}
	}
}

func backoff(failures int) time.Duration {
	delay := baseDelay
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}
