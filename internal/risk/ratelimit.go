package risk

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxTrackedIdentities bounds the rate limiter's footprint. Identities
// pushed out of the LRU lose their history and start a fresh window,
// which fails open rather than closed.
const maxTrackedIdentities = 4096

type rateLimiter struct {
	mu      sync.Mutex
	windows *lru.Cache[string, []time.Time]
	window  time.Duration
	now     func() time.Time
}

func newRateLimiter(window time.Duration) *rateLimiter {
	cache, err := lru.New[string, []time.Time](maxTrackedIdentities)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &rateLimiter{
		windows: cache,
		window:  window,
		now:     time.Now,
	}
}

// attempts returns how many attempts the identity has made inside the
// sliding window, pruning expired entries as a side effect.
func (r *rateLimiter) attempts(identity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prune(identity))
}

func (r *rateLimiter) record(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows.Add(identity, append(r.prune(identity), r.now()))
}

// oldest returns the timestamp of the earliest attempt still in the
// window, used to compute a retry-after hint. The boolean is false when
// the identity has no live attempts.
func (r *rateLimiter) oldest(identity string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.prune(identity)
	if len(live) == 0 {
		return time.Time{}, false
	}
	return live[0], true
}

func (r *rateLimiter) prune(identity string) []time.Time {
	stamps, ok := r.windows.Get(identity)
	if !ok {
		return nil
	}
	cutoff := r.now().Add(-r.window)
	live := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	if len(live) == 0 {
		r.windows.Remove(identity)
		return nil
	}
	r.windows.Add(identity, live)
	return live
}
