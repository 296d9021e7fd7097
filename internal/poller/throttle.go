package poller

import (
	"sync"
	"time"
)

// Throttle lets one event per key through per interval. Ticks repeat the
// same miss many times a minute; logging goes through a Throttle so each
// distinct condition is reported once per window. A nil Throttle allows
// everything.
type Throttle struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottle returns nil for a non-positive interval.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		return nil
	}
	return &Throttle{
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}

// Forget drops a key so its next event passes, e.g. once the condition it
// reported has cleared.
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.last, key)
	t.mu.Unlock()
}
