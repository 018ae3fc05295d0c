// Package dedup tracks recently seen message deliveries in memory.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

// DefaultTTL is how long a delivery is remembered.
const DefaultTTL = 24 * time.Hour

// Window is a time-bounded set of delivery keys. It implements
// triage.DuplicateChecker. Expired entries are swept lazily on insert.
type Window struct {
	mu        sync.Mutex
	ttl       time.Duration
	seen      map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

// New creates a window remembering deliveries for ttl. ttl <= 0 selects
// DefaultTTL.
func New(ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Window{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Seen records m and reports whether it had already been recorded within
// the window. Messages without a correlation ID are never duplicates.
func (w *Window) Seen(_ context.Context, m triage.FailedMessage) (bool, error) {
	key, ok := triage.DedupKey(m)
	if !ok {
		return false, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.sweep(now)

	if at, ok := w.seen[key]; ok && now.Sub(at) < w.ttl {
		return true, nil
	}
	w.seen[key] = now
	return false, nil
}

// Len returns the number of remembered deliveries, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// sweep drops expired entries at most once per ttl/4. Caller holds mu.
func (w *Window) sweep(now time.Time) {
	if now.Sub(w.lastSweep) < w.ttl/4 {
		return
	}
	w.lastSweep = now
	for k, at := range w.seen {
		if now.Sub(at) >= w.ttl {
			delete(w.seen, k)
		}
	}
}
