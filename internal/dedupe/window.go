// ABOUTME: Time window that suppresses repeats of the same key.
// ABOUTME: Agents use it to ignore repeated discovery announcements from one manager.

package dedupe

import (
	"sync"
	"time"
)

// Window remembers keys for a fixed TTL. It holds at most maxKeys entries;
// when full, the entry closest to expiry is dropped.
type Window struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxKeys int
	seen    map[string]time.Time // key -> expiry
	now     func() time.Time
}

// NewWindow creates a Window. maxKeys <= 0 means unbounded.
func NewWindow(ttl time.Duration, maxKeys int) *Window {
	return &Window{
		ttl:     ttl,
		maxKeys: maxKeys,
		seen:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// Seen reports whether key was recorded within the TTL. If not, it records
// key and returns false. Check and record happen atomically.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if exp, ok := w.seen[key]; ok && now.Before(exp) {
		return true
	}

	w.pruneLocked(now)
	if w.maxKeys > 0 && len(w.seen) >= w.maxKeys {
		w.evictOldestLocked()
	}
	w.seen[key] = now.Add(w.ttl)
	return false
}

// Forget removes key so its next Seen returns false.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seen, key)
}

// Len returns the number of unexpired keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return len(w.seen)
}

func (w *Window) pruneLocked(now time.Time) {
	for k, exp := range w.seen {
		if !now.Before(exp) {
			delete(w.seen, k)
		}
	}
}

func (w *Window) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, exp := range w.seen {
		if oldestKey == "" || exp.Before(oldest) {
			oldestKey, oldest = k, exp
		}
	}
	delete(w.seen, oldestKey)
}
