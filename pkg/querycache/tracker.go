package querycache

import (
	"sync"
	"time"
)

// refreshTracker prevents duplicate background refreshes for the same
// fingerprint. Entries expire on their own so a crashed refresh cannot
// block future ones.
type refreshTracker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func newRefreshTracker(ttl time.Duration) *refreshTracker {
	return &refreshTracker{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// trySet marks a key as being refreshed. Returns false when a refresh for
// the key is already in flight.
func (t *refreshTracker) trySet(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	if expiry, exists := t.entries[key]; exists && now.Before(expiry) {
		return false
	}

	t.entries[key] = now.Add(t.ttl)

	// Opportunistic cleanup keeps the map bounded without a goroutine
	for k, expiry := range t.entries {
		if now.After(expiry) {
			delete(t.entries, k)
		}
	}

	return true
}

// clear releases a key after its refresh finishes
func (t *refreshTracker) clear(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, key)
}
