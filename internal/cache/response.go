package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// entry is a cached response with its expiry instant.
type entry struct {
	value     []byte
	storedAt  time.Time
	expiresAt time.Time
}

// Response is a TTL key/value cache for idempotent upstream reads. Each
// entry carries its own TTL; expiry is evaluated lazily on read and a
// periodic sweep removes expired entries to bound memory between reads.
// The sweep is advisory housekeeping: Get is always the authority.
//
// There is no size bound. TTLs are minutes, not hours, so unbounded growth
// between sweeps is an accepted tradeoff.
type Response struct {
	mu      sync.RWMutex
	entries map[string]entry

	now      func() time.Time
	stopOnce sync.Once
	stop     chan struct{}
}

// NewResponse creates a response cache sweeping at the given interval. A
// non-positive interval disables the sweeper.
func NewResponse(sweepInterval time.Duration) *Response {
	r := &Response{
		entries: make(map[string]entry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	if sweepInterval > 0 {
		go r.sweepLoop(sweepInterval)
	}

	return r
}

// Get returns the cached value for key. An entry past its expiry is a miss
// and is deleted on the spot.
func (r *Response) Get(key string) ([]byte, bool) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if r.now().After(e.expiresAt) {
		r.mu.Lock()
		// re-check: another reader may have deleted, or a writer replaced it
		if current, ok := r.entries[key]; ok && current.expiresAt.Equal(e.expiresAt) {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		return nil, false
	}

	return e.value, true
}

// Set stores value under key for the given TTL. A non-positive TTL is
// ignored: callers that do not want caching simply do not call Set.
func (r *Response) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	now := r.now()

	r.mu.Lock()
	r.entries[key] = entry{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	r.mu.Unlock()
}

// Invalidate removes an entry regardless of expiry.
func (r *Response) Invalidate(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Len reports the number of entries currently held, expired or not.
func (r *Response) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StopSweeper terminates the background sweep goroutine. Safe to call more
// than once; the cache remains usable afterwards.
func (r *Response) StopSweeper() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Response) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := r.sweep()
			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("response cache sweep complete")
			}
		case <-r.stop:
			return
		}
	}
}

// sweep removes every expired entry and reports how many were removed.
func (r *Response) sweep() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, e := range r.entries {
		if now.After(e.expiresAt) {
			delete(r.entries, key)
			removed++
		}
	}

	return removed
}
