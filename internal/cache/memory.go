package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Memory is a bounded in-memory cache with a fixed TTL, backed by otter.
// It holds short-lived gateway state: pending authorization secrets between
// the two legs of the OAuth flow, and active paging sessions.
type Memory[T any] struct {
	cache   *otter.Cache[string, T]
	ttl     time.Duration
	counter *stats.Counter
}

// NewMemory creates an in-memory cache with the specified TTL and max size.
func NewMemory[T any](ttl time.Duration, maxSize int) (*Memory[T], error) {
	counter := stats.NewCounter()
	cache := otter.Must(&otter.Options[string, T]{
		MaximumSize:      maxSize,
		StatsRecorder:    counter,
		ExpiryCalculator: otter.ExpiryCreating[string, T](ttl),
	})

	return &Memory[T]{
		cache:   cache,
		ttl:     ttl,
		counter: counter,
	}, nil
}

// Get retrieves a value from the cache, reporting whether it was found.
func (m *Memory[T]) Get(key string) (T, bool) {
	entry, ok := m.cache.GetEntry(key)
	if !ok {
		var zero T
		return zero, false
	}

	return entry.Value, true
}

// Set stores a value in the cache.
func (m *Memory[T]) Set(key string, value T) {
	m.cache.Set(key, value)
}

// Invalidate removes a value from the cache.
func (m *Memory[T]) Invalidate(key string) {
	m.cache.Invalidate(key)
}
