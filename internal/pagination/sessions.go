package pagination

import (
	"fmt"
	"time"

	"github.com/likegate/likegate/internal/cache"
)

// sessionTTL is how long an idle browsing session keeps its cursor state.
const sessionTTL = 30 * time.Minute

// Sessions hands out one Engine per (blog, page size) browsing session,
// keeping cursor state alive across requests. The store is non-locking
// across the get/create gap: two concurrent first requests may build two
// engines and the last one stored wins, costing at most a re-fetched
// timestamp index. That is cheaper than locking every page request.
type Sessions struct {
	source   Source
	cache    *cache.Response
	cacheTTL time.Duration
	engines  *cache.Memory[*Engine]
}

func NewSessions(source Source, responseCache *cache.Response, cacheTTL time.Duration) (*Sessions, error) {
	engines, err := cache.NewMemory[*Engine](sessionTTL, 10_000)
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}

	return &Sessions{
		source:   source,
		cache:    responseCache,
		cacheTTL: cacheTTL,
		engines:  engines,
	}, nil
}

// For returns the engine for the given blog and page size, creating one if
// no live session exists.
func (s *Sessions) For(blogID string, pageSize int) (*Engine, error) {
	key := fmt.Sprintf("%s#%d", blogID, pageSize)

	if engine, ok := s.engines.Get(key); ok {
		return engine, nil
	}

	engine, err := NewEngine(s.source, s.cache, s.cacheTTL, blogID, pageSize)
	if err != nil {
		return nil, err
	}

	s.engines.Set(key, engine)

	return engine, nil
}

// Drop discards the session for the given blog and page size.
func (s *Sessions) Drop(blogID string, pageSize int) {
	s.engines.Invalidate(fmt.Sprintf("%s#%d", blogID, pageSize))
}
