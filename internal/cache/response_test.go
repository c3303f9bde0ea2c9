package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestResponse returns a cache with no sweeper and a controllable clock.
func newTestResponse() (*Response, *time.Time) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r := NewResponse(0)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestResponseGet_Miss(t *testing.T) {
	r, _ := newTestResponse()

	_, ok := r.Get("absent")
	assert.False(t, ok)
}

func TestResponseSetAndGet(t *testing.T) {
	r, _ := newTestResponse()

	r.Set("key", []byte("payload"), time.Minute)

	value, ok := r.Get("key")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), value)
}

func TestResponseGet_ExpiredIsMissAndDeleted(t *testing.T) {
	r, now := newTestResponse()

	r.Set("key", []byte("payload"), time.Minute)

	// still retrievable at the expiry instant itself
	*now = now.Add(time.Minute)
	_, ok := r.Get("key")
	assert.True(t, ok)

	// strictly after expiry: miss, and lazily deleted
	*now = now.Add(time.Nanosecond)
	_, ok = r.Get("key")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestResponseSet_NonPositiveTTLIgnored(t *testing.T) {
	r, _ := newTestResponse()

	r.Set("key", []byte("payload"), 0)
	r.Set("key2", []byte("payload"), -time.Second)

	assert.Equal(t, 0, r.Len())
}

func TestResponseInvalidate(t *testing.T) {
	r, _ := newTestResponse()

	r.Set("key", []byte("payload"), time.Minute)
	r.Invalidate("key")

	_, ok := r.Get("key")
	assert.False(t, ok)
}

func TestResponseSweep_RemovesOnlyExpired(t *testing.T) {
	r, now := newTestResponse()

	r.Set("short", []byte("a"), time.Minute)
	r.Set("long", []byte("b"), time.Hour)

	*now = now.Add(2 * time.Minute)

	removed := r.sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, r.Len())

	_, ok := r.Get("long")
	assert.True(t, ok)
}

func TestResponseConcurrentAccess(t *testing.T) {
	r := NewResponse(0)
	defer r.StopSweeper()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i%10)
			r.Set(key, []byte("payload"), time.Minute)
			r.Get(key)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, r.Len())
}

func TestResponseStopSweeper_Idempotent(t *testing.T) {
	r := NewResponse(10 * time.Millisecond)
	r.StopSweeper()
	r.StopSweeper()

	// cache still usable after the sweeper stops
	r.Set("key", []byte("payload"), time.Minute)
	_, ok := r.Get("key")
	assert.True(t, ok)
}

func TestMemorySetAndGet(t *testing.T) {
	m, err := NewMemory[string](time.Minute, 100)
	require.NoError(t, err)

	m.Set("key", "value")

	got, ok := m.Get("key")
	require.True(t, ok)
	assert.Equal(t, "value", got)
}

func TestMemoryGet_NotFound(t *testing.T) {
	m, err := NewMemory[string](time.Minute, 100)
	require.NoError(t, err)

	got, ok := m.Get("absent")
	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestMemoryInvalidate(t *testing.T) {
	m, err := NewMemory[string](time.Minute, 100)
	require.NoError(t, err)

	m.Set("key", "value")
	m.Invalidate("key")

	_, ok := m.Get("key")
	assert.False(t, ok)
}

func TestMemoryTTLExpiry(t *testing.T) {
	m, err := NewMemory[string](100*time.Millisecond, 100)
	require.NoError(t, err)

	m.Set("key", "value")

	_, ok := m.Get("key")
	assert.True(t, ok)

	time.Sleep(150 * time.Millisecond)

	_, ok = m.Get("key")
	assert.False(t, ok)
}
