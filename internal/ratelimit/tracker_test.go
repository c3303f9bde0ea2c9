package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func headersWith(kv map[string]string) http.Header {
	h := http.Header{}
	for k, v := range kv {
		h.Set(k, v)
	}
	return h
}

func TestIngest_AllFields(t *testing.T) {
	tr := NewTracker()

	tr.Ingest(headersWith(map[string]string{
		"X-RateLimit-Limit":     "5000",
		"X-RateLimit-Remaining": "4999",
		"X-RateLimit-Reset":     "1700000000",
	}))

	state := tr.CurrentState()
	assert.Equal(t, 5000, state.Limit)
	assert.Equal(t, 4999, state.Remaining)
	assert.True(t, state.Known)
	assert.True(t, state.ResetKnown)
	assert.Equal(t, time.Unix(1700000000, 0), state.ResetAt)
	assert.False(t, state.LastUpdatedAt.IsZero())
}

func TestIngest_AlternateHeaderNames(t *testing.T) {
	tr := NewTracker()

	tr.Ingest(headersWith(map[string]string{
		"X-Rate-Limit-Remaining": "123",
	}))

	state := tr.CurrentState()
	assert.True(t, state.Known)
	assert.Equal(t, 123, state.Remaining)
}

func TestIngest_AbsentHeaderLeavesFieldUnchanged(t *testing.T) {
	tr := NewTracker()

	tr.Ingest(headersWith(map[string]string{
		"X-RateLimit-Limit":     "5000",
		"X-RateLimit-Remaining": "400",
	}))
	tr.Ingest(headersWith(map[string]string{
		"X-RateLimit-Remaining": "399",
	}))

	state := tr.CurrentState()
	assert.Equal(t, 5000, state.Limit, "limit must survive an ingest without a limit header")
	assert.Equal(t, 399, state.Remaining)
}

func TestIngest_UnparseableHeaderIgnored(t *testing.T) {
	tr := NewTracker()

	tr.Ingest(headersWith(map[string]string{
		"X-RateLimit-Remaining": "not-a-number",
	}))

	assert.False(t, tr.CurrentState().Known)
}

func TestIngest_LatestObservationWins(t *testing.T) {
	tr := NewTracker()

	tr.Ingest(headersWith(map[string]string{"X-RateLimit-Remaining": "5"}))
	tr.Ingest(headersWith(map[string]string{"X-RateLimit-Remaining": "1200"}))

	state := tr.CurrentState()
	assert.Equal(t, 1200, state.Remaining, "a new quota window must be trusted, not clamped")
}

func TestShouldThrottle(t *testing.T) {
	tr := NewTracker()

	assert.False(t, tr.ShouldThrottle(), "unknown quota must not throttle")

	tr.Ingest(headersWith(map[string]string{"X-RateLimit-Remaining": "11"}))
	assert.False(t, tr.ShouldThrottle())

	tr.Ingest(headersWith(map[string]string{"X-RateLimit-Remaining": "10"}))
	assert.True(t, tr.ShouldThrottle())

	tr.Ingest(headersWith(map[string]string{"X-RateLimit-Remaining": "0"}))
	assert.True(t, tr.ShouldThrottle())

	tr.Ingest(headersWith(map[string]string{"X-RateLimit-Remaining": "2000"}))
	assert.False(t, tr.ShouldThrottle())
}

func TestIngest_EmptyHeadersNoUpdate(t *testing.T) {
	tr := NewTracker()

	tr.Ingest(http.Header{})

	state := tr.CurrentState()
	assert.False(t, state.Known)
	assert.True(t, state.LastUpdatedAt.IsZero())
}

func TestDailyCounter(t *testing.T) {
	d := NewDailyCounter()
	day := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, d.CountFor(day))
	assert.Equal(t, 1, d.RecordCall(day))
	assert.Equal(t, 2, d.RecordCall(day.Add(4*time.Hour)))

	nextDay := day.AddDate(0, 0, 1)
	assert.Equal(t, 1, d.RecordCall(nextDay), "counts reset on date change")
	assert.Equal(t, 2, d.CountFor(day))

	d.Prune(nextDay)
	assert.Equal(t, 0, d.CountFor(day))
	assert.Equal(t, 1, d.CountFor(nextDay))
}
