package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Candidate header names per field, tried in order. The upstream has shipped
// several spellings over time; new variants are added to the end of the
// relevant list.
var (
	limitHeaders = []string{
		"X-RateLimit-Limit",
		"X-Rate-Limit-Limit",
		"RateLimit-Limit",
	}
	remainingHeaders = []string{
		"X-RateLimit-Remaining",
		"X-Rate-Limit-Remaining",
		"RateLimit-Remaining",
	}
	resetHeaders = []string{
		"X-RateLimit-Reset",
		"X-Rate-Limit-Reset",
		"RateLimit-Reset",
	}
)

// Warning thresholds for remaining quota, most severe first.
const (
	thresholdCritical = 10
	thresholdWarn     = 50
	thresholdInfo     = 100
)

// State is a snapshot of the upstream quota as last observed. Remaining,
// ResetAt and LastUpdatedAt are unknown until the first ingestion; callers
// must branch on Known explicitly rather than treating unknown as either
// plenty or none.
type State struct {
	Limit         int
	Remaining     int
	Known         bool
	ResetAt       time.Time
	ResetKnown    bool
	LastUpdatedAt time.Time
}

// Tracker ingests upstream rate-limit response headers into process-wide
// state and advises callers on backoff. It never blocks a call itself.
type Tracker struct {
	mu    sync.Mutex
	state State
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Ingest updates the tracked state from whichever recognized headers are
// present. Absent headers leave the corresponding field unchanged. The latest
// observation always wins: the upstream resets its window on its own
// schedule, so a jump upward in remaining is a new window, not an anomaly.
func (t *Tracker) Ingest(headers http.Header) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	updated := false

	if v, ok := intHeader(headers, limitHeaders); ok {
		t.state.Limit = v
		updated = true
	}

	if v, ok := intHeader(headers, remainingHeaders); ok {
		previous, previouslyKnown := t.state.Remaining, t.state.Known
		t.state.Remaining = v
		t.state.Known = true
		updated = true

		t.warnOnCrossing(previous, previouslyKnown, v)
	}

	if v, ok := intHeader(headers, resetHeaders); ok {
		t.state.ResetAt = time.Unix(int64(v), 0)
		t.state.ResetKnown = true
		updated = true
	}

	if updated {
		t.state.LastUpdatedAt = now
	}
}

// CurrentState returns a copy of the tracked state.
func (t *Tracker) CurrentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ShouldThrottle reports whether optional background calls should be
// skipped. True only when remaining quota is known and at or below the
// critical threshold; unknown quota is not a reason to throttle.
func (t *Tracker) ShouldThrottle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Known && t.state.Remaining <= thresholdCritical
}

// warnOnCrossing emits an escalating advisory when remaining quota drops
// through a threshold. Called with the mutex held.
func (t *Tracker) warnOnCrossing(previous int, previouslyKnown bool, current int) {
	crossed := func(threshold int) bool {
		return current <= threshold && (!previouslyKnown || previous > threshold)
	}

	switch {
	case crossed(0):
		log.Error().Int("remaining", current).Msg("upstream quota exhausted")
	case crossed(thresholdCritical):
		log.Error().Int("remaining", current).Msg("upstream quota critical")
	case crossed(thresholdWarn):
		log.Warn().Int("remaining", current).Msg("upstream quota low")
	case crossed(thresholdInfo):
		log.Info().Int("remaining", current).Msg("upstream quota declining")
	}
}

func intHeader(headers http.Header, candidates []string) (int, bool) {
	for _, name := range candidates {
		raw := headers.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			log.Warn().Str("header", name).Str("value", raw).Msg("unparseable rate-limit header, ignoring")
			continue
		}
		return v, true
	}
	return 0, false
}
