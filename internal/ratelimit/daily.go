package ratelimit

import (
	"sync"
	"time"
)

// DailyCounter keeps a local record of upstream calls per calendar date.
// This is collaborator bookkeeping, independent of the upstream's own quota
// window: the storage layer reads it to persist a per-day call count.
type DailyCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewDailyCounter() *DailyCounter {
	return &DailyCounter{counts: make(map[string]int)}
}

// RecordCall increments and returns the call count for the date of t.
func (d *DailyCounter) RecordCall(t time.Time) int {
	key := t.Format(time.DateOnly)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.counts[key]++
	return d.counts[key]
}

// CountFor returns the recorded call count for the date of t.
func (d *DailyCounter) CountFor(t time.Time) int {
	key := t.Format(time.DateOnly)

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.counts[key]
}

// Prune drops records older than the retention window, keeping the map
// bounded for long-lived processes.
func (d *DailyCounter) Prune(before time.Time) {
	cutoff := before.Format(time.DateOnly)

	d.mu.Lock()
	defer d.mu.Unlock()

	for key := range d.counts {
		if key < cutoff {
			delete(d.counts, key)
		}
	}
}
