// Package traffic keeps sliding windows of verification request outcomes. The
// health endpoint derives overloaded and degraded states from them.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies a finished request for health accounting.
type Outcome int

const (
	// OutcomeSuccess is a verification that produced a result, passed or failed.
	OutcomeSuccess Outcome = iota
	// OutcomeError is a request the service could not answer (source down, cache panic, timeout).
	OutcomeError
	// OutcomeDenied is a rate-limit rejection.
	OutcomeDenied
)

// retention bounds how long timestamps are kept regardless of the window asked for.
const retention = 5 * time.Minute

var defaultTracker = NewTracker()

// Record records an outcome on the process-wide tracker.
func Record(o Outcome) {
	defaultTracker.Record(o)
}

// RecordSuccess records a request that produced a verification result.
func RecordSuccess() {
	defaultTracker.Record(OutcomeSuccess)
}

// RecordError records a request the service failed to answer.
func RecordError() {
	defaultTracker.Record(OutcomeError)
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.Record(OutcomeDenied)
}

// RequestCount returns the number of outcomes (success + error + denied) within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.Count(OutcomeDenied, window)
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors (denied excluded).
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains one timestamp window per Outcome.
type Tracker struct {
	mu    sync.Mutex
	times [3][]time.Time
	now   func() time.Time
}

// NewTracker returns an empty Tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Record appends the current time to the outcome's window and prunes expired entries.
func (t *Tracker) Record(o Outcome) {
	if o < OutcomeSuccess || o > OutcomeDenied {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.times[o] = append(t.times[o], now)
	t.pruneLocked(now)
}

// Count returns the number of o outcomes within the window.
func (t *Tracker) Count(o Outcome, window time.Duration) int {
	if o < OutcomeSuccess || o > OutcomeDenied {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.times[o], t.now().Add(-window))
}

// RequestCount returns the total number of outcomes within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	n := 0
	for _, times := range t.times {
		n += countSince(times, cutoff)
	}
	return n
}

// ErrorRate returns (errorCount, totalCount) within the window.
// Denials are excluded from both counts.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errCount := countSince(t.times[OutcomeError], cutoff)
	return errCount, errCount + countSince(t.times[OutcomeSuccess], cutoff)
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.times {
		t.times[i] = nil
	}
}

// countSince counts timestamps not before cutoff. times is in ascending order.
func countSince(times []time.Time, cutoff time.Time) int {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return len(times) - i
}

// pruneLocked drops timestamps older than retention. Must be called with mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	for o, times := range t.times {
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			t.times[o] = append(times[:0], times[i:]...)
		}
	}
}
