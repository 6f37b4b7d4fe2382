package traffic

import (
	"sync"
	"testing"
	"time"
)

// TestRequestCount_Empty verifies that RequestCount returns 0 when no
// requests have been recorded within the time window.
func TestRequestCount_Empty(t *testing.T) {
	Reset()
	if n := RequestCount(1 * time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
}

// TestRecordDenied_AndCounts verifies that RecordDenied increments both
// DenialCount and RequestCount correctly.
func TestRecordDenied_AndCounts(t *testing.T) {
	Reset()
	RecordDenied()
	RecordDenied()
	RecordSuccess()
	if n := DenialCount(1 * time.Minute); n != 2 {
		t.Errorf("DenialCount() = %d, want 2", n)
	}
	if n := RequestCount(1 * time.Minute); n != 3 {
		t.Errorf("RequestCount() = %d, want 3", n)
	}
}

// TestErrorRate_DeniedExcluded verifies that ErrorRate counts successes and
// errors only.
func TestErrorRate_DeniedExcluded(t *testing.T) {
	Reset()
	RecordSuccess()
	RecordSuccess()
	RecordError()
	RecordDenied()
	errors, total := ErrorRate(1 * time.Minute)
	if errors != 1 || total != 3 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 3)", errors, total)
	}
}

// TestTracker_WindowAndRetention verifies window cutoffs and pruning of old
// outcomes using a controlled clock.
func TestTracker_WindowAndRetention(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker()
	tr.now = func() time.Time { return now }

	tr.Record(OutcomeError)
	now = now.Add(90 * time.Second)
	tr.Record(OutcomeSuccess)

	if n := tr.RequestCount(time.Minute); n != 1 {
		t.Errorf("RequestCount(1m) = %d, want 1", n)
	}
	if n := tr.RequestCount(2 * time.Minute); n != 2 {
		t.Errorf("RequestCount(2m) = %d, want 2", n)
	}

	now = now.Add(retention + time.Second)
	tr.Record(OutcomeDenied)
	if n := tr.RequestCount(time.Hour); n != 1 {
		t.Errorf("RequestCount(1h) after retention = %d, want 1", n)
	}
}

// TestTracker_IgnoresUnknownOutcome verifies out-of-range outcomes are dropped.
func TestTracker_IgnoresUnknownOutcome(t *testing.T) {
	tr := NewTracker()
	tr.Record(Outcome(7))
	if n := tr.RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
	if n := tr.Count(Outcome(-1), time.Minute); n != 0 {
		t.Errorf("Count(-1) = %d, want 0", n)
	}
}

// TestTracker_Concurrent verifies the tracker is safe for concurrent use.
func TestTracker_Concurrent(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Record(Outcome(i % 3))
			_ = tr.RequestCount(time.Minute)
		}(i)
	}
	wg.Wait()
	if n := tr.RequestCount(time.Minute); n != 20 {
		t.Errorf("RequestCount() = %d, want 20", n)
	}
}
