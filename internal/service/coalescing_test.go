package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/coverage-verifier/internal/models"
)

// TestRequestCoalescer_GetOrDo_ConcurrentRequests verifies that concurrent
// callers with the same key share one execution.
func TestRequestCoalescer_GetOrDo_ConcurrentRequests(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func() (models.Result, error) {
		calls.Add(1)
		<-release
		return models.Result{Rules: 3, Checked: 7}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]models.Result, n)
	shared := make([]bool, n)
	errs := make([]error, n)
	var started sync.WaitGroup
	started.Add(n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			started.Done()
			results[idx], shared[idx], errs[idx] = coalescer.GetOrDo(context.Background(), "key", fn)
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	sharedCount := 0
	for i := range results {
		if errs[i] != nil {
			t.Errorf("request %d error = %v", i, errs[i])
		}
		if results[i].Checked != 7 {
			t.Errorf("request %d Checked = %d, want 7", i, results[i].Checked)
		}
		if shared[i] {
			sharedCount++
		}
	}
	if calls.Load() != 1 {
		t.Errorf("fn call count = %d, want 1 (coalescing failed)", calls.Load())
	}
	if sharedCount != n-1 {
		t.Errorf("shared callers = %d, want %d", sharedCount, n-1)
	}
}

// TestRequestCoalescer_GetOrDo_ErrorPropagation verifies every waiter receives the error.
func TestRequestCoalescer_GetOrDo_ErrorPropagation(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	wantErr := errors.New("parse failure")

	_, _, err := coalescer.GetOrDo(context.Background(), "key", func() (models.Result, error) {
		return models.Result{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("GetOrDo() error = %v, want %v", err, wantErr)
	}
}

// TestRequestCoalescer_GetOrDo_DifferentKeys verifies distinct keys run independently.
func TestRequestCoalescer_GetOrDo_DifferentKeys(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	var calls atomic.Int32
	fn := func() (models.Result, error) {
		calls.Add(1)
		return models.Result{}, nil
	}
	_, _, _ = coalescer.GetOrDo(context.Background(), "a", fn)
	_, _, _ = coalescer.GetOrDo(context.Background(), "b", fn)
	if calls.Load() != 2 {
		t.Errorf("fn call count = %d, want 2", calls.Load())
	}
}

// TestRequestCoalescer_GetOrDo_Timeout verifies waiting is bounded and the key
// is released once the slow run completes.
func TestRequestCoalescer_GetOrDo_Timeout(t *testing.T) {
	coalescer := newRequestCoalescer(10 * time.Millisecond)
	release := make(chan struct{})
	_, _, err := coalescer.GetOrDo(context.Background(), "slow", func() (models.Result, error) {
		<-release
		return models.Result{}, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetOrDo() error = %v, want DeadlineExceeded", err)
	}
	close(release)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		coalescer.mu.Lock()
		n := len(coalescer.inFlight)
		coalescer.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Error("in-flight entry not cleaned up")
}
