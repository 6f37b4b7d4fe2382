package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/coverage-verifier/internal/models"
)

// inFlightRun tracks one verification that concurrent callers with the same key wait for.
type inFlightRun struct {
	done   chan struct{}
	result models.Result
	err    error
}

// requestCoalescer runs identical concurrent verifications once.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRun
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRun),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of the run registered for key, starting fn if there is none.
// shared is true when the caller waited on a run another caller started. fn runs in its
// own goroutine and finishes even if every waiter gives up; waiting is bounded by ctx and
// the coalescer timeout.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.Result, error)) (result models.Result, shared bool, err error) {
	rc.mu.Lock()
	run, exists := rc.inFlight[key]
	if !exists {
		run = &inFlightRun{done: make(chan struct{})}
		rc.inFlight[key] = run
	}
	rc.mu.Unlock()

	if !exists {
		go func() {
			run.result, run.err = fn()
			rc.mu.Lock()
			delete(rc.inFlight, key)
			rc.mu.Unlock()
			close(run.done)
		}()
	}

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-run.done:
		return run.result, exists, run.err
	case <-waitCtx.Done():
		return models.Result{}, exists, waitCtx.Err()
	}
}
