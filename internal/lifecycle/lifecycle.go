// Package lifecycle tracks process drain state and the resources released on shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the drain flag. /health reports shutting-down while it is true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Closer releases resources in reverse registration order, so a dependency
// registered first is closed after everything that uses it.
type Closer struct {
	mu    sync.Mutex
	hooks []hook
	done  bool
}

// Add registers fn under name. Hooks added after Close are ignored.
func (c *Closer) Add(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || fn == nil {
		return
	}
	c.hooks = append(c.hooks, hook{name: name, fn: fn})
}

// Close runs every hook once, newest first. Failures are logged and joined;
// a failing hook does not stop the rest.
func (c *Closer) Close(ctx context.Context, logger *zap.Logger) error {
	c.mu.Lock()
	hooks := c.hooks
	c.hooks = nil
	c.done = true
	c.mu.Unlock()

	if logger == nil {
		logger = zap.NewNop()
	}
	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			logger.Error("close failed", zap.String("resource", h.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", h.name, err))
			continue
		}
		logger.Debug("closed", zap.String("resource", h.name))
	}
	return errors.Join(errs...)
}
