package observability

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Flusher is anything holding buffered telemetry, such as an event publisher.
type Flusher interface {
	Flush(ctx context.Context) error
}

// FlushTelemetry flushes buffered events and then logs before process exit.
// Metrics are pull-based and need no flush. Every flusher is attempted; errors are joined.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, flushers ...Flusher) error {
	var errs []error
	for _, f := range flushers {
		if f == nil {
			continue
		}
		if err := f.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush events: %w", err))
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}
