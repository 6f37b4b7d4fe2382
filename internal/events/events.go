// Package events publishes verification outcomes so other systems (dashboards,
// merge gates, chat bots) can react without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kjstillabower/coverage-verifier/internal/models"
	"github.com/kjstillabower/coverage-verifier/internal/observability"
)

// DefaultSubject is the subject verification events are published on.
const DefaultSubject = "coverage.verification.completed"

// VerificationCompleted is the payload of a completed verification event.
type VerificationCompleted struct {
	RunID      string             `json:"runId"`
	Passed     bool               `json:"passed"`
	Cached     bool               `json:"cached"`
	Rules      int                `json:"rules"`
	Checked    int                `json:"checked"`
	Violations []models.Violation `json:"violations"`
	Source     string             `json:"source,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Publisher publishes verification events.
type Publisher interface {
	Publish(ctx context.Context, event VerificationCompleted) error
}

// NoopPublisher drops every event. Used when no broker is configured.
type NoopPublisher struct{}

// Publish implements Publisher.
func (NoopPublisher) Publish(context.Context, VerificationCompleted) error { return nil }

// NATSConfig configures NATSPublisher.
type NATSConfig struct {
	URL           string
	Subject       string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSPublisher publishes events as JSON on a core NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher connects to NATS. The connection retries in the background, so
// a broker that is down at startup does not block the service.
func NewNATSPublisher(cfg NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "coverage-verifier"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("nats publisher ready", zap.String("url", cfg.URL), zap.String("subject", cfg.Subject))
	return &NATSPublisher{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Publish implements Publisher. Publishing is buffered by the client; Flush
// waits for the server to acknowledge.
func (p *NATSPublisher) Publish(ctx context.Context, event VerificationCompleted) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		observability.EventsPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publish event: %w", err)
	}
	observability.EventsPublishedTotal.WithLabelValues("success").Inc()
	p.logger.Debug("event published", zap.String("subject", p.subject), zap.String("run_id", event.RunID), zap.Int("size", len(data)))
	return nil
}

// Flush waits until buffered events reach the server. Implements observability.Flusher.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return p.nc.FlushWithContext(ctx)
}

// Ping reports whether the broker connection is up. Used for health checks.
func (p *NATSPublisher) Ping(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats: %s", p.nc.Status())
	}
	return nil
}

// Close drains the connection, delivering buffered events first.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	p.logger.Info("closing nats connection")
	if !p.nc.IsConnected() {
		p.nc.Close()
		return nil
	}
	return p.nc.Drain()
}
