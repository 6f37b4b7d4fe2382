package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/coverage-verifier/internal/models"
)

// TestNoopPublisher verifies the no-op publisher accepts every event.
func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	if err := p.Publish(context.Background(), VerificationCompleted{RunID: "r"}); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}

// TestVerificationCompleted_JSON verifies the wire field names consumers rely on.
func TestVerificationCompleted_JSON(t *testing.T) {
	ev := VerificationCompleted{
		RunID:      "run-1",
		Passed:     false,
		Rules:      3,
		Checked:    10,
		Violations: []models.Violation{{RuleName: "line-coverage", Entity: "a.B", Ratio: 0.5, Minimum: 0.7}},
		Timestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, field := range []string{"runId", "passed", "cached", "rules", "checked", "violations", "timestamp"} {
		if _, ok := got[field]; !ok {
			t.Errorf("event JSON missing %q: %s", field, raw)
		}
	}
	if _, ok := got["source"]; ok {
		t.Error("empty source should be omitted")
	}
}

// TestNATSPublisher_BrokerDown verifies that an unreachable broker neither
// fails construction nor blocks publishing, and that Ping reports it.
func TestNATSPublisher_BrokerDown(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p, err := NewNATSPublisher(NATSConfig{
		URL:           "nats://127.0.0.1:1",
		MaxReconnects: 1,
		ReconnectWait: time.Hour,
	}, zap.New(core))
	if err != nil {
		t.Fatalf("NewNATSPublisher() error = %v", err)
	}
	defer p.Close()

	if p.subject != DefaultSubject {
		t.Errorf("subject = %q, want %q", p.subject, DefaultSubject)
	}
	if err := p.Ping(context.Background()); err == nil {
		t.Error("Ping() error = nil, want broker down")
	}
	if err := p.Flush(context.Background()); err != nil {
		t.Errorf("Flush() while disconnected error = %v, want nil", err)
	}
	if logs.FilterMessage("nats publisher ready").Len() != 1 {
		t.Error("expected startup log entry")
	}
}
