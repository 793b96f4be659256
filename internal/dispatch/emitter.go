package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// LogEmitter writes decisions to the structured log. It is always wired so
// an operator can reconstruct response history from logs alone.
type LogEmitter struct {
	Logger *slog.Logger
}

// NewLogEmitter creates a log emitter. A nil logger falls back to the
// default slog logger.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{Logger: logger}
}

// Emit logs the decision at INFO level.
func (e *LogEmitter) Emit(_ context.Context, d *Decision) error {
	e.Logger.Info("response decision",
		"decision_id", d.DecisionID,
		"incident_id", d.IncidentID,
		"pattern_id", d.PatternID,
		"entity_key", d.EntityKey,
		"severity", d.Severity,
		"confidence", d.Confidence,
		"response_path", d.ResponsePath,
		"playbooks", d.PlaybookIDs(),
		"approval_required", d.RequiresApproval(),
		"reason", d.Reason)
	return nil
}

// Producer sends a keyed message to a downstream transport. The Kafka
// producer satisfies this.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) error
}

// ProducerEmitter serializes decisions to JSON and hands them to a
// Producer, keyed by incident ID so decisions for one incident stay
// ordered within a partition.
type ProducerEmitter struct {
	producer Producer
}

// NewProducerEmitter wraps a Producer as an Emitter.
func NewProducerEmitter(p Producer) *ProducerEmitter {
	return &ProducerEmitter{producer: p}
}

// Emit publishes the decision.
func (e *ProducerEmitter) Emit(ctx context.Context, d *Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling decision %s: %w", d.DecisionID, err)
	}
	if err := e.producer.Produce(ctx, []byte(d.IncidentID), payload); err != nil {
		return fmt.Errorf("publishing decision %s: %w", d.DecisionID, err)
	}
	return nil
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, d *Decision) error

// Emit calls the wrapped function.
func (f EmitterFunc) Emit(ctx context.Context, d *Decision) error {
	return f(ctx, d)
}
