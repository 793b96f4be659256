package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"chainsight/internal/ingest"
	"chainsight/internal/metrics"
	"chainsight/internal/queue"
	"chainsight/internal/schema"
)

// EventIntake consumes events from the intake topic and feeds them into
// the correlation buffer. Messages may be raw connector envelopes, which
// run through the normalizer, or pre-normalized canonical events.
// Malformed or invalid payloads are acknowledged and dropped; replaying
// them would fail identically.
type EventIntake struct {
	group      *ConsumerGroup
	queue      *queue.RingBuffer
	normalizer *ingest.Normalizer
	validator  *schema.Validator
	logger     *slog.Logger
}

// NewEventIntake builds an intake over numConsumers group members.
func NewEventIntake(config *Config, numConsumers int, q *queue.RingBuffer, n *ingest.Normalizer, v *schema.Validator, logger *slog.Logger) (*EventIntake, error) {
	if q == nil {
		return nil, errors.New("kafka: event queue is required")
	}
	if n == nil {
		n = ingest.NewNormalizer("")
	}
	if v == nil {
		v = schema.NewValidator()
	}

	intake := &EventIntake{
		queue:      q,
		normalizer: n,
		validator:  v,
		logger:     logger,
	}

	group, err := NewConsumerGroup(config, numConsumers, intake.handleMessage, logger)
	if err != nil {
		return nil, err
	}
	intake.group = group

	return intake, nil
}

// handleMessage decodes, normalizes, validates, and buffers one message.
// A full buffer returns an error so the offset stays uncommitted and the
// message is redelivered once the engine catches up.
func (ei *EventIntake) handleMessage(_ context.Context, msg Message) error {
	// Envelope first: a resolvable source plus at least one raw event.
	var env ingest.Envelope
	if err := json.Unmarshal(msg.Value, &env); err == nil {
		if source, ok := ingest.ResolveSource(env.Source); ok {
			if rawEvents := env.All(); len(rawEvents) > 0 {
				return ei.handleEnvelope(source, env.TenantID, rawEvents, msg)
			}
		}
	}

	var event schema.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		metrics.EventsRejected.WithLabelValues("decode").Inc()
		ei.logger.Warn("dropping undecodable event",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset)
		return nil
	}

	if err := ei.validator.Validate(&event); err != nil {
		metrics.EventsRejected.WithLabelValues("validation").Inc()
		ei.logger.Warn("dropping invalid event",
			"error", err,
			"event_id", event.EventID,
			"source", event.Source)
		return nil
	}

	if err := ei.queue.Push(&event); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			return fmt.Errorf("event buffer full: %w", err)
		}
		return err
	}

	metrics.EventsReceived.WithLabelValues(string(event.Source)).Inc()
	return nil
}

// handleEnvelope normalizes and buffers the events in one envelope.
// On a full buffer the whole envelope is redelivered; events already
// pushed will arrive twice, which downstream dedup absorbs.
func (ei *EventIntake) handleEnvelope(source schema.SourceTag, tenantID string, rawEvents []map[string]any, msg Message) error {
	for _, raw := range rawEvents {
		event, err := ei.normalizer.Normalize(raw, source, tenantID)
		if err != nil {
			metrics.EventsRejected.WithLabelValues("normalize").Inc()
			ei.logger.Warn("dropping unnormalizable event",
				"error", err,
				"source", source,
				"partition", msg.Partition,
				"offset", msg.Offset)
			continue
		}

		if err := ei.validator.Validate(event); err != nil {
			metrics.EventsRejected.WithLabelValues("validation").Inc()
			ei.logger.Warn("dropping invalid event",
				"error", err,
				"event_id", event.EventID,
				"source", event.Source)
			continue
		}

		if err := ei.queue.Push(event); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				return fmt.Errorf("event buffer full: %w", err)
			}
			return err
		}

		metrics.EventsReceived.WithLabelValues(string(source)).Inc()
	}

	return nil
}

// Start begins consuming.
func (ei *EventIntake) Start() error {
	return ei.group.Start()
}

// Stop stops all group members.
func (ei *EventIntake) Stop() error {
	return ei.group.Stop()
}

// GetMetrics returns aggregated consumer metrics.
func (ei *EventIntake) GetMetrics() Metrics {
	return ei.group.GetMetrics()
}

// EnsureCoreTopics creates the events, incidents, and decisions topics if
// they do not exist. Incident and decision topics get longer retention;
// they are the system of record feed for downstream SOAR tooling.
func EnsureCoreTopics(ctx context.Context, admin *Admin, config *Config) error {
	topics := []TopicConfig{
		{
			Name:              config.Topic,
			Partitions:        config.Partitions,
			ReplicationFactor: config.ReplicationFactor,
			RetentionMs:       config.RetentionMs,
			MaxMessageBytes:   config.MaxMessageBytes,
		},
		{
			Name:              config.IncidentsTopic,
			Partitions:        config.Partitions,
			ReplicationFactor: config.ReplicationFactor,
			RetentionMs:       config.RetentionMs * 4,
			MaxMessageBytes:   config.MaxMessageBytes,
		},
		{
			Name:              config.DecisionsTopic,
			Partitions:        config.Partitions,
			ReplicationFactor: config.ReplicationFactor,
			RetentionMs:       config.RetentionMs * 4,
			MaxMessageBytes:   config.MaxMessageBytes,
		},
	}

	for _, tc := range topics {
		if err := admin.EnsureTopic(ctx, tc); err != nil {
			return fmt.Errorf("kafka: ensuring topic %s: %w", tc.Name, err)
		}
	}

	return nil
}
