package engine

import (
	"fmt"
	"strings"

	"chainsight/internal/model"
	"chainsight/internal/schema"
)

// MalformedEventError reports an event that carries none of the correlation
// fields an operational model requires. The event is skipped for that model
// only; other models may still correlate it.
type MalformedEventError struct {
	ModelID string
	EventID string
	Reason  string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %s for model %s: %s", e.EventID, e.ModelID, e.Reason)
}

// EntityKey derives the correlation identity for an event under a model.
// Fields are joined in model order with short labels, so the key reads
// "user:jdoe|host:WIN-SRV-01". Fields absent from the event are omitted;
// a key built from a subset of fields is a distinct correlation identity
// and never merges with the full-field key.
func EntityKey(event *schema.Event, m *model.OperationalModel) (string, error) {
	parts := make([]string, 0, len(m.CorrelationFields))
	for _, field := range m.CorrelationFields {
		value, ok := event.Entity(field)
		if !ok {
			continue
		}
		parts = append(parts, schema.EntityLabel(field)+":"+value)
	}

	if len(parts) == 0 {
		return "", &MalformedEventError{
			ModelID: m.ID,
			EventID: event.EventID.String(),
			Reason:  fmt.Sprintf("no correlation field of %v present", m.CorrelationFields),
		}
	}

	return strings.Join(parts, "|"), nil
}
