package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"chainsight/internal/incident"
	"chainsight/internal/metrics"
	"chainsight/internal/model"

	"github.com/google/uuid"
)

// Decision is the playbook selection emitted for one qualifying incident
// change. Downstream SOAR runners consume these; Chainsight never executes
// playbooks itself.
type Decision struct {
	DecisionID   string             `json:"decision_id"`
	IncidentID   string             `json:"incident_id"`
	PatternID    string             `json:"pattern_id"`
	EntityKey    string             `json:"entity_key"`
	Severity     model.Severity     `json:"severity"`
	Confidence   model.Confidence   `json:"confidence"`
	ResponsePath model.ResponsePath `json:"response_path"`
	Playbooks    []PlaybookRef      `json:"playbooks"`
	Reason       string             `json:"reason"`
	CreatedAt    time.Time          `json:"created_at"`
}

// PlaybookRef names one selected playbook and whether a human must sign
// off before the runner executes it.
type PlaybookRef struct {
	ID               string `json:"id"`
	ApprovalRequired bool   `json:"approval_required"`
}

// PlaybookIDs returns the selected playbook identifiers in order.
func (d *Decision) PlaybookIDs() []string {
	ids := make([]string, len(d.Playbooks))
	for i, ref := range d.Playbooks {
		ids[i] = ref.ID
	}
	return ids
}

// RequiresApproval reports whether any selected playbook needs a human
// sign-off.
func (d *Decision) RequiresApproval() bool {
	for _, ref := range d.Playbooks {
		if ref.ApprovalRequired {
			return true
		}
	}
	return false
}

// Decision reasons.
const (
	ReasonCreated            = "incident_created"
	ReasonConfidenceUpgraded = "confidence_upgraded"
)

// UnmappedError reports a trigger whose (pattern, confidence) pair has no
// decision row. Dispatch fails closed: the incident stands, nothing fires.
type UnmappedError struct {
	PatternID  string
	Confidence model.Confidence
	IncidentID string
}

func (e *UnmappedError) Error() string {
	return fmt.Sprintf("no decision row for pattern %s at confidence %s (incident %s)",
		e.PatternID, e.Confidence, e.IncidentID)
}

// Emitter delivers decisions to a downstream channel.
type Emitter interface {
	Emit(ctx context.Context, d *Decision) error
}

// Dispatcher resolves incidents against the active model snapshot's
// decision matrices. It reads rows from the registry at dispatch time, so
// a model reload changes responses without restarting anything.
type Dispatcher struct {
	registry *model.Registry
	catalog  Catalog
	emitters []Emitter

	dispatched atomic.Uint64
	unmapped   atomic.Uint64
	skipped    atomic.Uint64
}

// NewDispatcher creates a dispatcher over the registry and catalog.
func NewDispatcher(registry *model.Registry, catalog Catalog, emitters ...Emitter) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		catalog:  catalog,
		emitters: emitters,
	}
}

// Dispatch emits a decision for a qualifying incident result. Updates that
// neither created the incident nor raised its confidence are absorbed
// silently. Returns the decision, or nil when the result did not qualify.
func (d *Dispatcher) Dispatch(ctx context.Context, res *incident.Result) (*Decision, error) {
	if !res.IsNew && !res.ConfidenceChanged {
		d.skipped.Add(1)
		return nil, nil
	}

	inc := res.Incident
	if inc.Confidence.Rank() < model.ConfidenceMedium.Rank() {
		d.skipped.Add(1)
		return nil, nil
	}

	m, ok := d.registry.Get(inc.PatternID)
	if !ok {
		// The pattern left the registry between trigger and dispatch.
		d.unmapped.Add(1)
		metrics.DispatchUnmapped.WithLabelValues(inc.PatternID, string(inc.Confidence)).Inc()
		return nil, &UnmappedError{PatternID: inc.PatternID, Confidence: inc.Confidence, IncidentID: inc.ID}
	}

	row, ok := m.Row(inc.Confidence)
	if !ok {
		d.unmapped.Add(1)
		metrics.DispatchUnmapped.WithLabelValues(inc.PatternID, string(inc.Confidence)).Inc()
		slog.Error("decision matrix gap",
			"pattern_id", inc.PatternID,
			"confidence", inc.Confidence,
			"incident_id", inc.ID)
		return nil, &UnmappedError{PatternID: inc.PatternID, Confidence: inc.Confidence, IncidentID: inc.ID}
	}

	for _, id := range row.Playbooks {
		if _, ok := d.catalog.Get(id); !ok {
			// Load-time validation should make this unreachable; fail
			// closed anyway rather than emit a dangling reference.
			d.unmapped.Add(1)
			return nil, fmt.Errorf("decision row %s/%s references unknown playbook %q",
				inc.PatternID, inc.Confidence, id)
		}
	}

	reason := ReasonCreated
	if !res.IsNew {
		reason = ReasonConfidenceUpgraded
	}

	// The row's approval flag fans out to every playbook it selects.
	refs := make([]PlaybookRef, len(row.Playbooks))
	for i, id := range row.Playbooks {
		refs[i] = PlaybookRef{ID: id, ApprovalRequired: row.ApprovalRequired}
	}

	decision := &Decision{
		DecisionID:   "DEC-" + uuid.NewString()[:8],
		IncidentID:   inc.ID,
		PatternID:    inc.PatternID,
		EntityKey:    inc.EntityKey,
		Severity:     inc.Severity,
		Confidence:   inc.Confidence,
		ResponsePath: row.ResponsePath,
		Playbooks:    refs,
		Reason:       reason,
		CreatedAt:    time.Now().UTC(),
	}

	var errs []error
	for _, emitter := range d.emitters {
		if err := emitter.Emit(ctx, decision); err != nil {
			errs = append(errs, err)
			slog.Error("decision emit failed",
				"error", err,
				"decision_id", decision.DecisionID,
				"incident_id", inc.ID)
		}
	}

	d.dispatched.Add(1)
	metrics.DecisionsDispatched.WithLabelValues(inc.PatternID, string(row.ResponsePath)).Inc()
	slog.Info("decision dispatched",
		"decision_id", decision.DecisionID,
		"incident_id", inc.ID,
		"pattern_id", inc.PatternID,
		"confidence", inc.Confidence,
		"response_path", row.ResponsePath,
		"playbooks", decision.PlaybookIDs(),
		"approval_required", row.ApprovalRequired,
		"reason", reason)

	return decision, errors.Join(errs...)
}

// Stats reports dispatcher counters.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Unmapped   uint64 `json:"unmapped"`
	Skipped    uint64 `json:"skipped"`
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Unmapped:   d.unmapped.Load(),
		Skipped:    d.skipped.Load(),
	}
}

// Catalog returns the playbook catalog the dispatcher resolves against.
func (d *Dispatcher) Catalog() Catalog {
	return d.catalog
}
