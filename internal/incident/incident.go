// Package incident turns correlation triggers into deduplicated incident
// records with severity-driven SLA deadlines.
package incident

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"chainsight/internal/engine"
	"chainsight/internal/model"

	"github.com/google/uuid"
)

// Status tracks an incident through its response lifecycle.
type Status string

const (
	StatusOpen          Status = "open"
	StatusAcknowledged  Status = "acknowledged"
	StatusInvestigating Status = "investigating"
	StatusContained     Status = "contained"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
	StatusClosed        Status = "closed"
)

// IsValid checks if the status is a valid value.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusInvestigating,
		StatusContained, StatusResolved, StatusFalsePositive, StatusClosed:
		return true
	}
	return false
}

// PhaseEvent is one entry in an incident's phase timeline.
type PhaseEvent struct {
	Phase     string    `json:"phase"`
	FirstSeen time.Time `json:"first_seen"`
}

// Incident is a deduplicated record of a triggered correlation. One
// incident absorbs every trigger for the same (pattern, entity) pair for
// as long as the pattern's suppression window keeps getting extended.
type Incident struct {
	ID          string `json:"id"`
	PatternID   string `json:"pattern_id"`
	PatternName string `json:"pattern_name"`
	Title       string `json:"title"`
	EntityKey   string `json:"entity_key"`

	Severity   model.Severity   `json:"severity"`
	Confidence model.Confidence `json:"confidence"`
	Status     Status           `json:"status"`

	MatchedPhases []string             `json:"matched_phases"`
	PhaseTimeline []PhaseEvent         `json:"phase_timeline"`
	Evidence      []engine.EvidenceRef `json:"evidence"`
	EventCount    int                  `json:"event_count"`
	UpdateCount   int                  `json:"update_count"`

	WindowStart time.Time `json:"window_start"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// SLA deadlines derived from severity at creation time.
	AcknowledgeBy time.Time `json:"acknowledge_by"`
	ResolveBy     time.Time `json:"resolve_by"`

	EscalationPath   string `json:"escalation_path,omitempty"`
	RunbookReference string `json:"runbook_reference,omitempty"`
	TenantID         string `json:"tenant_id,omitempty"`
}

// NewID returns an incident identifier of the form INC-9F86D081.
func NewID() string {
	u := uuid.New()
	return "INC-" + strings.ToUpper(fmt.Sprintf("%x", u[:4]))
}

// slaFor returns the acknowledge and resolve targets for a severity.
func slaFor(sev model.Severity) (ack, resolve time.Duration) {
	switch sev {
	case model.SeverityCritical:
		return 15 * time.Minute, 4 * time.Hour
	case model.SeverityHigh:
		return time.Hour, 8 * time.Hour
	case model.SeverityMedium:
		return 4 * time.Hour, 24 * time.Hour
	default:
		return 24 * time.Hour, 72 * time.Hour
	}
}

// SLABreached reports whether the incident has blown past its acknowledge
// or resolve deadline at the given instant. Resolved, false-positive, and
// closed incidents never breach.
func (i *Incident) SLABreached(now time.Time) (ackBreached, resolveBreached bool) {
	if i.Status == StatusResolved || i.Status == StatusFalsePositive || i.Status == StatusClosed {
		return false, false
	}
	if i.Status == StatusOpen && now.After(i.AcknowledgeBy) {
		ackBreached = true
	}
	if now.After(i.ResolveBy) {
		resolveBreached = true
	}
	return ackBreached, resolveBreached
}

// Clone returns a deep copy safe to hand to readers while the factory
// keeps mutating the original.
func (i *Incident) Clone() *Incident {
	out := *i
	out.MatchedPhases = append([]string(nil), i.MatchedPhases...)
	out.PhaseTimeline = append([]PhaseEvent(nil), i.PhaseTimeline...)
	out.Evidence = append([]engine.EvidenceRef(nil), i.Evidence...)
	return &out
}

// orderedPhases lists a trigger's matched phases in the model's declared
// kill-chain order.
func orderedPhases(t *engine.Trigger) []string {
	out := make([]string, 0, len(t.MatchedPhases))
	for _, name := range t.Model.PhaseNames() {
		if _, ok := t.MatchedPhases[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// timelineOf builds the phase timeline from a trigger, oldest first.
func timelineOf(t *engine.Trigger) []PhaseEvent {
	out := make([]PhaseEvent, 0, len(t.MatchedPhases))
	for phase, firstSeen := range t.MatchedPhases {
		out = append(out, PhaseEvent{Phase: phase, FirstSeen: firstSeen})
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].FirstSeen.Before(out[b].FirstSeen)
	})
	return out
}
