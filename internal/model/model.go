// Package model defines operational attack-pattern models and the
// registry that holds the active model set.
package model

import (
	"fmt"
	"time"
)

// Severity levels for operational models.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a valid value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank converts severity to a numeric value for ordering and storage.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 4
	case SeverityHigh:
		return 7
	case SeverityCritical:
		return 10
	default:
		return 5
	}
}

// Confidence summarizes how completely a pattern's phases were matched.
type Confidence string

const (
	ConfidenceLow      Confidence = "low"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceHigh     Confidence = "high"
	ConfidenceCritical Confidence = "critical"
)

// IsValid checks if the confidence is a valid value.
func (c Confidence) IsValid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh, ConfidenceCritical:
		return true
	}
	return false
}

// Rank converts confidence to a numeric value for ordering.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	case ConfidenceCritical:
		return 4
	default:
		return 0
	}
}

// DispatchableConfidences returns the confidence levels that can reach the
// decision matrix. Low is sub-threshold and never dispatched.
func DispatchableConfidences() []Confidence {
	return []Confidence{ConfidenceMedium, ConfidenceHigh, ConfidenceCritical}
}

// ResponsePath classifies how aggressively a decision row responds.
type ResponsePath string

const (
	PathImmediateContainment ResponsePath = "immediate_containment"
	PathStagedResponse       ResponsePath = "staged_response"
	PathMonitorAndConfirm    ResponsePath = "monitor_and_confirm"
	PathManualReview         ResponsePath = "manual_review"
)

// IsValid checks if the response path is a valid value.
func (p ResponsePath) IsValid() bool {
	switch p {
	case PathImmediateContainment, PathStagedResponse, PathMonitorAndConfirm, PathManualReview:
		return true
	}
	return false
}

// OperationalModel is an immutable attack-pattern definition. Models are
// loaded at startup or reload and never mutated in place; the registry
// swaps whole snapshots.
type OperationalModel struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Severity    Severity `yaml:"severity" json:"severity"`

	// Phases in kill-chain order. Order matters only for documentation
	// and key derivation stability; matching itself is order-free.
	Phases []Phase `yaml:"phases" json:"phases"`

	// CorrelationFields lists entity field names in declared order; the
	// entity key is built from their present values.
	CorrelationFields []string `yaml:"correlation_fields" json:"correlation_fields"`

	// CorrelationWindow bounds the span across which phase matches for
	// one entity count as the same campaign.
	CorrelationWindow time.Duration `yaml:"correlation_window" json:"correlation_window"`

	// MinPhases is the distinct-phase count that triggers an incident.
	MinPhases int `yaml:"min_phases" json:"min_phases"`

	// SuppressionWindow is how long repeated triggers update rather than
	// duplicate an incident. Zero means each trigger opens a new incident.
	SuppressionWindow time.Duration `yaml:"suppression_window" json:"suppression_window"`

	Objective      *Objective    `yaml:"objective,omitempty" json:"objective,omitempty"`
	PivotEntities  []string      `yaml:"pivot_entities,omitempty" json:"pivot_entities,omitempty"`
	AlertPolicy    *AlertPolicy  `yaml:"alert_policy,omitempty" json:"alert_policy,omitempty"`
	DecisionMatrix []DecisionRow `yaml:"decision_matrix,omitempty" json:"decision_matrix,omitempty"`
	KPI            *KPI          `yaml:"kpi,omitempty" json:"kpi,omitempty"`
}

// Phase is one behaviorally distinct stage of an attack pattern.
type Phase struct {
	Name       string      `yaml:"name" json:"name"`
	SourceTags []string    `yaml:"source_tags" json:"source_tags"`
	Indicators []Predicate `yaml:"indicators,omitempty" json:"indicators,omitempty"`
}

// MatchesSource reports whether the given source tag is in the phase's set.
func (p *Phase) MatchesSource(source string) bool {
	for _, tag := range p.SourceTags {
		if tag == source {
			return true
		}
	}
	return false
}

// Objective documents why the model exists.
type Objective struct {
	Goal            string `yaml:"goal,omitempty" json:"goal,omitempty"`
	BusinessOutcome string `yaml:"business_outcome,omitempty" json:"business_outcome,omitempty"`
}

// AlertPolicy carries escalation metadata attached to incidents.
type AlertPolicy struct {
	EscalationPath   string `yaml:"escalation_path,omitempty" json:"escalation_path,omitempty"`
	RunbookReference string `yaml:"runbook_reference,omitempty" json:"runbook_reference,omitempty"`
}

// DecisionRow maps one confidence level to a response for this model.
type DecisionRow struct {
	Confidence       Confidence   `yaml:"confidence" json:"confidence"`
	ResponsePath     ResponsePath `yaml:"response_path" json:"response_path"`
	Playbooks        []string     `yaml:"playbooks" json:"playbooks"`
	ApprovalRequired bool         `yaml:"approval_required" json:"approval_required"`
}

// KPI holds detection/response time targets for reporting.
type KPI struct {
	MTTDTarget time.Duration `yaml:"mttd_target,omitempty" json:"mttd_target,omitempty"`
	MTTRTarget time.Duration `yaml:"mttr_target,omitempty" json:"mttr_target,omitempty"`
}

// InvalidModelError reports a malformed operational model. A reload that
// produces one is rejected wholesale; the previous snapshot stays active.
type InvalidModelError struct {
	ModelID string
	Field   string
	Reason  string
}

// Error returns the error message.
func (e *InvalidModelError) Error() string {
	if e.ModelID == "" {
		return fmt.Sprintf("invalid model: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid model %s: %s: %s", e.ModelID, e.Field, e.Reason)
}

func invalidf(id, field, format string, args ...any) *InvalidModelError {
	return &InvalidModelError{ModelID: id, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks structural and semantic constraints. It also compiles
// regex and CIDR predicates so the hot path never evaluates unchecked
// shapes. Returns *InvalidModelError naming the model and field.
func (m *OperationalModel) Validate() error {
	if m.ID == "" {
		return invalidf("", "id", "model ID is required")
	}
	if m.Name == "" {
		return invalidf(m.ID, "name", "model name is required")
	}
	if !m.Severity.IsValid() {
		return invalidf(m.ID, "severity", "unknown severity %q", m.Severity)
	}
	if len(m.Phases) == 0 {
		return invalidf(m.ID, "phases", "at least one phase is required")
	}
	seen := make(map[string]bool, len(m.Phases))
	for i := range m.Phases {
		ph := &m.Phases[i]
		if ph.Name == "" {
			return invalidf(m.ID, fmt.Sprintf("phases[%d].name", i), "phase name is required")
		}
		if seen[ph.Name] {
			return invalidf(m.ID, fmt.Sprintf("phases[%d].name", i), "duplicate phase name %q", ph.Name)
		}
		seen[ph.Name] = true
		if len(ph.SourceTags) == 0 {
			return invalidf(m.ID, fmt.Sprintf("phases[%d].source_tags", i), "phase %q has no source tags", ph.Name)
		}
		for j := range ph.Indicators {
			if err := ph.Indicators[j].Compile(); err != nil {
				return invalidf(m.ID, fmt.Sprintf("phases[%d].indicators[%d]", i, j), "%v", err)
			}
		}
	}
	if len(m.CorrelationFields) == 0 {
		return invalidf(m.ID, "correlation_fields", "at least one correlation field is required")
	}
	if m.CorrelationWindow <= 0 {
		return invalidf(m.ID, "correlation_window", "must be positive, got %v", m.CorrelationWindow)
	}
	if m.MinPhases < 1 {
		return invalidf(m.ID, "min_phases", "must be at least 1, got %d", m.MinPhases)
	}
	if m.MinPhases > len(m.Phases) {
		return invalidf(m.ID, "min_phases", "%d exceeds phase count %d", m.MinPhases, len(m.Phases))
	}
	if m.SuppressionWindow < 0 {
		return invalidf(m.ID, "suppression_window", "must not be negative, got %v", m.SuppressionWindow)
	}
	rowSeen := make(map[Confidence]bool, len(m.DecisionMatrix))
	for i, row := range m.DecisionMatrix {
		if !row.Confidence.IsValid() {
			return invalidf(m.ID, fmt.Sprintf("decision_matrix[%d].confidence", i), "unknown confidence %q", row.Confidence)
		}
		if rowSeen[row.Confidence] {
			return invalidf(m.ID, fmt.Sprintf("decision_matrix[%d].confidence", i), "duplicate row for confidence %q", row.Confidence)
		}
		rowSeen[row.Confidence] = true
		if !row.ResponsePath.IsValid() {
			return invalidf(m.ID, fmt.Sprintf("decision_matrix[%d].response_path", i), "unknown response path %q", row.ResponsePath)
		}
		if len(row.Playbooks) == 0 {
			return invalidf(m.ID, fmt.Sprintf("decision_matrix[%d].playbooks", i), "at least one playbook is required")
		}
	}
	return nil
}

// PhaseNames returns the phase names in declared order.
func (m *OperationalModel) PhaseNames() []string {
	names := make([]string, len(m.Phases))
	for i := range m.Phases {
		names[i] = m.Phases[i].Name
	}
	return names
}

// FindPhase returns the phase with the given name, or nil.
func (m *OperationalModel) FindPhase(name string) *Phase {
	for i := range m.Phases {
		if m.Phases[i].Name == name {
			return &m.Phases[i]
		}
	}
	return nil
}

// Row returns the decision row for a confidence level, if present.
func (m *OperationalModel) Row(c Confidence) (DecisionRow, bool) {
	for _, row := range m.DecisionMatrix {
		if row.Confidence == c {
			return row, true
		}
	}
	return DecisionRow{}, false
}
