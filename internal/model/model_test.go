package model

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validModel() *OperationalModel {
	return &OperationalModel{
		ID:       "T1",
		Name:     "Test Pattern",
		Severity: SeverityHigh,
		Phases: []Phase{
			{Name: "PhaseA", SourceTags: []string{"siem"}},
			{Name: "PhaseB", SourceTags: []string{"siem"}},
		},
		CorrelationFields: []string{"UserName"},
		CorrelationWindow: time.Hour,
		MinPhases:         2,
		SuppressionWindow: 30 * time.Minute,
	}
}

func TestOperationalModel_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*OperationalModel)
		wantField string
	}{
		{"missing id", func(m *OperationalModel) { m.ID = "" }, "id"},
		{"missing name", func(m *OperationalModel) { m.Name = "" }, "name"},
		{"bad severity", func(m *OperationalModel) { m.Severity = "catastrophic" }, "severity"},
		{"zero phases", func(m *OperationalModel) { m.Phases = nil }, "phases"},
		{"unnamed phase", func(m *OperationalModel) { m.Phases[0].Name = "" }, "phases[0].name"},
		{"duplicate phase", func(m *OperationalModel) { m.Phases[1].Name = "PhaseA" }, "phases[1].name"},
		{"phase without sources", func(m *OperationalModel) { m.Phases[0].SourceTags = nil }, "phases[0].source_tags"},
		{
			"bad predicate",
			func(m *OperationalModel) {
				m.Phases[0].Indicators = []Predicate{{Field: "f", Operator: "regex", Value: "["}}
			},
			"phases[0].indicators[0]",
		},
		{"no correlation fields", func(m *OperationalModel) { m.CorrelationFields = nil }, "correlation_fields"},
		{"zero window", func(m *OperationalModel) { m.CorrelationWindow = 0 }, "correlation_window"},
		{"negative window", func(m *OperationalModel) { m.CorrelationWindow = -time.Minute }, "correlation_window"},
		{"zero min phases", func(m *OperationalModel) { m.MinPhases = 0 }, "min_phases"},
		{"min phases above count", func(m *OperationalModel) { m.MinPhases = 3 }, "min_phases"},
		{"negative suppression", func(m *OperationalModel) { m.SuppressionWindow = -time.Minute }, "suppression_window"},
		{
			"bad matrix confidence",
			func(m *OperationalModel) {
				m.DecisionMatrix = []DecisionRow{{Confidence: "absolute", ResponsePath: PathManualReview, Playbooks: []string{"PB-X"}}}
			},
			"decision_matrix[0].confidence",
		},
		{
			"duplicate matrix row",
			func(m *OperationalModel) {
				m.DecisionMatrix = []DecisionRow{
					{Confidence: ConfidenceHigh, ResponsePath: PathManualReview, Playbooks: []string{"PB-X"}},
					{Confidence: ConfidenceHigh, ResponsePath: PathStagedResponse, Playbooks: []string{"PB-Y"}},
				}
			},
			"decision_matrix[1].confidence",
		},
		{
			"matrix row without playbooks",
			func(m *OperationalModel) {
				m.DecisionMatrix = []DecisionRow{{Confidence: ConfidenceHigh, ResponsePath: PathManualReview}}
			},
			"decision_matrix[0].playbooks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validModel()
			tt.mutate(m)

			err := m.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}

			var invalid *InvalidModelError
			if !errors.As(err, &invalid) {
				t.Fatalf("Validate() error type = %T, want *InvalidModelError", err)
			}
			if invalid.Field != tt.wantField {
				t.Errorf("InvalidModelError.Field = %q, want %q", invalid.Field, tt.wantField)
			}
		})
	}

	t.Run("valid model passes", func(t *testing.T) {
		if err := validModel().Validate(); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})
}

func TestParseModel(t *testing.T) {
	doc := `
id: X1
name: Test Exfil
severity: high
phases:
  - name: Staging
    source_tags: [crowdstrike_falcon]
    indicators:
      - field: event_name
        operator: eq
        value: DataStaged
  - name: Transfer
    source_tags: [paloalto_firewall]
    indicators:
      - field: bytes_sent
        operator: gt
        value: 1000000
correlation_fields: [UserName, ComputerName]
correlation_window: 60m
min_phases: 2
suppression_window: 30m
decision_matrix:
  - confidence: high
    response_path: staged_response
    playbooks: [PB-D1-EXFILTRATION]
  - confidence: medium
    response_path: monitor_and_confirm
    playbooks: [PB-D1-EXFILTRATION]
    approval_required: true
`

	m, err := ParseModel([]byte(doc))
	if err != nil {
		t.Fatalf("ParseModel() error = %v", err)
	}

	if m.ID != "X1" {
		t.Errorf("ID = %q, want X1", m.ID)
	}
	if m.CorrelationWindow != time.Hour {
		t.Errorf("CorrelationWindow = %v, want 1h", m.CorrelationWindow)
	}
	if m.SuppressionWindow != 30*time.Minute {
		t.Errorf("SuppressionWindow = %v, want 30m", m.SuppressionWindow)
	}
	if len(m.Phases) != 2 {
		t.Fatalf("len(Phases) = %d, want 2", len(m.Phases))
	}
	if got := m.Phases[1].Indicators[0].Operator; got != "gt" {
		t.Errorf("Transfer indicator operator = %q, want gt", got)
	}

	row, ok := m.Row(ConfidenceMedium)
	if !ok {
		t.Fatal("Row(medium) not found")
	}
	if !row.ApprovalRequired {
		t.Error("medium row should require approval")
	}
	if row.ResponsePath != PathMonitorAndConfirm {
		t.Errorf("medium response path = %q, want monitor_and_confirm", row.ResponsePath)
	}
}

func TestParseModel_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "{{{{"},
		{"zero phases", "id: X1\nname: X\nseverity: high\nphases: []\ncorrelation_fields: [UserName]\ncorrelation_window: 1h\nmin_phases: 1"},
		{"missing window", "id: X1\nname: X\nseverity: high\nphases:\n  - name: A\n    source_tags: [siem]\ncorrelation_fields: [UserName]\nmin_phases: 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseModel([]byte(tt.doc)); err == nil {
				t.Error("ParseModel() should fail")
			}
		})
	}
}

func TestParseModels_List(t *testing.T) {
	doc := `
- id: A1
  name: First
  severity: low
  phases:
    - name: P1
      source_tags: [siem]
  correlation_fields: [UserName]
  correlation_window: 1h
  min_phases: 1
- id: A2
  name: Second
  severity: medium
  phases:
    - name: P1
      source_tags: [siem]
  correlation_fields: [ComputerName]
  correlation_window: 2h
  min_phases: 1
`

	models, err := ParseModels([]byte(doc))
	if err != nil {
		t.Fatalf("ParseModels() error = %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("len(models) = %d, want 2", len(models))
	}
	if models[1].ID != "A2" {
		t.Errorf("models[1].ID = %q, want A2", models[1].ID)
	}
}

func TestInvalidModelError_Message(t *testing.T) {
	err := &InvalidModelError{ModelID: "R1", Field: "min_phases", Reason: "must be at least 1, got 0"}
	msg := err.Error()
	for _, want := range []string{"R1", "min_phases"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, should contain %q", msg, want)
		}
	}
}

func TestSeverity_Rank(t *testing.T) {
	if SeverityCritical.Rank() <= SeverityHigh.Rank() {
		t.Error("critical should rank above high")
	}
	if SeverityHigh.Rank() <= SeverityMedium.Rank() {
		t.Error("high should rank above medium")
	}
	if SeverityMedium.Rank() <= SeverityLow.Rank() {
		t.Error("medium should rank above low")
	}
}

func TestConfidence_Rank(t *testing.T) {
	order := []Confidence{ConfidenceLow, ConfidenceMedium, ConfidenceHigh, ConfidenceCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should rank above %s", order[i], order[i-1])
		}
	}
}
