package incident

import (
	"regexp"
	"testing"
	"time"

	"chainsight/internal/engine"
	"chainsight/internal/model"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	format := regexp.MustCompile(`^INC-[0-9A-F]{8}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if !format.MatchString(id) {
			t.Fatalf("NewID() = %q, want INC-XXXXXXXX hex format", id)
		}
		if seen[id] {
			t.Fatalf("NewID() produced duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestSLAFor(t *testing.T) {
	tests := []struct {
		severity    model.Severity
		wantAck     time.Duration
		wantResolve time.Duration
	}{
		{severity: model.SeverityCritical, wantAck: 15 * time.Minute, wantResolve: 4 * time.Hour},
		{severity: model.SeverityHigh, wantAck: time.Hour, wantResolve: 8 * time.Hour},
		{severity: model.SeverityMedium, wantAck: 4 * time.Hour, wantResolve: 24 * time.Hour},
		{severity: model.SeverityLow, wantAck: 24 * time.Hour, wantResolve: 72 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			ack, resolve := slaFor(tt.severity)
			if ack != tt.wantAck {
				t.Errorf("slaFor(%s) ack = %v, want %v", tt.severity, ack, tt.wantAck)
			}
			if resolve != tt.wantResolve {
				t.Errorf("slaFor(%s) resolve = %v, want %v", tt.severity, resolve, tt.wantResolve)
			}
		})
	}
}

func TestIncident_SLABreached(t *testing.T) {
	created := time.Now()
	inc := &Incident{
		Status:        StatusOpen,
		AcknowledgeBy: created.Add(15 * time.Minute),
		ResolveBy:     created.Add(4 * time.Hour),
	}

	tests := []struct {
		name        string
		status      Status
		at          time.Time
		wantAck     bool
		wantResolve bool
	}{
		{name: "inside both deadlines", status: StatusOpen, at: created.Add(5 * time.Minute)},
		{name: "ack deadline passed", status: StatusOpen, at: created.Add(30 * time.Minute), wantAck: true},
		{name: "acknowledged stops ack clock", status: StatusAcknowledged, at: created.Add(30 * time.Minute)},
		{name: "both deadlines passed", status: StatusOpen, at: created.Add(5 * time.Hour), wantAck: true, wantResolve: true},
		{name: "resolved never breaches", status: StatusResolved, at: created.Add(10 * time.Hour)},
		{name: "false positive never breaches", status: StatusFalsePositive, at: created.Add(10 * time.Hour)},
		{name: "closed never breaches", status: StatusClosed, at: created.Add(10 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inc.Status = tt.status
			ack, resolve := inc.SLABreached(tt.at)
			if ack != tt.wantAck || resolve != tt.wantResolve {
				t.Errorf("SLABreached() = (%v, %v), want (%v, %v)", ack, resolve, tt.wantAck, tt.wantResolve)
			}
		})
	}
}

func TestIncident_Clone(t *testing.T) {
	inc := &Incident{
		ID:            "INC-00000001",
		MatchedPhases: []string{"Access", "Execution"},
		PhaseTimeline: []PhaseEvent{{Phase: "Access", FirstSeen: time.Now()}},
		Evidence:      []engine.EvidenceRef{{EventID: uuid.New()}},
	}

	clone := inc.Clone()
	clone.MatchedPhases[0] = "mutated"
	clone.PhaseTimeline[0].Phase = "mutated"
	clone.Evidence[0].Source = "mutated"

	if inc.MatchedPhases[0] != "Access" {
		t.Error("Clone() shares MatchedPhases backing array")
	}
	if inc.PhaseTimeline[0].Phase != "Access" {
		t.Error("Clone() shares PhaseTimeline backing array")
	}
	if inc.Evidence[0].Source == "mutated" {
		t.Error("Clone() shares Evidence backing array")
	}
}

func TestOrderedPhases(t *testing.T) {
	m := &model.OperationalModel{
		ID:   "ORDER-1",
		Name: "Order Test",
		Phases: []model.Phase{
			{Name: "InitialAccess"},
			{Name: "Execution"},
			{Name: "Impact"},
		},
	}
	now := time.Now()
	trigger := &engine.Trigger{
		Model: m,
		MatchedPhases: map[string]time.Time{
			"Impact":        now.Add(-time.Minute),
			"InitialAccess": now.Add(-time.Hour),
		},
	}

	got := orderedPhases(trigger)
	want := []string{"InitialAccess", "Impact"}
	if len(got) != len(want) {
		t.Fatalf("orderedPhases() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("orderedPhases()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTimelineOf(t *testing.T) {
	now := time.Now()
	trigger := &engine.Trigger{
		MatchedPhases: map[string]time.Time{
			"Impact":        now.Add(-time.Minute),
			"InitialAccess": now.Add(-time.Hour),
			"Execution":     now.Add(-30 * time.Minute),
		},
	}

	timeline := timelineOf(trigger)
	if len(timeline) != 3 {
		t.Fatalf("len(timeline) = %d, want 3", len(timeline))
	}
	for i := 1; i < len(timeline); i++ {
		if timeline[i].FirstSeen.Before(timeline[i-1].FirstSeen) {
			t.Errorf("timeline not sorted: %v before %v", timeline[i], timeline[i-1])
		}
	}
	if timeline[0].Phase != "InitialAccess" {
		t.Errorf("timeline[0].Phase = %q, want InitialAccess", timeline[0].Phase)
	}
}
