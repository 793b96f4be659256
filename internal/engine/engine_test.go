package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chainsight/internal/model"
	"chainsight/internal/schema"

	"github.com/google/uuid"
)

// chainModel builds a three-phase model (Access, Execution, Impact) keyed
// on the "step" indicator, validated the way the registry validates.
func chainModel(t testing.TB, id string, window time.Duration, minPhases int, fields ...string) *model.OperationalModel {
	t.Helper()

	if len(fields) == 0 {
		fields = []string{schema.FieldUserName}
	}
	m := &model.OperationalModel{
		ID:       id,
		Name:     id + " chain",
		Severity: model.SeverityHigh,
		Phases: []model.Phase{
			{
				Name:       "Access",
				SourceTags: []string{string(schema.SourceSIEM)},
				Indicators: []model.Predicate{{Field: "step", Operator: "eq", Value: "access"}},
			},
			{
				Name:       "Execution",
				SourceTags: []string{string(schema.SourceSIEM)},
				Indicators: []model.Predicate{{Field: "step", Operator: "eq", Value: "exec"}},
			},
			{
				Name:       "Impact",
				SourceTags: []string{string(schema.SourceSIEM)},
				Indicators: []model.Predicate{{Field: "step", Operator: "eq", Value: "impact"}},
			},
		},
		CorrelationFields: fields,
		CorrelationWindow: window,
		MinPhases:         minPhases,
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("test model invalid: %v", err)
	}
	return m
}

func stepEvent(step, user, host string) *schema.Event {
	entities := make(map[string]string)
	if user != "" {
		entities[schema.FieldUserName] = user
	}
	if host != "" {
		entities[schema.FieldComputerName] = host
	}
	return &schema.Event{
		EventID:       uuid.New(),
		Source:        schema.SourceSIEM,
		Timestamp:     time.Now(),
		EntityValues:  entities,
		RawIndicators: map[string]any{"step": step},
	}
}

type triggerRecorder struct {
	mu       sync.Mutex
	triggers []*Trigger
	notify   chan struct{}
}

func newTriggerRecorder() *triggerRecorder {
	return &triggerRecorder{notify: make(chan struct{}, 64)}
}

func (r *triggerRecorder) handle(_ context.Context, tr *Trigger) error {
	r.mu.Lock()
	r.triggers = append(r.triggers, tr)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *triggerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

func (r *triggerRecorder) wait(t *testing.T, n int, timeout time.Duration) []*Trigger {
	t.Helper()

	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		if len(r.triggers) >= n {
			out := make([]*Trigger, len(r.triggers))
			copy(out, r.triggers)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()

		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d trigger(s), have %d", n, r.count())
		}
	}
}

func startEngine(t *testing.T, reg *model.Registry, cfg Config) (*Engine, *triggerRecorder) {
	t.Helper()

	e := NewEngine(reg, cfg)
	rec := newTriggerRecorder()
	e.AddHandler(rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	t.Cleanup(e.Stop)
	return e, rec
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEngine_ChainTriggersThroughConfidence(t *testing.T) {
	m := chainModel(t, "CHAIN-1", 90*time.Minute, 2, schema.FieldUserName, schema.FieldComputerName)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, rec := startEngine(t, reg, DefaultConfig())

	for _, step := range []string{"access", "exec", "impact"} {
		if err := e.ProcessEvent(stepEvent(step, "jdoe", "WIN-SRV-01")); err != nil {
			t.Fatalf("ProcessEvent(%s) error = %v", step, err)
		}
	}

	triggers := rec.wait(t, 2, 2*time.Second)

	first := triggers[0]
	if first.Confidence != model.ConfidenceHigh {
		t.Errorf("first trigger confidence = %v, want %v (2 of 3 phases)", first.Confidence, model.ConfidenceHigh)
	}
	if first.Renewed {
		t.Error("first trigger Renewed = true, want false")
	}
	if first.MatchedCount != 2 {
		t.Errorf("first trigger MatchedCount = %d, want 2", first.MatchedCount)
	}

	second := triggers[1]
	if second.Confidence != model.ConfidenceCritical {
		t.Errorf("second trigger confidence = %v, want %v (full chain)", second.Confidence, model.ConfidenceCritical)
	}
	if !second.Renewed {
		t.Error("second trigger Renewed = false, want true")
	}
	if second.EntityKey != "user:jdoe|host:WIN-SRV-01" {
		t.Errorf("EntityKey = %q, want %q", second.EntityKey, "user:jdoe|host:WIN-SRV-01")
	}
	if second.MatchedCount != 3 || second.TotalPhases != 3 {
		t.Errorf("matched/total = %d/%d, want 3/3", second.MatchedCount, second.TotalPhases)
	}
	if len(second.Evidence) != 3 {
		t.Errorf("len(Evidence) = %d, want 3", len(second.Evidence))
	}
	if len(second.MatchedPhases) != 3 {
		t.Errorf("len(MatchedPhases) = %d, want 3", len(second.MatchedPhases))
	}
}

func TestEngine_BelowThresholdAccumulates(t *testing.T) {
	m := chainModel(t, "CHAIN-2", time.Hour, 3)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, rec := startEngine(t, reg, DefaultConfig())

	e.ProcessEvent(stepEvent("access", "jdoe", ""))
	e.ProcessEvent(stepEvent("exec", "jdoe", ""))

	waitFor(t, 2*time.Second, func() bool {
		s := e.State("CHAIN-2", "user:jdoe")
		return s != nil && len(s.Phases) == 2
	}, "state never accumulated two phases")

	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("trigger count = %d, want 0 below min_phases", rec.count())
	}

	s := e.State("CHAIN-2", "user:jdoe")
	if s.Status != StatusAccumulating {
		t.Errorf("Status = %v, want %v", s.Status, StatusAccumulating)
	}
}

func TestEngine_DuplicatePhaseDoesNotTrigger(t *testing.T) {
	m := chainModel(t, "CHAIN-3", time.Hour, 2)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, rec := startEngine(t, reg, DefaultConfig())

	for i := 0; i < 3; i++ {
		e.ProcessEvent(stepEvent("access", "jdoe", ""))
	}

	waitFor(t, 2*time.Second, func() bool {
		s := e.State("CHAIN-3", "user:jdoe")
		return s != nil && len(s.Phases) == 1 && s.Phases["Access"].Hits == 3
	}, "state never recorded three hits on one phase")

	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("trigger count = %d, want 0 (distinct phases required)", rec.count())
	}
}

func TestEngine_WindowEvictionDropsExpiredPhase(t *testing.T) {
	m := chainModel(t, "CHAIN-4", 200*time.Millisecond, 2)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, rec := startEngine(t, reg, DefaultConfig())

	e.ProcessEvent(stepEvent("access", "jdoe", ""))
	waitFor(t, 2*time.Second, func() bool {
		s := e.State("CHAIN-4", "user:jdoe")
		return s != nil && len(s.Phases) == 1
	}, "first phase never recorded")

	time.Sleep(400 * time.Millisecond)

	e.ProcessEvent(stepEvent("exec", "jdoe", ""))
	waitFor(t, 2*time.Second, func() bool {
		s := e.State("CHAIN-4", "user:jdoe")
		if s == nil {
			return false
		}
		_, hasExec := s.Phases["Execution"]
		_, hasAccess := s.Phases["Access"]
		return hasExec && !hasAccess
	}, "expired phase was not evicted on the next evaluation")

	if rec.count() != 0 {
		t.Errorf("trigger count = %d, want 0 (phases did not overlap in window)", rec.count())
	}
}

func TestEngine_EntityIsolation(t *testing.T) {
	m := chainModel(t, "CHAIN-5", time.Hour, 2)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, rec := startEngine(t, reg, DefaultConfig())

	e.ProcessEvent(stepEvent("access", "alice", ""))
	e.ProcessEvent(stepEvent("exec", "alice", ""))
	e.ProcessEvent(stepEvent("access", "bob", ""))

	triggers := rec.wait(t, 1, 2*time.Second)
	if triggers[0].EntityKey != "user:alice" {
		t.Errorf("trigger EntityKey = %q, want %q", triggers[0].EntityKey, "user:alice")
	}

	waitFor(t, 2*time.Second, func() bool {
		return e.ActiveStates() == 2
	}, "expected separate states for alice and bob")

	time.Sleep(100 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("trigger count = %d, want 1 (bob below threshold)", rec.count())
	}

	bob := e.State("CHAIN-5", "user:bob")
	if bob == nil || bob.Status != StatusAccumulating {
		t.Errorf("bob state = %+v, want accumulating", bob)
	}
}

func TestEngine_PartialEntityKeyIsSeparateState(t *testing.T) {
	m := chainModel(t, "CHAIN-6", time.Hour, 2, schema.FieldUserName, schema.FieldComputerName)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, rec := startEngine(t, reg, DefaultConfig())

	e.ProcessEvent(stepEvent("access", "jdoe", "WIN-SRV-01"))
	e.ProcessEvent(stepEvent("exec", "jdoe", ""))

	waitFor(t, 2*time.Second, func() bool {
		return e.ActiveStates() == 2
	}, "full and partial keys should hold separate states")

	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("trigger count = %d, want 0 (keys never merged)", rec.count())
	}

	partial := e.State("CHAIN-6", "user:jdoe")
	if partial == nil {
		t.Fatal("no state under the partial key")
	}
	if _, ok := partial.Phases["Execution"]; !ok {
		t.Error("partial-key state missing Execution phase")
	}
}

func TestEngine_MalformedEventSkipped(t *testing.T) {
	m := chainModel(t, "CHAIN-7", time.Hour, 2, schema.FieldIPAddress)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, _ := startEngine(t, reg, DefaultConfig())

	// Matches the Access phase but carries no IPAddress entity.
	if err := e.ProcessEvent(stepEvent("access", "jdoe", "WIN-SRV-01")); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}

	stats := e.Stats()
	if stats.MalformedEvents != 1 {
		t.Errorf("MalformedEvents = %d, want 1", stats.MalformedEvents)
	}
	if e.ActiveStates() != 0 {
		t.Errorf("ActiveStates() = %d, want 0", e.ActiveStates())
	}
}

func TestEngine_ExpirySweepRemovesIdleState(t *testing.T) {
	m := chainModel(t, "CHAIN-8", 100*time.Millisecond, 2)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.SweepInterval = 50 * time.Millisecond
	e, _ := startEngine(t, reg, cfg)

	e.ProcessEvent(stepEvent("access", "jdoe", ""))
	waitFor(t, 2*time.Second, func() bool {
		return e.ActiveStates() == 1
	}, "state never created")

	waitFor(t, 3*time.Second, func() bool {
		return e.ActiveStates() == 0
	}, "idle state never expired")

	if got := e.Stats().StatesExpired; got < 1 {
		t.Errorf("StatesExpired = %d, want >= 1", got)
	}
}

func TestEngine_SweepDropsStateForRemovedModel(t *testing.T) {
	m1 := chainModel(t, "CHAIN-9A", time.Hour, 2)
	reg, err := model.Load([]*model.OperationalModel{m1})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, _ := startEngine(t, reg, DefaultConfig())

	e.ProcessEvent(stepEvent("access", "jdoe", ""))
	waitFor(t, 2*time.Second, func() bool {
		return e.ActiveStates() == 1
	}, "state never created")

	m2 := chainModel(t, "CHAIN-9B", time.Hour, 2)
	if err := reg.Reload([]*model.OperationalModel{m2}); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	removed, active := e.sweepOnce(time.Now())
	if removed != 1 {
		t.Errorf("sweepOnce() removed = %d, want 1 (orphaned state)", removed)
	}
	if active != 0 {
		t.Errorf("sweepOnce() active = %d, want 0", active)
	}
}

func TestEngine_HandlerErrorDoesNotStopDispatch(t *testing.T) {
	m := chainModel(t, "CHAIN-10", time.Hour, 2)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e := NewEngine(reg, DefaultConfig())
	e.AddHandler(func(context.Context, *Trigger) error {
		return fmt.Errorf("downstream unavailable")
	})
	rec := newTriggerRecorder()
	e.AddHandler(rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	e.ProcessEvent(stepEvent("access", "jdoe", ""))
	e.ProcessEvent(stepEvent("exec", "jdoe", ""))

	rec.wait(t, 1, 2*time.Second)

	if got := e.Stats().HandlerErrors; got < 1 {
		t.Errorf("HandlerErrors = %d, want >= 1", got)
	}
}

func TestEngine_StopRejectsNewEvents(t *testing.T) {
	m := chainModel(t, "CHAIN-11", time.Hour, 2)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e := NewEngine(reg, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	e.Stop()

	if err := e.ProcessEvent(stepEvent("access", "jdoe", "")); !errors.Is(err, ErrStopped) {
		t.Errorf("ProcessEvent() after Stop = %v, want ErrStopped", err)
	}
}

func TestEngine_Stats(t *testing.T) {
	m := chainModel(t, "CHAIN-12", time.Hour, 2)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, rec := startEngine(t, reg, DefaultConfig())

	e.ProcessEvent(stepEvent("access", "jdoe", ""))
	e.ProcessEvent(stepEvent("exec", "jdoe", ""))
	e.ProcessEvent(stepEvent("impact", "jdoe", ""))

	rec.wait(t, 2, 2*time.Second)

	stats := e.Stats()
	if stats.EventsProcessed != 3 {
		t.Errorf("EventsProcessed = %d, want 3", stats.EventsProcessed)
	}
	if stats.PhaseMatches != 3 {
		t.Errorf("PhaseMatches = %d, want 3", stats.PhaseMatches)
	}
	if stats.Triggers != 2 {
		t.Errorf("Triggers = %d, want 2", stats.Triggers)
	}
	if stats.TriggersRenewed != 1 {
		t.Errorf("TriggersRenewed = %d, want 1", stats.TriggersRenewed)
	}
	if stats.ActiveModels != 1 {
		t.Errorf("ActiveModels = %d, want 1", stats.ActiveModels)
	}
}

func stepEventAt(step, user string, ts time.Time) *schema.Event {
	event := stepEvent(step, user, "")
	event.Timestamp = ts
	return event
}

func TestEngine_BackfilledChainWithinWindow(t *testing.T) {
	m := chainModel(t, "CHAIN-13", time.Hour, 3)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, rec := startEngine(t, reg, DefaultConfig())

	now := time.Now()
	earliest := now.Add(-59 * time.Minute)
	e.ProcessEvent(stepEventAt("access", "jdoe", earliest))
	e.ProcessEvent(stepEventAt("exec", "jdoe", now.Add(-39*time.Minute)))
	e.ProcessEvent(stepEventAt("impact", "jdoe", now.Add(-time.Second)))

	triggers := rec.wait(t, 1, 2*time.Second)
	tr := triggers[0]
	if tr.Confidence != model.ConfidenceCritical {
		t.Errorf("Confidence = %v, want %v (all phases inside the window)", tr.Confidence, model.ConfidenceCritical)
	}
	if tr.MatchedCount != 3 {
		t.Errorf("MatchedCount = %d, want 3", tr.MatchedCount)
	}
	if !tr.WindowStart.Equal(earliest) {
		t.Errorf("WindowStart = %v, want %v (earliest phase)", tr.WindowStart, earliest)
	}
}

func TestEngine_BackfillBehindBoundaryIgnored(t *testing.T) {
	m := chainModel(t, "CHAIN-14", time.Hour, 3)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, rec := startEngine(t, reg, DefaultConfig())

	now := time.Now()
	// 65 minutes old against a 60-minute window: behind the eviction
	// boundary the moment it is evaluated.
	e.ProcessEvent(stepEventAt("access", "jdoe", now.Add(-65*time.Minute)))
	e.ProcessEvent(stepEventAt("exec", "jdoe", now.Add(-45*time.Minute)))
	e.ProcessEvent(stepEventAt("impact", "jdoe", now.Add(-time.Second)))

	waitFor(t, 2*time.Second, func() bool {
		s := e.State("CHAIN-14", "user:jdoe")
		return s != nil && len(s.Phases) == 2
	}, "state never accumulated the two in-window phases")

	if got := e.Stats().StaleEvents; got != 1 {
		t.Errorf("StaleEvents = %d, want 1", got)
	}
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("trigger count = %d, want 0 (stale phase must not count)", rec.count())
	}
}

func TestEngine_OutOfOrderEventsKeepEarliestWindowStart(t *testing.T) {
	m := chainModel(t, "CHAIN-15", time.Hour, 2)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	e, rec := startEngine(t, reg, DefaultConfig())

	now := time.Now()
	earlier := now.Add(-30 * time.Minute)
	e.ProcessEvent(stepEventAt("exec", "jdoe", now.Add(-10*time.Minute)))
	e.ProcessEvent(stepEventAt("access", "jdoe", earlier))

	triggers := rec.wait(t, 1, 2*time.Second)
	if !triggers[0].WindowStart.Equal(earlier) {
		t.Errorf("WindowStart = %v, want %v (earlier event arriving late)", triggers[0].WindowStart, earlier)
	}
	if triggers[0].MatchedCount != 2 {
		t.Errorf("MatchedCount = %d, want 2", triggers[0].MatchedCount)
	}
}

func BenchmarkEngine_ProcessEvent(b *testing.B) {
	m := chainModel(b, "BENCH-CHAIN", time.Hour, 3)
	reg, err := model.Load([]*model.OperationalModel{m})
	if err != nil {
		b.Fatalf("Load() error = %v", err)
	}

	e := NewEngine(reg, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	event := stepEvent("access", "jdoe", "WIN-SRV-01")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.ProcessEvent(event)
	}
}
