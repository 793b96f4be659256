// Package engine implements multi-phase correlation: it matches normalized
// events against operational model phases, accumulates per-entity state
// inside sliding time windows, and hands off triggers once a model's phase
// threshold is reached.
package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chainsight/internal/metrics"
	"chainsight/internal/model"
	"chainsight/internal/schema"
)

// ErrStopped is returned by ProcessEvent after the engine has shut down.
var ErrStopped = errors.New("correlation engine stopped")

// Trigger is the handoff produced when an entity's matched phases reach a
// model's threshold. It carries an immutable snapshot of the state at the
// moment of evaluation; handlers may retain it without copying.
type Trigger struct {
	Model         *model.OperationalModel
	EntityKey     string
	Confidence    model.Confidence
	MatchedPhases map[string]time.Time
	MatchedCount  int
	TotalPhases   int
	WindowStart   time.Time
	TriggeredAt   time.Time
	Evidence      []EvidenceRef

	// Renewed is true when the state had already triggered and this event
	// enriches the existing correlation rather than opening a new one.
	Renewed bool
}

// TriggerHandler consumes triggers. Handlers run sequentially on the
// dispatch goroutine; errors are logged and counted but never stop the
// engine.
type TriggerHandler func(context.Context, *Trigger) error

// Config tunes the correlation engine.
type Config struct {
	Lanes         int           // worker lanes; same entity key always lands on the same lane
	LaneBuffer    int           // per-lane queue capacity
	TriggerBuffer int           // trigger handoff queue capacity
	EvidenceCap   int           // supporting event references kept per entity state
	SweepInterval time.Duration // expiry sweep cadence; zero derives it from model windows
	MaxStateAge   time.Duration // extra grace before an idle state is removed; zero means none
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Lanes:         8,
		LaneBuffer:    4096,
		TriggerBuffer: 1024,
		EvidenceCap:   50,
	}
}

type laneWork struct {
	model     *model.OperationalModel
	entityKey string
	phases    []string
	ref       EvidenceRef
	eventTime time.Time
}

// Engine evaluates events against the active model snapshot. Events are
// partitioned onto worker lanes by (model, entity key) hash, so state for
// one entity is only ever touched by one goroutine and per-entity ordering
// follows submission order.
type Engine struct {
	cfg      Config
	registry *model.Registry

	shards    []*stateShard
	lanes     []chan laneWork
	triggerCh chan *Trigger

	handlerMu sync.RWMutex
	handlers  []TriggerHandler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	eventsProcessed atomic.Uint64
	phaseMatches    atomic.Uint64
	malformedEvents atomic.Uint64
	staleEvents     atomic.Uint64
	triggersFired   atomic.Uint64
	triggersRenewed atomic.Uint64
	statesExpired   atomic.Uint64
	handlerErrors   atomic.Uint64
}

// NewEngine creates an engine over the given model registry.
func NewEngine(registry *model.Registry, cfg Config) *Engine {
	if cfg.Lanes <= 0 {
		cfg.Lanes = DefaultConfig().Lanes
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = DefaultConfig().LaneBuffer
	}
	if cfg.TriggerBuffer <= 0 {
		cfg.TriggerBuffer = DefaultConfig().TriggerBuffer
	}
	if cfg.EvidenceCap <= 0 {
		cfg.EvidenceCap = DefaultConfig().EvidenceCap
	}

	e := &Engine{
		cfg:       cfg,
		registry:  registry,
		shards:    make([]*stateShard, cfg.Lanes),
		lanes:     make([]chan laneWork, cfg.Lanes),
		triggerCh: make(chan *Trigger, cfg.TriggerBuffer),
		stopCh:    make(chan struct{}),
	}
	for i := 0; i < cfg.Lanes; i++ {
		e.shards[i] = newStateShard()
		e.lanes[i] = make(chan laneWork, cfg.LaneBuffer)
	}
	return e
}

// AddHandler registers a trigger handler. Handlers added after Start are
// picked up on the next trigger.
func (e *Engine) AddHandler(h TriggerHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Start launches the worker lanes, trigger dispatcher, and expiry sweep.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Lanes; i++ {
		e.wg.Add(1)
		go e.laneWorker(ctx, i)
	}

	e.wg.Add(1)
	go e.dispatchTriggers(ctx)

	e.wg.Add(1)
	go e.expirySweep(ctx)

	slog.Info("correlation engine started",
		"lanes", e.cfg.Lanes,
		"models", e.registry.Len())
}

// Stop shuts the engine down and waits for in-flight work to settle.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	slog.Info("correlation engine stopped")
}

// ProcessEvent evaluates one event against every active model. Matching is
// done on the caller's goroutine; state mutation is deferred to the lane
// that owns the entity key. The call blocks when a lane is saturated so no
// match is silently lost.
func (e *Engine) ProcessEvent(event *schema.Event) error {
	select {
	case <-e.stopCh:
		return ErrStopped
	default:
	}

	e.eventsProcessed.Add(1)

	snap := e.registry.Snapshot()
	for _, m := range snap {
		phases := MatchPhases(event, m)
		if len(phases) == 0 {
			continue
		}

		key, err := EntityKey(event, m)
		if err != nil {
			e.malformedEvents.Add(1)
			metrics.MalformedEvents.WithLabelValues(m.ID).Inc()
			slog.Debug("event skipped for model",
				"model_id", m.ID,
				"event_id", event.EventID,
				"source", event.Source,
				"timestamp", event.Timestamp,
				"error", err)
			continue
		}

		e.phaseMatches.Add(uint64(len(phases)))
		for _, p := range phases {
			metrics.PhaseMatches.WithLabelValues(m.ID, p).Inc()
		}

		work := laneWork{
			model:     m,
			entityKey: key,
			phases:    phases,
			eventTime: event.Timestamp,
			ref: EvidenceRef{
				EventID:   event.EventID,
				Timestamp: event.Timestamp,
				Source:    string(event.Source),
				EventType: string(event.EventType),
				Phases:    phases,
			},
		}

		select {
		case e.lanes[e.laneFor(m.ID, key)] <- work:
		case <-e.stopCh:
			return ErrStopped
		}
	}
	return nil
}

// laneFor maps a (model, entity key) pair onto a lane. FNV keeps the
// mapping stable across calls so per-entity ordering holds.
func (e *Engine) laneFor(modelID, entityKey string) int {
	h := fnv.New32a()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(entityKey))
	return int(h.Sum32() % uint32(e.cfg.Lanes))
}

func (e *Engine) laneWorker(ctx context.Context, id int) {
	defer e.wg.Done()

	shard := e.shards[id]
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case w := <-e.lanes[id]:
			if t := e.evaluate(shard, w); t != nil {
				select {
				case e.triggerCh <- t:
				case <-e.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// evaluate applies one unit of lane work to its entity state and returns a
// trigger when the model's threshold is met. The shard lock is held only
// for the state mutation, never across the trigger handoff.
func (e *Engine) evaluate(shard *stateShard, w laneWork) *Trigger {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	key := stateKey(w.model.ID, w.entityKey)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	state, ok := shard.states[key]
	if !ok {
		state = newEntityState(w.model.ID, w.entityKey)
		shard.states[key] = state
	}

	state.evict(start, w.model.CorrelationWindow)

	if !state.record(w.eventTime, w.phases, w.ref, e.cfg.EvidenceCap) {
		e.staleEvents.Add(1)
		metrics.StaleEvents.Inc()
		return nil
	}

	matched := len(state.Phases)
	if matched < w.model.MinPhases {
		return nil
	}

	renewed := state.Status == StatusTriggered
	state.Status = StatusTriggered

	confidence := Score(matched, len(w.model.Phases), w.model.MinPhases)

	e.triggersFired.Add(1)
	if renewed {
		e.triggersRenewed.Add(1)
	}
	metrics.Triggers.WithLabelValues(w.model.ID, string(confidence)).Inc()

	return &Trigger{
		Model:         w.model,
		EntityKey:     w.entityKey,
		Confidence:    confidence,
		MatchedPhases: state.snapshotPhases(),
		MatchedCount:  matched,
		TotalPhases:   len(w.model.Phases),
		WindowStart:   state.WindowStart,
		TriggeredAt:   start,
		Evidence:      state.snapshotEvidence(),
		Renewed:       renewed,
	}
}

func (e *Engine) dispatchTriggers(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case t := <-e.triggerCh:
			e.handlerMu.RLock()
			handlers := e.handlers
			e.handlerMu.RUnlock()

			for _, handler := range handlers {
				if err := handler(ctx, t); err != nil {
					e.handlerErrors.Add(1)
					slog.Error("trigger handler failed",
						"error", err,
						"model_id", t.Model.ID,
						"entity_key", t.EntityKey)
				}
			}
		}
	}
}

// expirySweep periodically removes entity states that have gone idle past
// their model's correlation window. It holds one shard lock at a time so
// evaluation on other lanes continues during the sweep.
func (e *Engine) expirySweep(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = deriveSweepInterval(e.registry.MinCorrelationWindow())
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			removed, active := e.sweepOnce(time.Now())
			metrics.ActiveStates.Set(float64(active))
			if removed > 0 {
				slog.Debug("expired idle correlation state",
					"removed", removed,
					"active", active)
			}
		}
	}
}

func (e *Engine) sweepOnce(now time.Time) (removed, active int) {
	snap := e.registry.Snapshot()
	windows := make(map[string]time.Duration, len(snap))
	for _, m := range snap {
		windows[m.ID] = m.CorrelationWindow
	}

	for _, shard := range e.shards {
		shard.mu.Lock()
		for key, state := range shard.states {
			window, ok := windows[state.PatternID]
			if !ok {
				// Model removed by a reload; its state is orphaned.
				delete(shard.states, key)
				removed++
				continue
			}
			if now.Sub(state.LastUpdated) > window+e.cfg.MaxStateAge {
				delete(shard.states, key)
				removed++
			}
		}
		active += len(shard.states)
		shard.mu.Unlock()
	}

	e.statesExpired.Add(uint64(removed))
	if removed > 0 {
		metrics.StatesExpired.Add(float64(removed))
	}
	return removed, active
}

// deriveSweepInterval picks a sweep cadence from the smallest correlation
// window, clamped to [5s, 5m].
func deriveSweepInterval(minWindow time.Duration) time.Duration {
	if minWindow <= 0 {
		return time.Minute
	}
	interval := minWindow / 10
	if interval < 5*time.Second {
		return 5 * time.Second
	}
	if interval > 5*time.Minute {
		return 5 * time.Minute
	}
	return interval
}

// ActiveStates counts the entity states currently tracked across shards.
func (e *Engine) ActiveStates() int {
	total := 0
	for _, shard := range e.shards {
		shard.mu.Lock()
		total += len(shard.states)
		shard.mu.Unlock()
	}
	return total
}

// State returns a point-in-time view of one entity's correlation progress,
// or nil when no state exists. Intended for tests and the inspection API.
func (e *Engine) State(patternID, entityKey string) *EntityState {
	shard := e.shards[e.laneFor(patternID, entityKey)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	state, ok := shard.states[stateKey(patternID, entityKey)]
	if !ok {
		return nil
	}
	copied := &EntityState{
		PatternID:   state.PatternID,
		EntityKey:   state.EntityKey,
		Phases:      make(map[string]*PhaseRecord, len(state.Phases)),
		Evidence:    state.snapshotEvidence(),
		WindowStart: state.WindowStart,
		LastUpdated: state.LastUpdated,
		Status:      state.Status,
	}
	for name, rec := range state.Phases {
		r := *rec
		copied.Phases[name] = &r
	}
	return copied
}

// Stats reports engine counters for the stats endpoint.
type Stats struct {
	EventsProcessed uint64 `json:"events_processed"`
	PhaseMatches    uint64 `json:"phase_matches"`
	MalformedEvents uint64 `json:"malformed_events"`
	StaleEvents     uint64 `json:"stale_events"`
	Triggers        uint64 `json:"triggers"`
	TriggersRenewed uint64 `json:"triggers_renewed"`
	StatesExpired   uint64 `json:"states_expired"`
	HandlerErrors   uint64 `json:"handler_errors"`
	ActiveStates    int    `json:"active_states"`
	ActiveModels    int    `json:"active_models"`
	TriggerBacklog  int    `json:"trigger_backlog"`
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		EventsProcessed: e.eventsProcessed.Load(),
		PhaseMatches:    e.phaseMatches.Load(),
		MalformedEvents: e.malformedEvents.Load(),
		StaleEvents:     e.staleEvents.Load(),
		Triggers:        e.triggersFired.Load(),
		TriggersRenewed: e.triggersRenewed.Load(),
		StatesExpired:   e.statesExpired.Load(),
		HandlerErrors:   e.handlerErrors.Load(),
		ActiveStates:    e.ActiveStates(),
		ActiveModels:    e.registry.Len(),
		TriggerBacklog:  len(e.triggerCh),
	}
}
