package incident

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chainsight/internal/engine"
	"chainsight/internal/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
)

// StoreUnavailableError reports that the suppression store stayed
// unreachable through all retries. Callers should leave the triggering
// event unacknowledged so it is redelivered.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("suppression store %s failed: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one trigger handoff.
type Result struct {
	Incident *Incident
	IsNew    bool

	// ConfidenceChanged is true on creation and whenever an update raised
	// the incident's confidence. The dispatcher re-evaluates the decision
	// matrix only when this is set.
	ConfidenceChanged bool
}

// Handler consumes incident results: persistence, dispatch, streaming.
type Handler func(context.Context, *Result) error

// FactoryConfig tunes incident creation.
type FactoryConfig struct {
	MaxRetries   int           // suppression store attempts per operation
	RetryBackoff time.Duration // first retry delay, doubled per attempt
	MaxActive    int           // open incidents kept in memory
}

// DefaultFactoryConfig returns production defaults.
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		MaxRetries:   3,
		RetryBackoff: 50 * time.Millisecond,
		MaxActive:    10000,
	}
}

// Factory creates and updates incidents from correlation triggers. Create
// is idempotent per (pattern, entity) pair: while a suppression claim is
// live, triggers fold into the claimed incident.
type Factory struct {
	cfg         FactoryConfig
	suppression SuppressionStore

	mu     sync.RWMutex
	active *lru.Cache[string, *Incident]

	handlerMu sync.RWMutex
	handlers  []Handler

	created atomic.Uint64
	updated atomic.Uint64
}

// NewFactory creates a factory over the given suppression store.
func NewFactory(suppression SuppressionStore, cfg FactoryConfig) (*Factory, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultFactoryConfig().MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultFactoryConfig().RetryBackoff
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultFactoryConfig().MaxActive
	}

	active, err := lru.New[string, *Incident](cfg.MaxActive)
	if err != nil {
		return nil, err
	}
	return &Factory{
		cfg:         cfg,
		suppression: suppression,
		active:      active,
	}, nil
}

// AddHandler registers a result handler. Handlers run sequentially after
// each create or update; errors are logged and counted, never propagated.
func (f *Factory) AddHandler(h Handler) {
	f.handlerMu.Lock()
	defer f.handlerMu.Unlock()
	f.handlers = append(f.handlers, h)
}

// CreateOrUpdate folds a trigger into the incident space. With a live
// suppression claim the claimed incident is updated; otherwise a new
// incident is created and the claim taken for the pattern's suppression
// window. A pattern with no suppression window opens a new incident on
// every trigger.
func (f *Factory) CreateOrUpdate(ctx context.Context, t *engine.Trigger) (*Result, error) {
	suppress := t.Model.SuppressionWindow > 0
	key := suppressionKey(t.Model.ID, t.EntityKey)

	if suppress {
		var (
			id    string
			found bool
		)
		err := f.withRetry(ctx, "lookup", func() error {
			var lookupErr error
			id, found, lookupErr = f.suppression.ActiveIncident(ctx, key)
			return lookupErr
		})
		if err != nil {
			return nil, err
		}

		if found {
			if res := f.update(id, t); res != nil {
				if err := f.suppression.Extend(ctx, key, t.Model.SuppressionWindow); err != nil {
					slog.Warn("suppression extend failed",
						"incident_id", id,
						"pattern_id", t.Model.ID,
						"error", err)
				}
				f.updated.Add(1)
				metrics.IncidentsUpdated.WithLabelValues(t.Model.ID).Inc()
				f.notify(ctx, res)
				return res, nil
			}
			// A claim with no in-memory incident means the record was
			// evicted or belongs to a previous run. Take over the claim
			// with a fresh incident.
			slog.Warn("suppression claim without active incident",
				"incident_id", id,
				"pattern_id", t.Model.ID)
		}
	}

	inc := f.newIncident(t)

	if suppress {
		err := f.withRetry(ctx, "claim", func() error {
			return f.suppression.Claim(ctx, key, inc.ID, t.Model.SuppressionWindow)
		})
		if err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	f.active.Add(inc.ID, inc)
	res := &Result{Incident: inc.Clone(), IsNew: true, ConfidenceChanged: true}
	f.mu.Unlock()

	f.created.Add(1)
	metrics.IncidentsCreated.WithLabelValues(inc.PatternID, string(inc.Confidence)).Inc()
	slog.Info("incident created",
		"incident_id", inc.ID,
		"pattern_id", inc.PatternID,
		"entity_key", inc.EntityKey,
		"severity", inc.Severity,
		"confidence", inc.Confidence)

	f.notify(ctx, res)
	return res, nil
}

// update folds a trigger into an existing incident, or returns nil when
// the incident is no longer in memory.
func (f *Factory) update(id string, t *engine.Trigger) *Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	inc, ok := f.active.Get(id)
	if !ok {
		return nil
	}

	inc.UpdateCount++
	inc.EventCount++
	inc.UpdatedAt = t.TriggeredAt
	inc.MatchedPhases = orderedPhases(t)
	inc.PhaseTimeline = timelineOf(t)
	inc.Evidence = append(inc.Evidence[:0], t.Evidence...)

	// Confidence only ratchets up; eviction shrinking the matched set
	// never downgrades an open incident.
	changed := false
	if t.Confidence.Rank() > inc.Confidence.Rank() {
		inc.Confidence = t.Confidence
		changed = true
	}

	return &Result{Incident: inc.Clone(), IsNew: false, ConfidenceChanged: changed}
}

func (f *Factory) newIncident(t *engine.Trigger) *Incident {
	now := t.TriggeredAt
	ack, resolve := slaFor(t.Model.Severity)

	inc := &Incident{
		ID:            NewID(),
		PatternID:     t.Model.ID,
		PatternName:   t.Model.Name,
		Title:         fmt.Sprintf("%s: %s", t.Model.Name, t.EntityKey),
		EntityKey:     t.EntityKey,
		Severity:      t.Model.Severity,
		Confidence:    t.Confidence,
		Status:        StatusOpen,
		MatchedPhases: orderedPhases(t),
		PhaseTimeline: timelineOf(t),
		Evidence:      append([]engine.EvidenceRef(nil), t.Evidence...),
		EventCount:    len(t.Evidence),
		WindowStart:   t.WindowStart,
		CreatedAt:     now,
		UpdatedAt:     now,
		AcknowledgeBy: now.Add(ack),
		ResolveBy:     now.Add(resolve),
	}
	if t.Model.AlertPolicy != nil {
		inc.EscalationPath = t.Model.AlertPolicy.EscalationPath
		inc.RunbookReference = t.Model.AlertPolicy.RunbookReference
	}
	return inc
}

func (f *Factory) notify(ctx context.Context, res *Result) {
	f.handlerMu.RLock()
	handlers := f.handlers
	f.handlerMu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, res); err != nil {
			slog.Error("incident handler failed",
				"error", err,
				"incident_id", res.Incident.ID,
				"pattern_id", res.Incident.PatternID)
		}
	}
}

// withRetry runs fn up to MaxRetries times with doubling backoff, wrapping
// the final failure in a StoreUnavailableError.
func (f *Factory) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := f.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == f.cfg.MaxRetries-1 {
			break
		}
		slog.Warn("suppression store retry",
			"op", op,
			"attempt", attempt+1,
			"error", err)
		select {
		case <-ctx.Done():
			return &StoreUnavailableError{Op: op, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

// Get returns a copy of an incident by ID.
func (f *Factory) Get(id string) (*Incident, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	inc, ok := f.active.Get(id)
	if !ok {
		return nil, false
	}
	return inc.Clone(), true
}

// List returns copies of the incidents currently held in memory.
func (f *Factory) List() []*Incident {
	f.mu.RLock()
	defer f.mu.RUnlock()

	values := f.active.Values()
	out := make([]*Incident, 0, len(values))
	for _, inc := range values {
		out = append(out, inc.Clone())
	}
	return out
}

// ActiveCount returns the number of incidents held in memory.
func (f *Factory) ActiveCount() int {
	return f.active.Len()
}

// Created returns the total incidents created since start.
func (f *Factory) Created() uint64 {
	return f.created.Load()
}

// Updated returns the total suppressed updates since start.
func (f *Factory) Updated() uint64 {
	return f.updated.Load()
}
