package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// StateStatus tracks where an entity state sits in its lifecycle.
type StateStatus string

const (
	// StatusAccumulating means at least one phase matched but the trigger
	// threshold has not been reached.
	StatusAccumulating StateStatus = "accumulating"
	// StatusTriggered means the threshold was reached and an incident
	// handoff has occurred. Further matches enrich the same correlation.
	StatusTriggered StateStatus = "triggered"
)

// EvidenceRef is a compact reference to an event that contributed to a
// correlation. Full event payloads stay in storage; state keeps only what
// an analyst needs to pivot back.
type EvidenceRef struct {
	EventID   uuid.UUID `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	EventType string    `json:"event_type"`
	Phases    []string  `json:"phases"`
}

// PhaseRecord tracks one matched phase inside an entity state.
type PhaseRecord struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Hits      int
}

// EntityState is the accumulated correlation progress for one
// (pattern, entity key) pair. It is owned by a single worker lane; the
// shard mutex only coordinates with the expiry sweep.
type EntityState struct {
	PatternID   string
	EntityKey   string
	Phases      map[string]*PhaseRecord
	Evidence    []EvidenceRef
	WindowStart time.Time
	LastUpdated time.Time
	Status      StateStatus

	// evictedBefore is the high-water mark of eviction cutoffs applied to
	// this state. Events with timestamps behind it arrived too late to
	// participate and must not drag the window backward.
	evictedBefore time.Time
}

func newEntityState(patternID, entityKey string) *EntityState {
	return &EntityState{
		PatternID: patternID,
		EntityKey: entityKey,
		Phases:    make(map[string]*PhaseRecord),
		Status:    StatusAccumulating,
	}
}

// evict removes phases whose first observation has slid outside the
// correlation window ending at now. Evidence references older than the
// cutoff are dropped with them. If every phase is evicted the state
// returns to accumulating with a cleared window.
func (s *EntityState) evict(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	if cutoff.After(s.evictedBefore) {
		s.evictedBefore = cutoff
	}

	removed := 0
	for name, rec := range s.Phases {
		if rec.FirstSeen.Before(cutoff) {
			delete(s.Phases, name)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}

	if len(s.Phases) == 0 {
		s.WindowStart = time.Time{}
		s.Evidence = s.Evidence[:0]
		s.Status = StatusAccumulating
		return removed
	}

	// Window start follows the oldest surviving phase.
	var oldest time.Time
	for _, rec := range s.Phases {
		if oldest.IsZero() || rec.FirstSeen.Before(oldest) {
			oldest = rec.FirstSeen
		}
	}
	s.WindowStart = oldest

	kept := s.Evidence[:0]
	for _, ref := range s.Evidence {
		if !ref.Timestamp.Before(cutoff) {
			kept = append(kept, ref)
		}
	}
	s.Evidence = kept
	return removed
}

// record applies one event's phase matches to the state. Recording is
// idempotent per phase: a phase already in the matched set keeps its
// original first-seen time and only refreshes recency. Events behind the
// eviction boundary are rejected as stale.
func (s *EntityState) record(ts time.Time, phases []string, ref EvidenceRef, evidenceCap int) bool {
	if !s.evictedBefore.IsZero() && ts.Before(s.evictedBefore) {
		return false
	}

	for _, name := range phases {
		rec, ok := s.Phases[name]
		if !ok {
			rec = &PhaseRecord{FirstSeen: ts, LastSeen: ts}
			s.Phases[name] = rec
			if s.WindowStart.IsZero() || ts.Before(s.WindowStart) {
				s.WindowStart = ts
			}
		} else if ts.After(rec.LastSeen) {
			rec.LastSeen = ts
		}
		rec.Hits++
	}

	s.Evidence = append(s.Evidence, ref)
	if len(s.Evidence) > evidenceCap {
		s.Evidence = s.Evidence[len(s.Evidence)-evidenceCap:]
	}
	s.LastUpdated = time.Now()
	return true
}

// snapshotPhases returns a copy of the matched-phase first-seen times,
// safe to hand off outside the shard lock.
func (s *EntityState) snapshotPhases() map[string]time.Time {
	out := make(map[string]time.Time, len(s.Phases))
	for name, rec := range s.Phases {
		out[name] = rec.FirstSeen
	}
	return out
}

// snapshotEvidence returns a copy of the retained evidence references.
func (s *EntityState) snapshotEvidence() []EvidenceRef {
	out := make([]EvidenceRef, len(s.Evidence))
	copy(out, s.Evidence)
	return out
}

// stateShard holds the entity states assigned to one worker lane. The
// lane goroutine is the only writer during evaluation; the mutex exists
// so the expiry sweep can walk shards without pausing the whole engine.
type stateShard struct {
	mu     sync.Mutex
	states map[string]*EntityState
}

func newStateShard() *stateShard {
	return &stateShard{states: make(map[string]*EntityState)}
}

// stateKey builds the shard map key for a (pattern, entity key) pair.
func stateKey(patternID, entityKey string) string {
	return patternID + "\x00" + entityKey
}
