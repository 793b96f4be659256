package engine

import (
	"chainsight/internal/model"
	"chainsight/internal/schema"
)

// MatchPhases returns the names of every phase in the model that the event
// satisfies. A phase matches when the event's source is in the phase's
// source tags and every indicator predicate holds against the event's raw
// indicators. The check is pure: no state is read or written, so callers
// may run it from any goroutine.
func MatchPhases(event *schema.Event, m *model.OperationalModel) []string {
	var matched []string
	for i := range m.Phases {
		phase := &m.Phases[i]
		if !phase.MatchesSource(string(event.Source)) {
			continue
		}
		if phaseIndicatorsMatch(phase, event) {
			matched = append(matched, phase.Name)
		}
	}
	return matched
}

func phaseIndicatorsMatch(phase *model.Phase, event *schema.Event) bool {
	for i := range phase.Indicators {
		if !phase.Indicators[i].Match(event.RawIndicators) {
			return false
		}
	}
	return true
}
