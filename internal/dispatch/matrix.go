package dispatch

import (
	"fmt"

	"chainsight/internal/model"
)

// ValidatePlaybookRefs confirms every decision row in every model points
// at playbooks the catalog actually holds. Run before a model set goes
// active so dispatch never discovers a dangling reference at trigger time.
func ValidatePlaybookRefs(models []*model.OperationalModel, catalog Catalog) error {
	for _, m := range models {
		for _, row := range m.DecisionMatrix {
			for _, id := range row.Playbooks {
				if _, ok := catalog.Get(id); !ok {
					return fmt.Errorf("model %s: decision row %s references unknown playbook %q",
						m.ID, row.Confidence, id)
				}
			}
		}
	}
	return nil
}

// CoverageGap names one (pattern, confidence) pair with no decision row.
// Triggers landing on a gap fail closed at dispatch time.
type CoverageGap struct {
	PatternID  string           `json:"pattern_id"`
	Confidence model.Confidence `json:"confidence"`
}

func (g CoverageGap) String() string {
	return fmt.Sprintf("%s/%s", g.PatternID, g.Confidence)
}

// Coverage reports decision-matrix gaps across dispatchable confidence
// levels. An empty result means every trigger the engine can produce has
// a mapped response.
func Coverage(models []*model.OperationalModel) []CoverageGap {
	var gaps []CoverageGap
	for _, m := range models {
		for _, c := range model.DispatchableConfidences() {
			if _, ok := m.Row(c); !ok {
				gaps = append(gaps, CoverageGap{PatternID: m.ID, Confidence: c})
			}
		}
	}
	return gaps
}
