package journey

import (
	"math"

	"github.com/spaolacci/murmur3"

	"github.com/solatis/waypoint/internal/types"
)

// executeExperiment assigns the run to one edge by weighted random choice.
// The draw hashes (run, step), so replaying the step yields the same branch.
func (s *Scheduler) executeExperiment(rc *runContext, step *types.Step) (outcome, error) {
	edges := rc.graph.Edges(step.ID)
	if len(edges) == 0 {
		return proceed("", nil), nil
	}

	ratios := make([]float64, len(edges))
	for i, e := range edges {
		cfg, err := e.Config()
		if err != nil {
			return outcome{}, &types.GraphError{JourneyID: rc.journeyID(), StepID: step.ID, Message: err.Error()}
		}
		ratios[i] = cfg.Ratio
	}

	u := bucket(rc.runID, step.ID)
	idx := pickWeighted(ratios, u)
	return proceed(edges[idx].ChildID, map[string]any{
		"child":  edges[idx].ChildID,
		"bucket": u,
	}), nil
}

// bucket maps (runID, stepID) to a stable value in [0, 1).
func bucket(runID, stepID string) float64 {
	h := murmur3.Sum64([]byte(runID + ":" + stepID))
	return float64(h>>11) / float64(1<<53)
}

// pickWeighted returns the index selected by u in [0, 1) over ratios.
// Negative, NaN and infinite ratios count as zero; if no ratio is positive
// the choice is uniform.
func pickWeighted(ratios []float64, u float64) int {
	var total float64
	weights := make([]float64, len(ratios))
	for i, r := range ratios {
		if r > 0 && !math.IsInf(r, 0) {
			weights[i] = r
			total += r
		}
	}
	if total == 0 {
		idx := int(u * float64(len(ratios)))
		return min(idx, len(ratios)-1)
	}

	target := u * total
	var acc float64
	last := 0
	for i, w := range weights {
		if w == 0 {
			continue
		}
		acc += w
		last = i
		if target < acc {
			return i
		}
	}
	return last
}
