package journey

import (
	"context"
	"fmt"
	"time"

	"github.com/solatis/waypoint/internal/types"
)

// executeBalancer spreads traffic round-robin over the step's edges, and
// holds users back once the rate limit of the current window is reached.
// The window counter is shared by every worker through Counter.
func (s *Scheduler) executeBalancer(ctx context.Context, rc *runContext, step *types.Step, cfg *types.BalancerConfig) (outcome, error) {
	edges := rc.graph.Edges(step.ID)
	if len(edges) == 0 {
		return proceed("", nil), nil
	}

	window := cfg.RateInterval.Duration()
	if window <= 0 {
		window = time.Minute
	}
	now := s.now().UTC()
	start := now.Truncate(window)

	key := fmt.Sprintf("balancer:%s:%d", step.ID, start.Unix())
	count, err := s.counter.Increment(ctx, key, 2*window)
	if err != nil {
		return outcome{}, fmt.Errorf("increment balancer counter: %w", err)
	}

	if cfg.RateLimit > 0 && count > int64(cfg.RateLimit) {
		until := start.Add(window)
		return outcome{
			entryType:  types.EntryPending,
			delayUntil: &until,
			data:       map[string]any{"count": count, "until": until.Format(time.RFC3339)},
		}, nil
	}

	idx := int((count - 1) % int64(len(edges)))
	return proceed(edges[idx].ChildID, map[string]any{"count": count, "child": edges[idx].ChildID}), nil
}
