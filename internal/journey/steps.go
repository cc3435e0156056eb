package journey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/solatis/waypoint/internal/rules"
	"github.com/solatis/waypoint/internal/types"
)

// outcome is what executing a step decided. The scheduler appends a row
// from it, then runs effect, then continues, suspends or ends the run.
type outcome struct {
	entryType  types.EntryType
	data       map[string]any
	delayUntil *time.Time
	next       string // "" ends the run (falls off the graph)
	end        bool

	// effect runs after the row is appended, so a lost race never sends or
	// merges twice. Errors are logged; the run has already advanced.
	effect func(ctx context.Context, appended types.Entry) error
}

func proceed(next string, data map[string]any) outcome {
	return outcome{entryType: types.EntryCompleted, next: next, data: data}
}

// execute runs the transition logic of step. cur is the row preceding it:
// the previous step's row, or this step's own pending/error row on a retry.
func (s *Scheduler) execute(ctx context.Context, rc *runContext, step *types.Step, cur types.Entry) (outcome, error) {
	switch cfg := step.Config.(type) {
	case *types.EntranceConfig:
		return proceed(s.firstEdge(rc, step), nil), nil
	case *types.DelayConfig:
		return s.executeDelay(ctx, rc, step, cfg)
	case *types.GateConfig:
		return s.executeGate(ctx, rc, step, cfg)
	case *types.BalancerConfig:
		return s.executeBalancer(ctx, rc, step, cfg)
	case *types.ExperimentConfig:
		return s.executeExperiment(rc, step)
	case *types.ActionConfig:
		return s.executeAction(rc, step, cfg), nil
	case *types.UpdateConfig:
		return s.executeUpdate(ctx, rc, step, cfg)
	case *types.MapConfig:
		return s.executeMap(ctx, rc, step, cfg)
	case *types.LinkConfig:
		return s.executeLink(ctx, rc, step, cfg, cur)
	case *types.ExitConfig:
		return outcome{entryType: types.EntryCompleted, end: true}, nil
	default:
		return outcome{}, &types.GraphError{
			JourneyID: rc.journeyID(),
			StepID:    step.ID,
			Message:   fmt.Sprintf("%v: %q", types.ErrUnknownStepKind, step.Kind),
		}
	}
}

// firstEdge returns the child of step's first edge, warning when the step
// has more than one.
func (s *Scheduler) firstEdge(rc *runContext, step *types.Step) string {
	edges := rc.graph.Edges(step.ID)
	if len(edges) == 0 {
		return ""
	}
	if len(edges) > 1 {
		s.logger.Warn("step has several outgoing edges, following the first",
			"journey_id", rc.journeyID(),
			"step_id", step.ID,
			"kind", step.Kind,
			"edges", len(edges),
		)
	}
	return edges[0].ChildID
}

func (s *Scheduler) executeDelay(ctx context.Context, rc *runContext, step *types.Step, cfg *types.DelayConfig) (outcome, error) {
	now := s.now().UTC()
	loc := s.opts.DefaultTimezone
	if cfg.Format == types.DelayTime || cfg.Format == types.DelayDate {
		data, err := s.userData(ctx, rc)
		if err != nil {
			return outcome{}, err
		}
		loc = resolveLocation(cfg.Timezone, data.User, s.opts.DefaultTimezone)
	}
	until, err := DelayUntil(*cfg, now, loc)
	if err != nil {
		return outcome{}, err
	}

	next := s.firstEdge(rc, step)
	data := map[string]any{"until": until.Format(time.RFC3339)}
	if !until.After(now) {
		return proceed(next, data), nil
	}
	return outcome{entryType: types.EntryDelay, delayUntil: &until, next: next, data: data}, nil
}

func (s *Scheduler) executeGate(ctx context.Context, rc *runContext, step *types.Step, cfg *types.GateConfig) (outcome, error) {
	data, err := s.userData(ctx, rc)
	if err != nil {
		return outcome{}, err
	}
	matched, err := s.rules.EvaluateFor(rc.userID, data.Subject(rc.event), cfg.Rule)
	if err != nil {
		return outcome{}, err
	}

	label := "no"
	if matched {
		label = "yes"
	}
	var next string
	for _, e := range rc.graph.Edges(step.ID) {
		ec, err := e.Config()
		if err == nil && strings.EqualFold(ec.Label, label) {
			next = e.ChildID
			break
		}
	}
	return proceed(next, map[string]any{"result": matched}), nil
}

func (s *Scheduler) executeAction(rc *runContext, step *types.Step, cfg *types.ActionConfig) outcome {
	out := proceed(s.firstEdge(rc, step), map[string]any{"campaign_id": string(cfg.CampaignID)})
	out.effect = func(ctx context.Context, appended types.Entry) error {
		if s.delivery == nil {
			return errors.New("no delivery configured")
		}
		return s.delivery.Send(ctx, SendRequest{
			CampaignID: string(cfg.CampaignID),
			UserID:     rc.userID,
			JourneyID:  rc.journeyID(),
			EntryID:    appended.ID,
		})
	}
	return out
}

// executeUpdate renders the template into a JSON object and merges it into
// the profile. Render and parse failures are step errors.
func (s *Scheduler) executeUpdate(ctx context.Context, rc *runContext, step *types.Step, cfg *types.UpdateConfig) (outcome, error) {
	if s.renderer == nil {
		return outcome{}, errors.New("no renderer configured")
	}
	data, err := s.userData(ctx, rc)
	if err != nil {
		return outcome{}, err
	}
	bag, err := s.journeyData(ctx, rc)
	if err != nil {
		return outcome{}, err
	}

	tmplCtx := map[string]any{
		"user":    data.User,
		"journey": bag,
		"event":   nil,
	}
	if rc.event != nil {
		tmplCtx["event"] = rc.event.Document()
	}
	text, err := s.renderer.Render(cfg.Template, tmplCtx)
	if err != nil {
		return outcome{}, fmt.Errorf("render update template: %w", err)
	}
	var patch map[string]any
	if err := json.Unmarshal([]byte(text), &patch); err != nil {
		return outcome{}, fmt.Errorf("update template did not produce a JSON object: %w", err)
	}

	out := proceed(s.firstEdge(rc, step), patch)
	out.effect = func(ctx context.Context, _ types.Entry) error {
		if err := s.profiles.MergeProfile(ctx, rc.userID, patch); err != nil {
			return err
		}
		s.rules.Invalidate(rc.userID)
		rc.data = nil
		return nil
	}
	return out, nil
}

// journeyData collects the data published by steps with a data_key in this run.
func (s *Scheduler) journeyData(ctx context.Context, rc *runContext) (map[string]any, error) {
	entries, err := s.ledger.RunEntries(ctx, rc.runID)
	if err != nil {
		return nil, fmt.Errorf("load run entries: %w", err)
	}
	bag := make(map[string]any)
	for _, e := range entries {
		step := rc.graph.Step(e.StepID)
		if step == nil || step.DataKey == "" || len(e.Data) == 0 || e.Type == types.EntryError {
			continue
		}
		var v any
		if err := json.Unmarshal(e.Data, &v); err == nil {
			bag[step.DataKey] = v
		}
	}
	return bag, nil
}

// executeMap routes on the value of an attribute: first edge whose value
// matches, else the default edge, else the run ends.
func (s *Scheduler) executeMap(ctx context.Context, rc *runContext, step *types.Step, cfg *types.MapConfig) (outcome, error) {
	var doc any
	if cfg.Group == types.GroupEvent {
		if rc.event != nil {
			doc = rc.event.Document()
		}
	} else {
		data, err := s.userData(ctx, rc)
		if err != nil {
			return outcome{}, err
		}
		doc = data.User
	}

	var value any
	if doc != nil {
		for _, v := range rules.Lookup(doc, cfg.Attribute) {
			if v != nil {
				value = v
				break
			}
		}
	}

	var matches []string
	var fallback string
	for _, e := range rc.graph.Edges(step.ID) {
		ec, err := e.Config()
		if err != nil {
			continue
		}
		if ec.Default {
			if fallback == "" {
				fallback = e.ChildID
			}
			continue
		}
		if value != nil && ec.Value != nil && rules.ValuesEqual(value, ec.Value) {
			matches = append(matches, e.ChildID)
		}
	}
	if len(matches) > 1 {
		s.logger.Warn("map value matches several edges, following the first",
			"journey_id", rc.journeyID(),
			"step_id", step.ID,
			"value", value,
			"edges", len(matches),
		)
	}

	next := fallback
	if len(matches) > 0 {
		next = matches[0]
	}
	return proceed(next, map[string]any{"value": value}), nil
}

// executeLink waits out the optional delay, then starts a run of the target.
// A link back to its own journey ends this run before the new one starts.
func (s *Scheduler) executeLink(ctx context.Context, rc *runContext, step *types.Step, cfg *types.LinkConfig, cur types.Entry) (outcome, error) {
	now := s.now().UTC()
	resumed := cur.Type == types.EntryPending && cur.StepID == step.ID
	if cfg.Delay != nil && !resumed {
		loc := s.opts.DefaultTimezone
		if cfg.Delay.Format == types.DelayTime || cfg.Delay.Format == types.DelayDate {
			data, err := s.userData(ctx, rc)
			if err != nil {
				return outcome{}, err
			}
			loc = resolveLocation(cfg.Delay.Timezone, data.User, s.opts.DefaultTimezone)
		}
		until, err := DelayUntil(*cfg.Delay, now, loc)
		if err != nil {
			return outcome{}, err
		}
		if until.After(now) {
			return outcome{
				entryType:  types.EntryPending,
				delayUntil: &until,
				data:       map[string]any{"until": until.Format(time.RFC3339)},
			}, nil
		}
	}

	target := string(cfg.TargetID)
	restart := target == rc.journeyID()
	out := proceed("", map[string]any{"target_id": target, "restart": restart})
	if restart {
		out.end = true
	} else {
		out.next = s.firstEdge(rc, step)
	}
	out.effect = func(_ context.Context, appended types.Entry) error {
		rc.deferred = append(rc.deferred, EnrollRequest{
			JourneyID: target,
			UserID:    rc.userID,
			Event:     rc.event,
			Reference: "link:" + appended.ID,
		})
		return nil
	}
	return out, nil
}
