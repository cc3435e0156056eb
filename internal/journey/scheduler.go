package journey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/solatis/waypoint/internal/rules"
	"github.com/solatis/waypoint/internal/types"
)

const tracerName = "github.com/solatis/waypoint/internal/journey"

// Options tunes scheduler failure handling.
type Options struct {
	// MaxStepRetries is the number of failed attempts after which a run is
	// force-ended.
	MaxStepRetries int
	// RetryBackoff is the wait before the first retry; it doubles per attempt.
	RetryBackoff time.Duration
	// RetryMaxDelay caps the retry wait.
	RetryMaxDelay time.Duration
	// MaxStepsPerPass bounds the transitions of one invocation.
	MaxStepsPerPass int
	// DefaultTimezone applies to time/date delays when neither the step nor
	// the user names one.
	DefaultTimezone *time.Location
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		MaxStepRetries:  5,
		RetryBackoff:    time.Minute,
		RetryMaxDelay:   time.Hour,
		MaxStepsPerPass: 100,
		DefaultTimezone: time.UTC,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxStepRetries <= 0 {
		o.MaxStepRetries = d.MaxStepRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = d.RetryMaxDelay
	}
	if o.MaxStepsPerPass <= 0 {
		o.MaxStepsPerPass = d.MaxStepsPerPass
	}
	if o.DefaultTimezone == nil {
		o.DefaultTimezone = d.DefaultTimezone
	}
	return o
}

// Deps are the scheduler's collaborators. Graphs and Ledger are required;
// the rest fall back to in-memory or no-op implementations.
type Deps struct {
	Graphs   GraphStore
	Ledger   Ledger
	Counter  Counter
	Delivery Delivery
	Profiles Profiles
	Renderer Renderer
	Rules    *rules.Engine
	Logger   *slog.Logger
	Clock    Clock
}

// Scheduler drives journey runs.
type Scheduler struct {
	graphs   GraphStore
	ledger   Ledger
	counter  Counter
	delivery Delivery
	profiles Profiles
	renderer Renderer
	rules    *rules.Engine
	logger   *slog.Logger
	now      Clock
	opts     Options
	locks    *runLocks
	tracer   trace.Tracer
}

// NewScheduler creates a scheduler.
func NewScheduler(deps Deps, opts Options) *Scheduler {
	s := &Scheduler{
		graphs:   deps.Graphs,
		ledger:   deps.Ledger,
		counter:  deps.Counter,
		delivery: deps.Delivery,
		profiles: deps.Profiles,
		renderer: deps.Renderer,
		rules:    deps.Rules,
		logger:   deps.Logger,
		now:      deps.Clock,
		opts:     opts.withDefaults(),
		locks:    newRunLocks(),
		tracer:   otel.Tracer(tracerName),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.counter == nil {
		s.counter = NewMemoryCounter(s.now)
	}
	if s.profiles == nil {
		s.profiles = NewMemoryProfiles()
	}
	if s.rules == nil {
		s.rules = rules.NewEngine(rules.DefaultCacheSize)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Skip reasons reported by Enroll.
const (
	SkipActiveRun      = "active run"
	SkipAlreadyEntered = "already entered"
	SkipRuleMismatch   = "entrance rule not matched"
	SkipDuplicate      = "duplicate enrollment"
)

// EnrollRequest starts a run.
type EnrollRequest struct {
	JourneyID string
	UserID    string
	// EntranceStepID selects the entrance; empty picks the first one.
	EntranceStepID string
	// Event is the triggering event, if any. It stays in scope for the whole run.
	Event *types.Event
	// Reference deduplicates enrollments: a second enrollment with the same
	// reference is skipped. Empty derives one from the user's last run.
	Reference string
}

// EnrollResult reports what Enroll did.
type EnrollResult struct {
	JourneyID  string
	EntranceID string // id of the new run; empty when skipped
	Skipped    string // skip reason; empty when a run started
}

// runContext carries what one invocation knows about a run.
type runContext struct {
	graph  *Graph
	userID string
	runID  string
	event  *types.Event
	data   *types.UserData
	hops   int

	// deferred link enrollments, started once the run lock is released
	deferred []EnrollRequest
}

func (rc *runContext) journeyID() string {
	return rc.graph.Journey.ID
}

// Enroll starts a run of req.JourneyID for req.UserID, subject to the
// entrance's concurrency and repeat policy and its optional rule.
func (s *Scheduler) Enroll(ctx context.Context, req EnrollRequest) (EnrollResult, error) {
	return s.enroll(ctx, req, 0)
}

// maxLinkHops bounds chains of link enrollments started without an
// intervening suspension, such as a journey linking to itself with no delay.
const maxLinkHops = 16

// enroll starts a run. hops counts the link enrollments that led here; link
// enrollments bypass the entrance rule and the repeat policy, but not the
// concurrency policy.
func (s *Scheduler) enroll(ctx context.Context, req EnrollRequest, hops int) (EnrollResult, error) {
	result := EnrollResult{JourneyID: req.JourneyID}

	g, err := s.graphs.GetGraph(ctx, req.JourneyID)
	if err != nil {
		return result, err
	}
	if !g.Journey.Published {
		return result, types.ErrJourneyNotPublished
	}
	entrance, err := pickEntrance(g, req.EntranceStepID)
	if err != nil {
		return result, err
	}

	rc := &runContext{graph: g, userID: req.UserID, event: req.Event, hops: hops}
	release := s.locks.lock(req.UserID, req.JourneyID)
	result, err = s.enrollLocked(ctx, rc, entrance, req, hops > 0)
	release()

	s.runDeferred(ctx, rc)
	return result, err
}

func (s *Scheduler) enrollLocked(ctx context.Context, rc *runContext, entrance *types.Step, req EnrollRequest, viaLink bool) (EnrollResult, error) {
	result := EnrollResult{JourneyID: req.JourneyID}
	cfg, ok := entrance.Config.(*types.EntranceConfig)
	if !ok {
		cfg = &types.EntranceConfig{}
	}

	if !cfg.Concurrent {
		active, err := s.ledger.LatestActive(ctx, req.UserID, req.JourneyID)
		if err != nil {
			return result, fmt.Errorf("load active run: %w", err)
		}
		if active != nil {
			result.Skipped = SkipActiveRun
			return result, nil
		}
	}

	last, err := s.ledger.LastRun(ctx, req.UserID, req.JourneyID)
	if err != nil {
		return result, fmt.Errorf("load last run: %w", err)
	}
	if last != nil && !cfg.Multiple && !viaLink {
		result.Skipped = SkipAlreadyEntered
		return result, nil
	}

	if cfg.Rule != nil && !viaLink {
		data, err := s.userData(ctx, rc)
		if err != nil {
			return result, err
		}
		matched, err := s.rules.EvaluateFor(req.UserID, data.Subject(req.Event), *cfg.Rule)
		if err != nil {
			return result, fmt.Errorf("entrance rule of step %s: %w", entrance.ID, err)
		}
		if !matched {
			result.Skipped = SkipRuleMismatch
			return result, nil
		}
	}

	ref := req.Reference
	if ref == "" {
		after := "none"
		if last != nil {
			after = last.ID
		}
		ref = fmt.Sprintf("entrance:%s:after:%s", req.JourneyID, after)
	}

	now := s.now().UTC()
	entry := types.Entry{
		ID:        types.NewID(),
		UserID:    req.UserID,
		JourneyID: req.JourneyID,
		StepID:    entrance.ID,
		Type:      types.EntryCompleted,
		Data:      entranceData(req.Event),
		Ref:       ref,
		CreatedAt: now,
	}
	appended, err := s.ledger.Append(ctx, nil, entry)
	if errors.Is(err, types.ErrConcurrencyConflict) {
		result.Skipped = SkipDuplicate
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("append entrance: %w", err)
	}

	result.EntranceID = appended.ID
	rc.runID = appended.ID
	s.recordStats(ctx, entrance.ID, now)
	s.logger.Info("user entered journey",
		"journey_id", req.JourneyID,
		"user_id", req.UserID,
		"run_id", appended.ID,
		"entrance", entrance.ID,
	)

	next := s.firstEdge(rc, entrance)
	if next == "" {
		s.endRun(ctx, rc, "entrance has no outgoing edge")
		return result, nil
	}
	return result, s.run(ctx, rc, appended, next)
}

// pickEntrance returns the entrance with id, or the first entrance.
func pickEntrance(g *Graph, id string) (*types.Step, error) {
	if id != "" {
		step := g.Step(id)
		if step == nil || step.Kind != types.StepEntrance {
			return nil, &types.GraphError{JourneyID: g.Journey.ID, StepID: id, Message: "not an entrance step"}
		}
		return step, nil
	}
	entrances := g.Entrances()
	if len(entrances) == 0 {
		return nil, &types.GraphError{JourneyID: g.Journey.ID, Message: "journey has no entrance step"}
	}
	return g.Step(entrances[0].ID), nil
}

// Wake resumes a run whose entry is due. Entries already consumed, not yet
// due, or belonging to ended runs are ignored.
func (s *Scheduler) Wake(ctx context.Context, entry types.Entry) error {
	if !entry.Due(s.now()) {
		return nil
	}
	rc := &runContext{userID: entry.UserID, runID: entry.RunID()}
	release := s.locks.lock(entry.UserID, entry.JourneyID)
	err := s.wakeLocked(ctx, rc, entry.ID)
	release()

	s.runDeferred(ctx, rc)
	return err
}

func (s *Scheduler) wakeLocked(ctx context.Context, rc *runContext, id string) error {
	cur, err := s.ledger.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load entry %s: %w", id, err)
	}
	// Re-check under the lock: another invocation may have advanced it
	if !cur.Due(s.now()) {
		return nil
	}

	g, err := s.graphs.GetGraph(ctx, cur.JourneyID)
	if errors.Is(err, types.ErrJourneyNotFound) {
		s.logger.Warn("journey removed, ending run", "journey_id", cur.JourneyID, "run_id", rc.runID)
		return s.ledger.EndRun(ctx, rc.runID, s.now().UTC())
	}
	if err != nil {
		return fmt.Errorf("load journey %s: %w", cur.JourneyID, err)
	}
	rc.graph = g

	if entrance, err := s.ledger.Get(ctx, rc.runID); err == nil {
		rc.event = eventFromData(entrance.Data)
	}

	step := g.Step(cur.StepID)
	if cur.Type == types.EntryDelay && step != nil {
		next := s.firstEdge(rc, step)
		if next == "" {
			s.endRun(ctx, rc, "delay has no outgoing edge")
			return nil
		}
		return s.run(ctx, rc, *cur, next)
	}
	// pending and error rows execute their own step again
	return s.run(ctx, rc, *cur, cur.StepID)
}

// HandleEvent records a tracked event and enrolls the user into every
// published journey whose event entrance names it.
func (s *Scheduler) HandleEvent(ctx context.Context, userID string, event types.Event) ([]EnrollResult, error) {
	if rec, ok := s.profiles.(EventRecorder); ok {
		if err := rec.RecordEvent(ctx, userID, event); err != nil {
			return nil, fmt.Errorf("record event: %w", err)
		}
		s.rules.Invalidate(userID)
	}

	entrances, err := s.graphs.FindEntrances(ctx, types.TriggerEvent, event.Name)
	if err != nil {
		return nil, err
	}
	return s.enrollAll(ctx, entrances, userID, &event)
}

// EnrollList enrolls a user who joined listID into every published journey
// whose list entrance names it.
func (s *Scheduler) EnrollList(ctx context.Context, listID, userID string) ([]EnrollResult, error) {
	entrances, err := s.graphs.FindEntrances(ctx, types.TriggerList, listID)
	if err != nil {
		return nil, err
	}
	return s.enrollAll(ctx, entrances, userID, nil)
}

func (s *Scheduler) enrollAll(ctx context.Context, entrances []types.Step, userID string, event *types.Event) ([]EnrollResult, error) {
	var (
		results []EnrollResult
		errs    []error
	)
	for _, entrance := range entrances {
		res, err := s.Enroll(ctx, EnrollRequest{
			JourneyID:      entrance.JourneyID,
			UserID:         userID,
			EntranceStepID: entrance.ID,
			Event:          event,
		})
		if err != nil {
			s.logger.Warn("enrollment failed",
				"journey_id", entrance.JourneyID,
				"user_id", userID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("journey %s: %w", entrance.JourneyID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Cancel ends the run containing entryID (usually the run id itself).
func (s *Scheduler) Cancel(ctx context.Context, entryID string) error {
	e, err := s.ledger.Get(ctx, entryID)
	if err != nil {
		return err
	}
	release := s.locks.lock(e.UserID, e.JourneyID)
	defer release()
	s.logger.Info("run cancelled", "journey_id", e.JourneyID, "user_id", e.UserID, "run_id", e.RunID())
	return s.ledger.EndRun(ctx, e.RunID(), s.now().UTC())
}

// CancelActive ends the user's active run of journeyID, if any.
func (s *Scheduler) CancelActive(ctx context.Context, userID, journeyID string) (bool, error) {
	release := s.locks.lock(userID, journeyID)
	defer release()
	active, err := s.ledger.LatestActive(ctx, userID, journeyID)
	if err != nil || active == nil {
		return false, err
	}
	s.logger.Info("run cancelled", "journey_id", journeyID, "user_id", userID, "run_id", active.RunID())
	return true, s.ledger.EndRun(ctx, active.RunID(), s.now().UTC())
}

// run executes steps from stepID onwards, cur being the row that precedes it,
// until the run suspends, ends, or loses a race.
func (s *Scheduler) run(ctx context.Context, rc *runContext, cur types.Entry, stepID string) error {
	for steps := 0; ; steps++ {
		if steps >= s.opts.MaxStepsPerPass {
			return s.fail(ctx, rc, stepID, cur, &types.GraphError{
				JourneyID: rc.journeyID(),
				StepID:    stepID,
				Message:   fmt.Sprintf("more than %d transitions in one pass", s.opts.MaxStepsPerPass),
			})
		}
		step := rc.graph.Step(stepID)
		if step == nil {
			return s.fail(ctx, rc, stepID, cur, &types.GraphError{
				JourneyID: rc.journeyID(),
				StepID:    stepID,
				Message:   "step not found",
			})
		}

		next, nextStep, cont, err := s.advance(ctx, rc, step, cur)
		if err != nil || !cont {
			return err
		}
		cur, stepID = next, nextStep
	}
}

// advance executes one step and appends its row. It reports the appended row
// and the next step when the run should continue in this pass.
func (s *Scheduler) advance(ctx context.Context, rc *runContext, step *types.Step, cur types.Entry) (types.Entry, string, bool, error) {
	ctx, span := s.tracer.Start(ctx, "journey.step", trace.WithAttributes(
		attribute.String("journey.id", rc.journeyID()),
		attribute.String("journey.run_id", rc.runID),
		attribute.String("journey.step_id", step.ID),
		attribute.String("journey.step_kind", string(step.Kind)),
	))
	defer span.End()

	out, err := s.execute(ctx, rc, step, cur)
	if err != nil {
		span.RecordError(err)
		return types.Entry{}, "", false, s.fail(ctx, rc, step.ID, cur, err)
	}

	var data json.RawMessage
	if len(out.data) > 0 {
		if data, err = json.Marshal(out.data); err != nil {
			return types.Entry{}, "", false, s.fail(ctx, rc, step.ID, cur, err)
		}
	}
	appended, err := s.ledger.Append(ctx, &cur, s.draft(rc, step.ID, cur, out.entryType, data, out.delayUntil))
	if err != nil {
		if errors.Is(err, types.ErrConcurrencyConflict) || errors.Is(err, types.ErrRunEnded) {
			s.logger.Debug("discarding superseded step execution",
				"run_id", rc.runID,
				"step_id", step.ID,
				"reason", err,
			)
			return types.Entry{}, "", false, nil
		}
		span.RecordError(err)
		return types.Entry{}, "", false, fmt.Errorf("append step %s: %w", step.ID, err)
	}

	if out.entryType != types.EntryPending {
		s.recordStats(ctx, step.ID, appended.CreatedAt)
	}
	if out.effect != nil {
		if err := out.effect(ctx, appended); err != nil {
			s.logger.Warn("step side effect failed",
				"run_id", rc.runID,
				"step_id", step.ID,
				"kind", step.Kind,
				"error", err,
			)
		}
	}

	switch {
	case out.end:
		s.endRun(ctx, rc, string(step.Kind))
		return appended, "", false, nil
	case out.delayUntil != nil:
		return appended, "", false, nil
	case out.next == "":
		s.endRun(ctx, rc, "end of graph")
		return appended, "", false, nil
	}
	return appended, out.next, true, nil
}

// fail records a failed attempt at stepID. The step is retried with
// exponential backoff until MaxStepRetries, then the run is force-ended.
func (s *Scheduler) fail(ctx context.Context, rc *runContext, stepID string, cur types.Entry, cause error) error {
	attempt := 1
	if cur.Type == types.EntryError && cur.StepID == stepID {
		var prev types.ErrorRecord
		if err := json.Unmarshal(cur.Data, &prev); err == nil {
			attempt = prev.Attempt + 1
		}
	}

	record := types.ErrorRecord{Error: cause.Error(), Attempt: attempt}
	var until *time.Time
	if attempt >= s.opts.MaxStepRetries {
		record.ForcedEnd = true
	} else {
		t := s.now().UTC().Add(s.backoff(attempt))
		until = &t
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	_, err = s.ledger.Append(ctx, &cur, s.draft(rc, stepID, cur, types.EntryError, data, until))
	if errors.Is(err, types.ErrConcurrencyConflict) || errors.Is(err, types.ErrRunEnded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("append error row for step %s: %w", stepID, err)
	}

	if record.ForcedEnd {
		s.logger.Error("run force-ended after repeated step failures",
			"journey_id", rc.journeyID(),
			"user_id", rc.userID,
			"run_id", rc.runID,
			"step_id", stepID,
			"attempt", attempt,
			"error", cause,
		)
		s.endRun(ctx, rc, "forced end")
		return nil
	}
	s.logger.Warn("step failed, will retry",
		"journey_id", rc.journeyID(),
		"run_id", rc.runID,
		"step_id", stepID,
		"attempt", attempt,
		"retry_at", *until,
		"error", cause,
	)
	return nil
}

// backoff returns RetryBackoff * 2^(attempt-1), capped at RetryMaxDelay.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.opts.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.opts.RetryMaxDelay {
			return s.opts.RetryMaxDelay
		}
	}
	return min(d, s.opts.RetryMaxDelay)
}

func (s *Scheduler) draft(rc *runContext, stepID string, cur types.Entry, typ types.EntryType, data json.RawMessage, until *time.Time) types.Entry {
	return types.Entry{
		ID:         types.NewID(),
		UserID:     rc.userID,
		JourneyID:  rc.journeyID(),
		StepID:     stepID,
		EntranceID: rc.runID,
		Type:       typ,
		Data:       data,
		Ref:        cur.ID,
		DelayUntil: until,
		CreatedAt:  s.now().UTC(),
	}
}

func (s *Scheduler) endRun(ctx context.Context, rc *runContext, reason string) {
	if err := s.ledger.EndRun(ctx, rc.runID, s.now().UTC()); err != nil {
		s.logger.Error("end run", "run_id", rc.runID, "error", err)
		return
	}
	s.logger.Info("run ended",
		"journey_id", rc.journeyID(),
		"user_id", rc.userID,
		"run_id", rc.runID,
		"reason", reason,
	)
}

func (s *Scheduler) recordStats(ctx context.Context, stepID string, at time.Time) {
	if err := s.graphs.RecordStats(ctx, stepID, 1, at); err != nil {
		s.logger.Warn("record step stats", "step_id", stepID, "error", err)
	}
}

// userData loads the user's profile once per invocation.
func (s *Scheduler) userData(ctx context.Context, rc *runContext) (types.UserData, error) {
	if rc.data == nil {
		data, err := s.profiles.GetUserData(ctx, rc.userID)
		if err != nil {
			return types.UserData{}, fmt.Errorf("load user %s: %w", rc.userID, err)
		}
		rc.data = &data
	}
	return *rc.data, nil
}

// runDeferred starts link enrollments collected while the run lock was held.
func (s *Scheduler) runDeferred(ctx context.Context, rc *runContext) {
	for _, req := range rc.deferred {
		if rc.hops >= maxLinkHops {
			s.logger.Error("link chain too long, not enrolling",
				"journey_id", req.JourneyID,
				"user_id", req.UserID,
				"hops", rc.hops,
			)
			continue
		}
		res, err := s.enroll(ctx, req, rc.hops+1)
		if err != nil {
			s.logger.Warn("link enrollment failed",
				"journey_id", req.JourneyID,
				"user_id", req.UserID,
				"error", err,
			)
			continue
		}
		if res.Skipped != "" {
			s.logger.Info("link enrollment skipped",
				"journey_id", req.JourneyID,
				"user_id", req.UserID,
				"reason", res.Skipped,
			)
		}
	}
	rc.deferred = nil
}

// EventRecorder is implemented by profile stores that keep recent events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, userID string, event types.Event) error
}

// entranceData snapshots the triggering event into the entrance row so later
// wakes evaluate event rules against it.
func entranceData(ev *types.Event) json.RawMessage {
	if ev == nil {
		return nil
	}
	b, err := json.Marshal(map[string]any{"event": ev})
	if err != nil {
		return nil
	}
	return b
}

func eventFromData(data json.RawMessage) *types.Event {
	if len(data) == 0 {
		return nil
	}
	var wrapper struct {
		Event *types.Event `json:"event"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil
	}
	return wrapper.Event
}
