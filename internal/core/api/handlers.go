package api

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/waypoint/internal/journey"
	"github.com/solatis/waypoint/internal/types"
)

// EnrollRequest starts a run of an api-triggered journey.
type EnrollRequest struct {
	JourneyID      string       `json:"journey_id"`
	UserID         string       `json:"user_id"`
	EntranceStepID string       `json:"entrance_step_id,omitempty"`
	Reference      string       `json:"reference,omitempty"`
	Event          *types.Event `json:"event,omitempty"`
}

// EnrollResult reports one enrollment.
type EnrollResult struct {
	JourneyID  string `json:"journey_id"`
	EntranceID string `json:"entrance_id,omitempty"`
	Skipped    string `json:"skipped,omitempty"`
}

// HandleEventRequest reports a tracked event for a user.
type HandleEventRequest struct {
	UserID string      `json:"user_id"`
	Event  types.Event `json:"event"`
}

// HandleEventResponse lists the enrollments the event caused. Errors holds
// per-journey failures; the other journeys still enrolled.
type HandleEventResponse struct {
	Results []EnrollResult `json:"results"`
	Errors  []string       `json:"errors,omitempty"`
}

// CancelRequest names a run by any of its entries, or by user and journey.
type CancelRequest struct {
	EntryID   string `json:"entry_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	JourneyID string `json:"journey_id,omitempty"`
}

// CancelResponse reports whether a run was ended.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// EvaluateRuleRequest evaluates a rule against an explicit subject, or
// against the stored profile of UserID when User is absent.
type EvaluateRuleRequest struct {
	Rule   types.Rule     `json:"rule"`
	UserID string         `json:"user_id,omitempty"`
	User   map[string]any `json:"user,omitempty"`
	Event  *types.Event   `json:"event,omitempty"`
	Events []types.Event  `json:"events,omitempty"`
}

// EvaluateRuleResponse carries the rule outcome.
type EvaluateRuleResponse struct {
	Matched bool `json:"matched"`
}

// UpdateProfileRequest merges Patch into a user's profile.
type UpdateProfileRequest struct {
	UserID string         `json:"user_id"`
	Patch  map[string]any `json:"patch"`
}

// ListChange is one dynamic list transition caused by an update.
type ListChange struct {
	ListID string `json:"list_id"`
	Joined bool   `json:"joined"`
}

// UpdateProfileResponse lists the membership changes the update caused.
type UpdateProfileResponse struct {
	Lists []ListChange `json:"lists"`
}

func fromResult(r journey.EnrollResult) EnrollResult {
	return EnrollResult{JourneyID: r.JourneyID, EntranceID: r.EntranceID, Skipped: r.Skipped}
}

// Enroll starts a run, subject to the entrance's repeat and concurrency policy.
func (s *EngineService) Enroll(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EnrollRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.JourneyID == "" || req.UserID == "" {
		return nil, invalidArgument("journey_id and user_id required")
	}
	s.stamp(req.Event)

	res, err := s.scheduler.Enroll(ctx, journey.EnrollRequest{
		JourneyID:      req.JourneyID,
		UserID:         req.UserID,
		EntranceStepID: req.EntranceStepID,
		Event:          req.Event,
		Reference:      req.Reference,
	})
	if err != nil {
		s.logger.Warn("enroll failed", "journey_id", req.JourneyID, "user_id", req.UserID, "error", err)
		return nil, toStatus(err)
	}
	return encode(fromResult(res))
}

// HandleEvent records the event, enrolls the user into event-triggered
// journeys and re-evaluates dynamic lists.
func (s *EngineService) HandleEvent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req HandleEventRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" || req.Event.Name == "" {
		return nil, invalidArgument("user_id and event.name required")
	}
	s.stamp(&req.Event)

	results, err := s.scheduler.HandleEvent(ctx, req.UserID, req.Event)
	if err != nil && len(results) == 0 && !isJoined(err) {
		return nil, toStatus(err)
	}

	resp := HandleEventResponse{Results: make([]EnrollResult, 0, len(results))}
	for _, r := range results {
		resp.Results = append(resp.Results, fromResult(r))
	}
	resp.Errors = append(resp.Errors, errorStrings(err)...)

	if s.lists != nil {
		if _, err := s.lists.Sync(ctx, req.UserID); err != nil {
			s.logger.Warn("list sync failed", "user_id", req.UserID, "error", err)
			resp.Errors = append(resp.Errors, errorStrings(err)...)
		}
	}
	return encode(resp)
}

// Cancel ends a run.
func (s *EngineService) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CancelRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	switch {
	case req.EntryID != "":
		if err := s.scheduler.Cancel(ctx, req.EntryID); err != nil {
			return nil, toStatus(err)
		}
		return encode(CancelResponse{Cancelled: true})
	case req.UserID != "" && req.JourneyID != "":
		ok, err := s.scheduler.CancelActive(ctx, req.UserID, req.JourneyID)
		if err != nil {
			return nil, toStatus(err)
		}
		return encode(CancelResponse{Cancelled: ok})
	default:
		return nil, invalidArgument("entry_id or user_id and journey_id required")
	}
}

// EvaluateRule evaluates a rule without touching any run.
func (s *EngineService) EvaluateRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EvaluateRuleRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	subject := types.Subject{User: req.User, Event: req.Event, Events: req.Events}
	if req.User == nil && req.UserID != "" {
		data, err := s.profiles.GetUserData(ctx, req.UserID)
		if err != nil {
			return nil, toStatus(err)
		}
		subject = data.Subject(req.Event)
		if req.Events != nil {
			subject.Events = req.Events
		}
	}

	matched, err := s.rules.Evaluate(subject, req.Rule)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(EvaluateRuleResponse{Matched: matched})
}

// UpdateProfile merges a patch into the user's profile and re-evaluates
// dynamic lists, enrolling the user into journeys of lists they joined.
func (s *EngineService) UpdateProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req UpdateProfileRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, invalidArgument("user_id required")
	}

	if err := s.profiles.MergeProfile(ctx, req.UserID, req.Patch); err != nil {
		return nil, toStatus(err)
	}
	s.rules.Invalidate(req.UserID)

	resp := UpdateProfileResponse{Lists: []ListChange{}}
	if s.lists != nil {
		changes, err := s.lists.Sync(ctx, req.UserID)
		if err != nil {
			if len(changes) == 0 {
				return nil, toStatus(err)
			}
			s.logger.Warn("list sync incomplete", "user_id", req.UserID, "error", err)
		}
		for _, c := range changes {
			resp.Lists = append(resp.Lists, ListChange{ListID: c.ListID, Joined: c.Joined})
		}
	}
	return encode(resp)
}

// stamp sets the receive time on events sent without one.
func (s *EngineService) stamp(ev *types.Event) {
	if ev != nil && ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
}

// isJoined reports whether err aggregates per-journey failures rather than
// a failure to look up entrances.
func isJoined(err error) bool {
	_, ok := err.(interface{ Unwrap() []error })
	return ok
}

func errorStrings(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
