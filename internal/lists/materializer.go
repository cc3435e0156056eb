// Package lists keeps dynamic list membership in step with list rules.
//
// A dynamic list is defined by a root wrapper rule. Membership is derived:
// whenever a user's profile or events change, Sync re-evaluates every dynamic
// list for that user and records joins and leaves. Users who join a list are
// enrolled into the journeys whose entrance is triggered by that list.
package lists

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/solatis/waypoint/internal/journey"
	"github.com/solatis/waypoint/internal/rules"
	"github.com/solatis/waypoint/internal/types"
)

// List is a dynamic list and its membership rule.
type List struct {
	ID   string     `json:"id" db:"id"`
	Name string     `json:"name" db:"name"`
	Rule types.Rule `json:"rule" db:"-"`
}

// Store persists list definitions and membership.
type Store interface {
	// DynamicLists returns every list with a membership rule.
	DynamicLists(ctx context.Context) ([]List, error)

	// GetList returns the list with id.
	GetList(ctx context.Context, id string) (*List, error)

	// Join adds userID to listID and reports whether it was not a member.
	Join(ctx context.Context, listID, userID string, at time.Time) (bool, error)

	// Leave removes userID from listID and reports whether it was a member.
	Leave(ctx context.Context, listID, userID string) (bool, error)
}

// Enroller starts list-triggered journeys; *journey.Scheduler implements it.
type Enroller interface {
	EnrollList(ctx context.Context, listID, userID string) ([]journey.EnrollResult, error)
}

// ErrListNotFound indicates no list exists with the given id.
var ErrListNotFound = errors.New("list not found")

// Matches reports whether subject satisfies a list's root rule. The root of a
// list rule must be a wrapper.
func Matches(subject types.Subject, root types.Rule) (bool, error) {
	if root.Type != types.RuleWrapper {
		return false, &types.RuleEvalError{Rule: root, Message: "list rule root must be a wrapper"}
	}
	return rules.Evaluate(subject, root)
}

// Change is one membership transition.
type Change struct {
	ListID string
	UserID string
	Joined bool
}

// Materializer evaluates list rules and applies membership changes.
type Materializer struct {
	store    Store
	profiles journey.Profiles
	rules    *rules.Engine
	enroller Enroller
	logger   *slog.Logger
	now      journey.Clock
}

// NewMaterializer creates a materializer. enroller may be nil, in which case
// joins do not start journeys.
func NewMaterializer(store Store, profiles journey.Profiles, engine *rules.Engine, enroller Enroller, logger *slog.Logger) *Materializer {
	if engine == nil {
		engine = rules.NewEngine(rules.DefaultCacheSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		store:    store,
		profiles: profiles,
		rules:    engine,
		enroller: enroller,
		logger:   logger,
		now:      time.Now,
	}
}

// Sync re-evaluates every dynamic list for userID.
func (m *Materializer) Sync(ctx context.Context, userID string) ([]Change, error) {
	lists, err := m.store.DynamicLists(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dynamic lists: %w", err)
	}
	data, err := m.profiles.GetUserData(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	subject := data.Subject(nil)

	var (
		changes []Change
		errs    []error
	)
	for _, l := range lists {
		change, err := m.apply(ctx, l, userID, subject)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if change != nil {
			changes = append(changes, *change)
		}
	}
	return changes, errors.Join(errs...)
}

// Rebuild re-evaluates listID for each of userIDs. A list whose rule does not
// compile is skipped with a warning and yields no changes.
func (m *Materializer) Rebuild(ctx context.Context, listID string, userIDs []string) ([]Change, error) {
	l, err := m.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if _, err := m.rules.Compile(l.Rule); err != nil {
		m.logger.Warn("skipping list with invalid rule", "list_id", listID, "error", err)
		return nil, nil
	}

	var (
		changes []Change
		errs    []error
	)
	for _, userID := range userIDs {
		data, err := m.profiles.GetUserData(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load user %s: %w", userID, err))
			continue
		}
		change, err := m.apply(ctx, *l, userID, data.Subject(nil))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if change != nil {
			changes = append(changes, *change)
		}
	}
	m.logger.Info("list rebuilt", "list_id", listID, "users", len(userIDs), "changes", len(changes))
	return changes, errors.Join(errs...)
}

// apply evaluates one list for one user and records the transition, if any.
// An invalid rule is logged and skipped, never an error.
func (m *Materializer) apply(ctx context.Context, l List, userID string, subject types.Subject) (*Change, error) {
	if l.Rule.Type != types.RuleWrapper {
		m.logger.Warn("skipping list whose rule root is not a wrapper", "list_id", l.ID)
		return nil, nil
	}
	member, err := m.rules.EvaluateFor(userID, subject, l.Rule)
	if err != nil {
		m.logger.Warn("skipping list with invalid rule", "list_id", l.ID, "error", err)
		return nil, nil
	}

	if !member {
		left, err := m.store.Leave(ctx, l.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("leave list %s: %w", l.ID, err)
		}
		if !left {
			return nil, nil
		}
		m.logger.Info("user left list", "list_id", l.ID, "user_id", userID)
		return &Change{ListID: l.ID, UserID: userID}, nil
	}

	joined, err := m.store.Join(ctx, l.ID, userID, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("join list %s: %w", l.ID, err)
	}
	if !joined {
		return nil, nil
	}
	m.logger.Info("user joined list", "list_id", l.ID, "user_id", userID)

	if m.enroller != nil {
		if _, err := m.enroller.EnrollList(ctx, l.ID, userID); err != nil {
			// membership stands; the journeys report their own failures
			m.logger.Warn("list enrollment failed", "list_id", l.ID, "user_id", userID, "error", err)
		}
	}
	return &Change{ListID: l.ID, UserID: userID, Joined: true}, nil
}
