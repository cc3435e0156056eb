// Package journey implements the journey execution engine: the graph arena,
// the ledger and collaborator contracts, and the scheduler that drives a
// user's run from step to step.
//
// The scheduler owns no state of its own. Every transition is an append to
// the Ledger; suspension is a ledger row with a future DelayUntil that the
// wake poller hands back to Wake once due.
package journey

import (
	"context"
	"time"

	"github.com/solatis/waypoint/internal/types"
)

// GraphStore holds published journey graphs.
type GraphStore interface {
	// GetGraph returns the graph of journeyID, or types.ErrJourneyNotFound.
	GetGraph(ctx context.Context, journeyID string) (*Graph, error)

	// RecordStats adds delta to the traversal count of stepID.
	RecordStats(ctx context.Context, stepID string, delta int64, at time.Time) error

	// EntranceSteps returns the entrance steps of journeyID.
	EntranceSteps(ctx context.Context, journeyID string) ([]types.Step, error)

	// FindEntrances returns entrance steps of published journeys whose
	// trigger matches: the event name for TriggerEvent, the list id for TriggerList.
	FindEntrances(ctx context.Context, trigger types.EntranceTrigger, key string) ([]types.Step, error)

	// PublishGraph replaces the stored graph of g.Journey.
	PublishGraph(ctx context.Context, g *Graph) error
}

// Ledger is the per-user step log. Append is the only write on the forward
// path; EndRun is the only other mutation.
type Ledger interface {
	// Append inserts next as the successor of prev (nil for an entrance row).
	// Atomically: fails with types.ErrRunEnded if prev's run has ended, clears
	// prev's DelayUntil, and rejects a second successor of prev (or a second
	// entrance row with the same ref) with types.ErrConcurrencyConflict.
	Append(ctx context.Context, prev *types.Entry, next types.Entry) (types.Entry, error)

	// Get returns the entry with id, or types.ErrEntryNotFound.
	Get(ctx context.Context, id string) (*types.Entry, error)

	// LatestActive returns the newest open entry of the user's journey, or nil.
	LatestActive(ctx context.Context, userID, journeyID string) (*types.Entry, error)

	// LastRun returns the newest entrance row of the user's journey, ended or
	// not, or nil if the user never entered.
	LastRun(ctx context.Context, userID, journeyID string) (*types.Entry, error)

	// RunEntries returns every entry of a run, oldest first.
	RunEntries(ctx context.Context, entranceID string) ([]types.Entry, error)

	// DueForWake returns up to limit open entries with DelayUntil <= now, oldest first.
	DueForWake(ctx context.Context, now time.Time, limit int) ([]types.Entry, error)

	// EndRun sets EndedAt on every open entry of the run.
	EndRun(ctx context.Context, entranceID string, at time.Time) error
}

// Counter is an atomically incrementing counter store with expiry, used by
// balancer steps shared across workers.
type Counter interface {
	// Increment adds one to key and returns the new value. A key unused for
	// ttl may be discarded and start again from zero.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// SendRequest is what an action step hands to Delivery.
type SendRequest struct {
	CampaignID string
	UserID     string
	JourneyID  string
	EntryID    string // idempotency reference
}

// Delivery accepts send requests. Delivery owns retries; the scheduler only
// logs a failed hand-off.
type Delivery interface {
	Send(ctx context.Context, req SendRequest) error
}

// Profiles is the user profile store.
type Profiles interface {
	GetUserData(ctx context.Context, userID string) (types.UserData, error)
	MergeProfile(ctx context.Context, userID string, patch map[string]any) error
}

// Renderer renders a text template against a context map.
type Renderer interface {
	Render(template string, data map[string]any) (string, error)
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time
