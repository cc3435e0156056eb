package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/solatis/waypoint/internal/journey"
	"github.com/solatis/waypoint/internal/types"
)

// Ledger is the SQL journey.Ledger over journey_user_steps.
//
// Append runs in one transaction: it touches the run's entrance row (so
// EndRun and concurrent appends on the run serialize), clears the
// predecessor's delay, and inserts with ON CONFLICT DO NOTHING on the
// (user, journey, ref) key. Zero affected rows at either step means another
// worker advanced the run first.
type Ledger struct {
	*Store
}

var _ journey.Ledger = (*Ledger)(nil)

// NewLedger returns a ledger backed by s.
func NewLedger(s *Store) *Ledger {
	return &Ledger{Store: s}
}

type entryRow struct {
	ID         string         `db:"id"`
	UserID     string         `db:"user_id"`
	JourneyID  string         `db:"journey_id"`
	StepID     string         `db:"step_id"`
	EntranceID sql.NullString `db:"entrance_id"`
	Type       string         `db:"type"`
	Data       sql.NullString `db:"data"`
	Ref        string         `db:"ref"`
	DelayUntil sql.NullTime   `db:"delay_until"`
	CreatedAt  time.Time      `db:"created_at"`
	EndedAt    sql.NullTime   `db:"ended_at"`
}

func (r entryRow) entry() types.Entry {
	e := types.Entry{
		ID:         r.ID,
		UserID:     r.UserID,
		JourneyID:  r.JourneyID,
		StepID:     r.StepID,
		EntranceID: r.EntranceID.String,
		Type:       types.EntryType(r.Type),
		Ref:        r.Ref,
		DelayUntil: nullTime(r.DelayUntil),
		CreatedAt:  r.CreatedAt.UTC(),
		EndedAt:    nullTime(r.EndedAt),
	}
	if r.Data.Valid {
		e.Data = json.RawMessage(r.Data.String)
	}
	return e
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(data json.RawMessage) sql.NullString {
	return sql.NullString{String: string(data), Valid: len(data) > 0}
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (l *Ledger) Append(ctx context.Context, prev *types.Entry, next types.Entry) (types.Entry, error) {
	if next.ID == "" {
		next.ID = types.NewID()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now()
	}
	next.CreatedAt = next.CreatedAt.UTC()
	if next.Ref == "" {
		return types.Entry{}, fmt.Errorf("append %s: empty ref", next.ID)
	}

	err := l.inTx(ctx, func(tx *sqlx.Tx) error {
		if prev != nil {
			if err := l.lockRun(ctx, tx, prev.RunID()); err != nil {
				return err
			}
			res, err := l.q.Exec(ctx, tx, "ledger-clear-delay", prev.ID)
			if err != nil {
				return fmt.Errorf("clear delay of %s: %w", prev.ID, err)
			}
			if prev.DelayUntil != nil && affected(res) == 0 {
				return types.ErrConcurrencyConflict
			}
		}

		res, err := l.q.Exec(ctx, tx, "ledger-insert",
			next.ID, next.UserID, next.JourneyID, next.StepID, nullString(next.EntranceID),
			string(next.Type), nullJSON(next.Data), next.Ref, timeArg(next.DelayUntil), next.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert entry %s: %w", next.ID, err)
		}
		if affected(res) == 0 {
			return types.ErrConcurrencyConflict
		}
		return nil
	})
	if err != nil {
		return types.Entry{}, err
	}
	return next, nil
}

// lockRun takes the row lock on the entrance row of runID, or reports why
// the run cannot be appended to.
func (l *Ledger) lockRun(ctx context.Context, tx *sqlx.Tx, runID string) error {
	res, err := l.q.Exec(ctx, tx, "ledger-lock-run", runID)
	if err != nil {
		return fmt.Errorf("lock run %s: %w", runID, err)
	}
	if affected(res) > 0 {
		return nil
	}
	var endedAt sql.NullTime
	if err := l.q.Get(ctx, tx, &endedAt, "ledger-run-state", runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrEntryNotFound
		}
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	return types.ErrRunEnded
}

func (l *Ledger) Get(ctx context.Context, id string) (*types.Entry, error) {
	var row entryRow
	if err := l.q.Get(ctx, l.db, &row, "ledger-get", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	e := row.entry()
	return &e, nil
}

func (l *Ledger) LatestActive(ctx context.Context, userID, journeyID string) (*types.Entry, error) {
	return l.one(ctx, "ledger-latest-active", userID, journeyID)
}

func (l *Ledger) LastRun(ctx context.Context, userID, journeyID string) (*types.Entry, error) {
	return l.one(ctx, "ledger-last-run", userID, journeyID)
}

// one runs a query returning at most one entry; no row yields nil.
func (l *Ledger) one(ctx context.Context, name string, args ...any) (*types.Entry, error) {
	var row entryRow
	if err := l.q.Get(ctx, l.db, &row, name, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	e := row.entry()
	return &e, nil
}

func (l *Ledger) RunEntries(ctx context.Context, entranceID string) ([]types.Entry, error) {
	return l.many(ctx, "ledger-run-entries", entranceID, entranceID)
}

func (l *Ledger) DueForWake(ctx context.Context, now time.Time, limit int) ([]types.Entry, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	return l.many(ctx, "ledger-due", now.UTC(), limit)
}

func (l *Ledger) many(ctx context.Context, name string, args ...any) ([]types.Entry, error) {
	var rows []entryRow
	if err := l.q.Select(ctx, l.db, &rows, name, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	out := make([]types.Entry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}

func (l *Ledger) EndRun(ctx context.Context, entranceID string, at time.Time) error {
	return l.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := l.q.Exec(ctx, tx, "ledger-end-run", at.UTC(), entranceID, entranceID)
		if err != nil {
			return fmt.Errorf("end run %s: %w", entranceID, err)
		}
		if affected(res) > 0 {
			return nil
		}
		var endedAt sql.NullTime
		if err := l.q.Get(ctx, tx, &endedAt, "ledger-run-state", entranceID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return types.ErrEntryNotFound
			}
			return fmt.Errorf("load run %s: %w", entranceID, err)
		}
		return nil
	})
}
