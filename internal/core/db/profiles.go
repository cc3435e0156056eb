package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/solatis/waypoint/internal/journey"
	"github.com/solatis/waypoint/internal/types"
)

// RecentEventLimit bounds the events loaded into a rule subject.
const RecentEventLimit = 50

// Profiles is the SQL user profile store over users and user_events.
type Profiles struct {
	*Store
}

var (
	_ journey.Profiles      = (*Profiles)(nil)
	_ journey.EventRecorder = (*Profiles)(nil)
)

// NewProfiles returns a profile store backed by s.
func NewProfiles(s *Store) *Profiles {
	return &Profiles{Store: s}
}

type eventRow struct {
	Name      string         `db:"name"`
	Data      sql.NullString `db:"data"`
	CreatedAt time.Time      `db:"created_at"`
}

// GetUserData returns the profile and recent events of userID, newest event
// first. An unknown user has an empty profile.
func (p *Profiles) GetUserData(ctx context.Context, userID string) (types.UserData, error) {
	user, err := p.loadUser(ctx, p.db, userID)
	if err != nil {
		return types.UserData{}, err
	}

	var rows []eventRow
	if err := p.q.Select(ctx, p.db, &rows, "user-recent-events", userID, RecentEventLimit); err != nil {
		return types.UserData{}, fmt.Errorf("load events of %s: %w", userID, err)
	}
	events := make([]types.Event, 0, len(rows))
	for _, r := range rows {
		ev := types.Event{Name: r.Name, CreatedAt: r.CreatedAt.UTC()}
		if r.Data.Valid {
			if err := json.Unmarshal([]byte(r.Data.String), &ev.Data); err != nil {
				return types.UserData{}, fmt.Errorf("decode event of %s: %w", userID, err)
			}
		}
		events = append(events, ev)
	}
	return types.UserData{User: user, RecentEvents: events}, nil
}

func (p *Profiles) loadUser(ctx context.Context, qr sqlx.QueryerContext, userID string) (map[string]any, error) {
	var data string
	if err := p.q.Get(ctx, qr, &data, "user-get", userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	user := map[string]any{}
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", userID, err)
	}
	if user == nil {
		user = map[string]any{}
	}
	return user, nil
}

// MergeProfile shallow-merges patch into the profile of userID, creating the
// user if needed. The read and write share a transaction holding the row lock.
func (p *Profiles) MergeProfile(ctx context.Context, userID string, patch map[string]any) error {
	now := time.Now().UTC()
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := p.q.Exec(ctx, tx, "user-ensure", userID, now); err != nil {
			return fmt.Errorf("ensure user %s: %w", userID, err)
		}
		if _, err := p.q.Exec(ctx, tx, "user-touch", now, userID); err != nil {
			return fmt.Errorf("lock user %s: %w", userID, err)
		}
		user, err := p.loadUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		maps.Copy(user, patch)
		return p.putUser(ctx, tx, userID, user, now)
	})
}

// PutUser replaces the profile of userID.
func (p *Profiles) PutUser(ctx context.Context, userID string, user map[string]any) error {
	return p.putUser(ctx, p.db, userID, user, time.Now().UTC())
}

func (p *Profiles) putUser(ctx context.Context, ext sqlx.ExecerContext, userID string, user map[string]any, at time.Time) error {
	if user == nil {
		user = map[string]any{}
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user %s: %w", userID, err)
	}
	if _, err := p.q.Exec(ctx, ext, "user-put", userID, string(data), at); err != nil {
		return fmt.Errorf("store user %s: %w", userID, err)
	}
	return nil
}

// RecordEvent appends ev to the event history of userID.
func (p *Profiles) RecordEvent(ctx context.Context, userID string, ev types.Event) error {
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	var data sql.NullString
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.Name, err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	if _, err := p.q.Exec(ctx, p.db, "user-event-insert", userID, ev.Name, data, at.UTC()); err != nil {
		return fmt.Errorf("record event %s of %s: %w", ev.Name, userID, err)
	}
	return nil
}
