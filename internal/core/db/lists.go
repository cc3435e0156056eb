package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/solatis/waypoint/internal/lists"
)

// ListStore is the SQL lists.Store over lists and list_members.
type ListStore struct {
	*Store
}

var _ lists.Store = (*ListStore)(nil)

// NewListStore returns a list store backed by s.
func NewListStore(s *Store) *ListStore {
	return &ListStore{Store: s}
}

type listRow struct {
	ID   string         `db:"id"`
	Name string         `db:"name"`
	Rule sql.NullString `db:"rule"`
}

func (r listRow) list() (lists.List, error) {
	l := lists.List{ID: r.ID, Name: r.Name}
	if r.Rule.Valid {
		if err := json.Unmarshal([]byte(r.Rule.String), &l.Rule); err != nil {
			return l, fmt.Errorf("decode rule of list %s: %w", r.ID, err)
		}
	}
	return l, nil
}

// PutList creates or replaces a list definition.
func (s *ListStore) PutList(ctx context.Context, l lists.List) error {
	rule, err := json.Marshal(l.Rule)
	if err != nil {
		return fmt.Errorf("encode rule of list %s: %w", l.ID, err)
	}
	if _, err := s.q.Exec(ctx, s.db, "list-upsert", l.ID, l.Name, string(rule), time.Now().UTC()); err != nil {
		return fmt.Errorf("store list %s: %w", l.ID, err)
	}
	return nil
}

func (s *ListStore) DynamicLists(ctx context.Context) ([]lists.List, error) {
	var rows []listRow
	if err := s.q.Select(ctx, s.db, &rows, "lists-dynamic"); err != nil {
		return nil, fmt.Errorf("load lists: %w", err)
	}
	out := make([]lists.List, 0, len(rows))
	for _, r := range rows {
		l, err := r.list()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *ListStore) GetList(ctx context.Context, id string) (*lists.List, error) {
	var row listRow
	if err := s.q.Get(ctx, s.db, &row, "list-get", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, lists.ErrListNotFound
		}
		return nil, fmt.Errorf("get list %s: %w", id, err)
	}
	l, err := row.list()
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *ListStore) Join(ctx context.Context, listID, userID string, at time.Time) (bool, error) {
	res, err := s.q.Exec(ctx, s.db, "list-join", listID, userID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("join %s to list %s: %w", userID, listID, err)
	}
	return affected(res) > 0, nil
}

func (s *ListStore) Leave(ctx context.Context, listID, userID string) (bool, error) {
	res, err := s.q.Exec(ctx, s.db, "list-leave", listID, userID)
	if err != nil {
		return false, fmt.Errorf("remove %s from list %s: %w", userID, listID, err)
	}
	return affected(res) > 0, nil
}

// Members returns the sorted member ids of listID.
func (s *ListStore) Members(ctx context.Context, listID string) ([]string, error) {
	var out []string
	if err := s.q.Select(ctx, s.db, &out, "list-members", listID); err != nil {
		return nil, fmt.Errorf("load members of %s: %w", listID, err)
	}
	return out, nil
}
