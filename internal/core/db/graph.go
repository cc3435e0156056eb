package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/solatis/waypoint/internal/journey"
	"github.com/solatis/waypoint/internal/types"
)

// GraphStore is the SQL journey.GraphStore over journeys, journey_steps and
// journey_step_children.
type GraphStore struct {
	*Store
}

var _ journey.GraphStore = (*GraphStore)(nil)

// NewGraphStore returns a graph store backed by s.
func NewGraphStore(s *Store) *GraphStore {
	return &GraphStore{Store: s}
}

type journeyRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Published bool   `db:"published"`
}

type stepRow struct {
	ID        string         `db:"id"`
	JourneyID string         `db:"journey_id"`
	Type      string         `db:"type"`
	Name      string         `db:"name"`
	Data      sql.NullString `db:"data"`
	DataKey   string         `db:"data_key"`
	X         float64        `db:"x"`
	Y         float64        `db:"y"`
	Stats     int64          `db:"stats"`
	StatsAt   sql.NullTime   `db:"stats_at"`
}

func (r stepRow) step() types.Step {
	s := types.Step{
		ID:        r.ID,
		JourneyID: r.JourneyID,
		Kind:      types.StepKind(r.Type),
		Name:      r.Name,
		DataKey:   r.DataKey,
		X:         r.X,
		Y:         r.Y,
		Stats:     r.Stats,
		StatsAt:   nullTime(r.StatsAt),
	}
	if r.Data.Valid {
		s.Data = json.RawMessage(r.Data.String)
	}
	return s
}

type edgeRow struct {
	StepID   string         `db:"step_id"`
	ChildID  string         `db:"child_id"`
	Data     sql.NullString `db:"data"`
	Priority int            `db:"priority"`
}

func (g *GraphStore) GetGraph(ctx context.Context, journeyID string) (*journey.Graph, error) {
	var j journeyRow
	if err := g.q.Get(ctx, g.db, &j, "journey-get", journeyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrJourneyNotFound
		}
		return nil, fmt.Errorf("get journey %s: %w", journeyID, err)
	}

	var steps []stepRow
	if err := g.q.Select(ctx, g.db, &steps, "journey-steps", journeyID); err != nil {
		return nil, fmt.Errorf("load steps of %s: %w", journeyID, err)
	}
	var edges []edgeRow
	if err := g.q.Select(ctx, g.db, &edges, "journey-edges", journeyID); err != nil {
		return nil, fmt.Errorf("load edges of %s: %w", journeyID, err)
	}

	graph := journey.NewGraph(types.Journey{ID: j.ID, Name: j.Name, Published: j.Published})
	for _, r := range steps {
		if err := graph.AddStep(r.step()); err != nil {
			return nil, err
		}
	}
	for _, r := range edges {
		e := types.Edge{StepID: r.StepID, ChildID: r.ChildID, Priority: r.Priority}
		if r.Data.Valid {
			e.Data = json.RawMessage(r.Data.String)
		}
		graph.AddEdge(e)
	}
	return graph, nil
}

func (g *GraphStore) RecordStats(ctx context.Context, stepID string, delta int64, at time.Time) error {
	if _, err := g.q.Exec(ctx, g.db, "step-record-stats", delta, at.UTC(), stepID); err != nil {
		return fmt.Errorf("record stats of %s: %w", stepID, err)
	}
	return nil
}

func (g *GraphStore) EntranceSteps(ctx context.Context, journeyID string) ([]types.Step, error) {
	graph, err := g.GetGraph(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	return graph.Entrances(), nil
}

func (g *GraphStore) FindEntrances(ctx context.Context, trigger types.EntranceTrigger, key string) ([]types.Step, error) {
	var rows []stepRow
	if err := g.q.Select(ctx, g.db, &rows, "entrance-steps-published", true); err != nil {
		return nil, fmt.Errorf("load entrance steps: %w", err)
	}
	var out []types.Step
	for _, r := range rows {
		s := r.step()
		cfg, err := types.DecodeStepConfig(s.Kind, s.Data)
		if err != nil {
			// An undecodable entrance cannot fire; publish rejects these.
			continue
		}
		s.Config = cfg
		if journey.EntranceMatches(s, trigger, key) {
			out = append(out, s)
		}
	}
	return out, nil
}

// PublishGraph validates g and replaces its stored steps and edges. Step
// traversal counts survive a republish.
func (g *GraphStore) PublishGraph(ctx context.Context, graph *journey.Graph) error {
	if err := graph.Validate(); err != nil {
		return err
	}
	j := graph.Journey
	now := time.Now().UTC()

	return g.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := g.q.Exec(ctx, tx, "journey-upsert", j.ID, j.Name, j.Published, now); err != nil {
			return fmt.Errorf("upsert journey %s: %w", j.ID, err)
		}
		if _, err := g.q.Exec(ctx, tx, "step-delete-edges", j.ID); err != nil {
			return fmt.Errorf("delete edges of %s: %w", j.ID, err)
		}

		ids := make([]string, 0, len(graph.Steps))
		for id, s := range graph.Steps {
			data, err := stepData(s)
			if err != nil {
				return err
			}
			if _, err := g.q.Exec(ctx, tx, "step-upsert",
				s.ID, j.ID, string(s.Kind), s.Name, nullJSON(data), s.DataKey, s.X, s.Y,
			); err != nil {
				return fmt.Errorf("upsert step %s: %w", s.ID, err)
			}
			ids = append(ids, id)
		}

		query, args, err := sqlx.In("DELETE FROM journey_steps WHERE journey_id = ? AND id NOT IN (?)", j.ID, ids)
		if err != nil {
			return fmt.Errorf("build stale step delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("delete stale steps of %s: %w", j.ID, err)
		}

		for _, edges := range graph.Children {
			for _, e := range edges {
				if _, err := g.q.Exec(ctx, tx, "step-insert-edge", e.StepID, e.ChildID, nullJSON(e.Data), e.Priority); err != nil {
					return fmt.Errorf("insert edge %s -> %s: %w", e.StepID, e.ChildID, err)
				}
			}
		}
		return nil
	})
}

// stepData returns the stored data of s, encoding Config when the step was
// built in code without raw data.
func stepData(s *types.Step) (json.RawMessage, error) {
	if len(s.Data) > 0 || s.Config == nil {
		return s.Data, nil
	}
	data, err := json.Marshal(s.Config)
	if err != nil {
		return nil, fmt.Errorf("encode step %s: %w", s.ID, err)
	}
	return data, nil
}
