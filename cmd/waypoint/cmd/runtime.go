package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/solatis/waypoint/internal/core/config"
	"github.com/solatis/waypoint/internal/core/db"
	"github.com/solatis/waypoint/internal/journey"
	"github.com/solatis/waypoint/internal/lists"
	"github.com/solatis/waypoint/internal/render"
	"github.com/solatis/waypoint/internal/rules"
)

// engineRuntime wires the SQL stores to the scheduler and list materializer.
type engineRuntime struct {
	store        *db.Store
	graphs       *db.GraphStore
	ledger       *db.Ledger
	counter      *db.Counter
	profiles     *db.Profiles
	lists        *db.ListStore
	rules        *rules.Engine
	scheduler    *journey.Scheduler
	materializer *lists.Materializer
}

func newEngineRuntime(cfg *config.Config, store *db.Store, logger *slog.Logger) (*engineRuntime, error) {
	opts, err := cfg.Engine.Options()
	if err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	rt := &engineRuntime{
		store:    store,
		graphs:   db.NewGraphStore(store),
		ledger:   db.NewLedger(store),
		counter:  db.NewCounter(store, time.Now),
		profiles: db.NewProfiles(store),
		lists:    db.NewListStore(store),
		rules:    rules.NewEngine(cfg.Engine.RuleCacheSize),
	}
	rt.scheduler = journey.NewScheduler(journey.Deps{
		Graphs:   rt.graphs,
		Ledger:   rt.ledger,
		Counter:  rt.counter,
		Delivery: db.NewOutbox(store),
		Profiles: rt.profiles,
		Renderer: render.NewTextRenderer(),
		Rules:    rt.rules,
		Logger:   logger,
	}, opts)
	rt.materializer = lists.NewMaterializer(rt.lists, rt.profiles, rt.rules, rt.scheduler, logger)
	return rt, nil
}

func (rt *engineRuntime) Close() error {
	return rt.store.DB().Close()
}
