// Package api provides the gRPC trigger surface of the journey engine.
package api

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/solatis/waypoint/internal/journey"
	"github.com/solatis/waypoint/internal/lists"
	"github.com/solatis/waypoint/internal/rules"
)

// EngineService implements EngineServer.
// Thin orchestration layer delegating to the scheduler, rules and lists packages.
type EngineService struct {
	scheduler *journey.Scheduler
	rules     *rules.Engine
	profiles  journey.Profiles
	lists     *lists.Materializer
	logger    *slog.Logger
	now       journey.Clock
}

// NewEngineService creates service instance with dependencies.
// materializer may be nil, in which case profile and event updates do not
// re-evaluate dynamic lists.
func NewEngineService(scheduler *journey.Scheduler, engine *rules.Engine, profiles journey.Profiles, materializer *lists.Materializer, logger *slog.Logger) (*EngineService, error) {
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if profiles == nil {
		return nil, fmt.Errorf("profiles cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &EngineService{
		scheduler: scheduler,
		rules:     engine,
		profiles:  profiles,
		lists:     materializer,
		logger:    logger,
		now:       time.Now,
	}, nil
}
