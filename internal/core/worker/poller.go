// Package worker runs the wake poller: it finds ledger entries whose delay
// has elapsed and hands them back to the scheduler.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/solatis/waypoint/internal/core/config"
	"github.com/solatis/waypoint/internal/journey"
	"github.com/solatis/waypoint/internal/types"
)

// DueSource lists entries ready to wake; journey.Ledger implements it.
type DueSource interface {
	DueForWake(ctx context.Context, now time.Time, limit int) ([]types.Entry, error)
}

// Waker resumes a due entry; *journey.Scheduler implements it.
type Waker interface {
	Wake(ctx context.Context, entry types.Entry) error
}

// Purger drops expired balancer counters; *db.Counter implements it.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Poller wakes due entries on an interval, at most Concurrency at a time.
// Several pollers may share one ledger: a lost race surfaces as a no-op
// wake, never as a duplicate transition.
type Poller struct {
	source DueSource
	waker  Waker
	purger Purger
	cfg    config.WorkerConfig
	logger *slog.Logger
	now    journey.Clock
}

// PassResult summarizes one poll pass.
type PassResult struct {
	Due    int
	Woken  int
	Failed int
}

// NewPoller creates a poller. purger may be nil.
func NewPoller(source DueSource, waker Waker, purger Purger, cfg config.WorkerConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source: source,
		waker:  waker,
		purger: purger,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the poller's clock. Tests only.
func (p *Poller) WithClock(now journey.Clock) *Poller {
	p.now = now
	return p
}

// Poll runs one pass over up to BatchSize due entries.
func (p *Poller) Poll(ctx context.Context) (PassResult, error) {
	due, err := p.source.DueForWake(ctx, p.now(), p.cfg.BatchSize)
	if err != nil {
		return PassResult{}, err
	}
	res := PassResult{Due: len(due)}
	if len(due) == 0 {
		return res, nil
	}

	sem := semaphore.NewWeighted(int64(max(p.cfg.Concurrency, 1)))
	var wg sync.WaitGroup
	var woken, failed atomic.Int64

	for _, entry := range due {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled; the rest stay due for the next pass.
			break
		}
		wg.Add(1)
		go func(entry types.Entry) {
			defer sem.Release(1)
			defer wg.Done()

			if err := p.waker.Wake(ctx, entry); err != nil {
				failed.Add(1)
				p.logger.Error("wake failed",
					"entry_id", entry.ID,
					"journey_id", entry.JourneyID,
					"user_id", entry.UserID,
					"error", err,
				)
				return
			}
			woken.Add(1)
		}(entry)
	}
	wg.Wait()

	res.Woken = int(woken.Load())
	res.Failed = int(failed.Load())
	return res, ctx.Err()
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another pass so a backlog drains without waiting for the ticker.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("wake poller started",
		"poll_interval", p.cfg.PollInterval,
		"batch_size", p.cfg.BatchSize,
		"concurrency", p.cfg.Concurrency,
	)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var purgeC <-chan time.Time
	if p.purger != nil && p.cfg.PurgeInterval > 0 {
		purge := time.NewTicker(p.cfg.PurgeInterval)
		defer purge.Stop()
		purgeC = purge.C
	}

	for {
		p.drain(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("wake poller stopped")
			return nil
		case <-ticker.C:
		case <-purgeC:
			p.purge(ctx)
		}
	}
}

// maxDrainPasses bounds back-to-back passes so a tick is never starved.
const maxDrainPasses = 10

func (p *Poller) drain(ctx context.Context) {
	for pass := 0; pass < maxDrainPasses && ctx.Err() == nil; pass++ {
		res, err := p.Poll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("poll failed", "error", err)
			}
			return
		}
		if res.Due > 0 {
			p.logger.Debug("poll pass", "due", res.Due, "woken", res.Woken, "failed", res.Failed)
		}
		if res.Due < p.cfg.BatchSize || res.Woken == 0 {
			return
		}
	}
}

func (p *Poller) purge(ctx context.Context) {
	n, err := p.purger.Purge(ctx)
	if err != nil {
		p.logger.Error("counter purge failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Debug("purged expired counters", "count", n)
	}
}
