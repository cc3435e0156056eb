package db

import (
	"context"
	"fmt"
	"time"

	"github.com/solatis/waypoint/internal/journey"
)

// Counter is the SQL journey.Counter over rate_counters, shared by every
// worker so balancer limits hold across processes.
type Counter struct {
	*Store
	now journey.Clock
}

var _ journey.Counter = (*Counter)(nil)

// NewCounter returns a counter backed by s using now for expiry (time.Now if nil).
func NewCounter(s *Store, now journey.Clock) *Counter {
	if now == nil {
		now = time.Now
	}
	return &Counter{Store: s, now: now}
}

// Increment upserts key in one statement; an expired key restarts at one.
func (c *Counter) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := c.now().UTC()
	var value int64
	if err := c.q.Get(ctx, c.db, &value, "counter-increment", key, now.Add(ttl), now, now); err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return value, nil
}

// Purge deletes expired counters and returns how many were removed.
func (c *Counter) Purge(ctx context.Context) (int64, error) {
	res, err := c.q.Exec(ctx, c.db, "counter-purge", c.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge counters: %w", err)
	}
	return affected(res), nil
}
