package journey

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/waypoint/internal/types"
)

func entranceEntry(user, ref string) types.Entry {
	return types.Entry{UserID: user, JourneyID: "j1", StepID: "entry", Type: types.EntryCompleted, Ref: ref, CreatedAt: t0}
}

func TestMemoryLedger_Append(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	run, err := l.Append(ctx, nil, entranceEntry("u1", "entrance:entry:after:none"))
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	until := t0.Add(time.Hour)
	wait, err := l.Append(ctx, &run, types.Entry{
		UserID: "u1", JourneyID: "j1", StepID: "wait", EntranceID: run.ID,
		Type: types.EntryDelay, Ref: run.ID, DelayUntil: &until, CreatedAt: t0,
	})
	require.NoError(t, err)

	t.Run("duplicate entrance ref", func(t *testing.T) {
		_, err := l.Append(ctx, nil, entranceEntry("u1", "entrance:entry:after:none"))
		assert.ErrorIs(t, err, types.ErrConcurrencyConflict)
	})

	t.Run("second successor loses", func(t *testing.T) {
		next := types.Entry{UserID: "u1", JourneyID: "j1", StepID: "a1", EntranceID: run.ID, Type: types.EntryCompleted, Ref: wait.ID}
		_, err := l.Append(ctx, &wait, next)
		require.NoError(t, err)

		stored, err := l.Get(ctx, wait.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.DelayUntil, "append clears the predecessor's delay")

		next.StepID = "a2"
		_, err = l.Append(ctx, &wait, next)
		assert.ErrorIs(t, err, types.ErrConcurrencyConflict)
	})

	t.Run("ended run", func(t *testing.T) {
		require.NoError(t, l.EndRun(ctx, run.ID, t0.Add(2*time.Hour)))
		last, err := l.LatestActive(ctx, "u1", "j1")
		require.NoError(t, err)
		assert.Nil(t, last)

		_, err = l.Append(ctx, &run, types.Entry{UserID: "u1", JourneyID: "j1", StepID: "x", EntranceID: run.ID, Ref: "late"})
		assert.ErrorIs(t, err, types.ErrRunEnded)
	})

	t.Run("unknown predecessor", func(t *testing.T) {
		ghost := types.Entry{ID: "ghost"}
		_, err := l.Append(ctx, &ghost, types.Entry{UserID: "u1", JourneyID: "j1", Ref: "r"})
		assert.ErrorIs(t, err, types.ErrEntryNotFound)
	})

	t.Run("empty ref", func(t *testing.T) {
		_, err := l.Append(ctx, nil, types.Entry{UserID: "u1", JourneyID: "j1"})
		assert.Error(t, err)
	})
}

func TestMemoryLedger_Queries(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	first, err := l.Append(ctx, nil, entranceEntry("u1", "r1"))
	require.NoError(t, err)
	second, err := l.Append(ctx, nil, entranceEntry("u1", "r2"))
	require.NoError(t, err)

	soon := t0.Add(time.Minute)
	later := t0.Add(time.Hour)
	a, err := l.Append(ctx, &first, types.Entry{UserID: "u1", JourneyID: "j1", StepID: "w", EntranceID: first.ID, Type: types.EntryDelay, Ref: first.ID, DelayUntil: &later, CreatedAt: t0})
	require.NoError(t, err)
	b, err := l.Append(ctx, &second, types.Entry{UserID: "u1", JourneyID: "j1", StepID: "w", EntranceID: second.ID, Type: types.EntryDelay, Ref: second.ID, DelayUntil: &soon, CreatedAt: t0})
	require.NoError(t, err)

	last, err := l.LastRun(ctx, "u1", "j1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, last.ID, "ties on created_at break by insertion order")

	none, err := l.LastRun(ctx, "u2", "j1")
	require.NoError(t, err)
	assert.Nil(t, none)

	due, err := l.DueForWake(ctx, t0.Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, b.ID, due[0].ID, "oldest delay first")
	assert.Equal(t, a.ID, due[1].ID)

	due, err = l.DueForWake(ctx, t0.Add(2*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	due, err = l.DueForWake(ctx, t0.Add(30*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	rows, err := l.RunEntries(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, a.ID}, []string{rows[0].ID, rows[1].ID})

	assert.ErrorIs(t, l.EndRun(ctx, "missing", t0), types.ErrEntryNotFound)
	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrEntryNotFound)
}

func TestMemoryCounter_Expiry(t *testing.T) {
	clock := newFakeClock(t0)
	c := NewMemoryCounter(clock.Now)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Increment(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	other, err := c.Increment(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, other)

	clock.Advance(time.Minute)
	got, err := c.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got, "expired keys restart from zero")
}

func TestMemoryProfiles(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProfiles()
	p.SetUser("u1", map[string]any{"name": "Ada"})

	require.NoError(t, p.MergeProfile(ctx, "u1", map[string]any{"plan": "pro"}))
	require.NoError(t, p.MergeProfile(ctx, "u2", map[string]any{"plan": "free"}))
	require.NoError(t, p.RecordEvent(ctx, "u1", types.Event{Name: "first"}))
	require.NoError(t, p.RecordEvent(ctx, "u1", types.Event{Name: "second"}))

	data, err := p.GetUserData(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada", "plan": "pro"}, data.User)
	require.Len(t, data.RecentEvents, 2)
	assert.Equal(t, "second", data.RecentEvents[0].Name, "newest first")

	data.User["name"] = "changed"
	again, err := p.GetUserData(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", again.User["name"], "callers get a copy")

	other, err := p.GetUserData(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "free", other.User["plan"])
}

func TestMemoryGraphStore_FindEntrances(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryGraphStore()

	live, err := FromStepMap(types.Journey{ID: "live", Published: true}, StepMap{
		"e1": entrance(map[string]any{"trigger": "event", "event_name": "signup"}),
		"e2": entrance(map[string]any{"trigger": "list", "list_id": "9"}),
	})
	require.NoError(t, err)
	draft, err := FromStepMap(types.Journey{ID: "draft"}, StepMap{
		"e1": entrance(map[string]any{"trigger": "event", "event_name": "signup"}),
	})
	require.NoError(t, err)
	require.NoError(t, s.PublishGraph(ctx, live))
	require.NoError(t, s.PublishGraph(ctx, draft))

	found, err := s.FindEntrances(ctx, types.TriggerEvent, "signup")
	require.NoError(t, err)
	require.Len(t, found, 1, "unpublished journeys are not entered")
	assert.Equal(t, "live", found[0].JourneyID)

	found, err = s.FindEntrances(ctx, types.TriggerList, "9")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "e2", found[0].ID)

	steps, err := s.EntranceSteps(ctx, "live")
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	invalid, err := FromStepMap(types.Journey{ID: "bad"}, StepMap{"a": action("A")})
	require.NoError(t, err)
	assert.True(t, types.IsGraphError(s.PublishGraph(ctx, invalid)))

	_, err = s.GetGraph(ctx, "bad")
	assert.ErrorIs(t, err, types.ErrJourneyNotFound)
}

// TestProperty_BalancerNeverExceedsLimit checks that within one window at
// most rate_limit users pass a balancer, and every other user is re-queued
// at the start of the next window.
func TestProperty_BalancerNeverExceedsLimit(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("balancer admits at most rate_limit per window", prop.ForAll(
		func(arrivals, limit int) bool {
			ctx := context.Background()
			clock := newFakeClock(t0)
			graphs := NewMemoryGraphStore()
			ledger := NewMemoryLedger()
			delivery := &RecordingDelivery{}
			sched := NewScheduler(Deps{
				Graphs:   graphs,
				Ledger:   ledger,
				Delivery: delivery,
				Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
				Clock:    clock.Now,
			}, Options{})

			g, err := FromStepMap(types.Journey{ID: "j", Published: true}, StepMap{
				"entry": entrance(nil, "bal"),
				"bal":   step(types.StepBalancer, map[string]any{"rate_limit": limit, "rate_interval": "minute"}, "a1"),
				"a1":    action("A"),
			})
			if err != nil || graphs.PublishGraph(ctx, g) != nil {
				return false
			}

			windowEnd := t0.Truncate(time.Minute).Add(time.Minute)
			for i := range arrivals {
				if _, err := sched.Enroll(ctx, EnrollRequest{JourneyID: "j", UserID: fmt.Sprintf("u%d", i)}); err != nil {
					return false
				}
			}
			if len(delivery.Sent()) != min(arrivals, limit) {
				return false
			}

			queued, err := ledger.DueForWake(ctx, windowEnd, 0)
			if err != nil || len(queued) != max(0, arrivals-limit) {
				return false
			}
			for _, e := range queued {
				if e.Type != types.EntryPending || !e.DelayUntil.Equal(windowEnd) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 25),
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}
