package journey

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/waypoint/internal/render"
	"github.com/solatis/waypoint/internal/types"
)

func child(uuid string, data map[string]any) StepMapChild {
	return StepMapChild{UUID: uuid, Data: data}
}

func campaigns(sent []SendRequest) []string {
	out := make([]string, len(sent))
	for i, r := range sent {
		out[i] = r.CampaignID
	}
	return out
}

// delayGateJourney is entrance -> delay(1 day) -> gate(age >= 18) -> yes:A1 / no:A2.
func delayGateJourney() StepMap {
	return StepMap{
		"entry": entrance(map[string]any{"trigger": "api"}, "wait"),
		"wait":  step(types.StepDelay, map[string]any{"format": "duration", "days": 1}, "check"),
		"check": {
			Type: types.StepGate,
			Data: map[string]any{"rule": ageRule(">=", 18)},
			Children: []StepMapChild{
				child("a1", map[string]any{"label": "yes"}),
				child("a2", map[string]any{"label": "no"}),
			},
		},
		"a1": action("A1"),
		"a2": action("A2"),
	}
}

func TestScheduler_DelayThenGate(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("onboarding", delayGateJourney())
	h.profiles.SetUser("adult", map[string]any{"age": 21})
	h.profiles.SetUser("minor", map[string]any{"age": 17})

	adult := h.enroll("onboarding", "adult")
	minor := h.enroll("onboarding", "minor")
	require.Empty(t, adult.Skipped)
	require.Empty(t, minor.Skipped)

	rows := h.run(adult.EntranceID)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"entry", "wait"}, stepIDs(rows))
	assert.Equal(t, types.EntryCompleted, rows[0].Type)
	assert.Equal(t, t0, rows[0].CreatedAt)
	assert.Equal(t, types.EntryDelay, rows[1].Type)
	require.NotNil(t, rows[1].DelayUntil)
	assert.Equal(t, t0.Add(24*time.Hour), *rows[1].DelayUntil)
	assert.Equal(t, rows[0].ID, rows[1].Ref)

	assert.Zero(t, h.wakeDue(), "nothing is due before the delay elapses")

	h.clock.Advance(24 * time.Hour)
	assert.Equal(t, 2, h.wakeDue())

	rows = h.run(adult.EntranceID)
	assert.Equal(t, []string{"entry", "wait", "check", "a1"}, stepIDs(rows))
	assert.Nil(t, rows[1].DelayUntil, "wake clears the delay")
	assert.JSONEq(t, `{"result": true}`, string(rows[2].Data))

	rows = h.run(minor.EntranceID)
	assert.Equal(t, []string{"entry", "wait", "check", "a2"}, stepIDs(rows))

	assert.ElementsMatch(t, []string{"A1", "A2"}, campaigns(h.delivery.Sent()))
	for _, r := range h.delivery.Sent() {
		if r.UserID == "adult" {
			assert.Equal(t, "A1", r.CampaignID)
			assert.Equal(t, "onboarding", r.JourneyID)
			assert.Equal(t, h.run(adult.EntranceID)[3].ID, r.EntryID)
		}
	}

	for _, e := range h.run(adult.EntranceID) {
		assert.NotNil(t, e.EndedAt, "run ends when it falls off the graph")
	}
	active, err := h.ledger.LatestActive(context.Background(), "adult", "onboarding")
	require.NoError(t, err)
	assert.Nil(t, active)

	assert.EqualValues(t, 2, h.graphs.Stats("entry"))
	assert.EqualValues(t, 1, h.graphs.Stats("a1"))
	assert.EqualValues(t, 1, h.graphs.Stats("a2"))
}

func TestScheduler_WakeIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("onboarding", delayGateJourney())
	h.profiles.SetUser("u1", map[string]any{"age": 30})

	res := h.enroll("onboarding", "u1")
	waiting := h.run(res.EntranceID)[1]

	h.clock.Advance(24 * time.Hour)
	require.NoError(t, h.sched.Wake(context.Background(), waiting))
	require.NoError(t, h.sched.Wake(context.Background(), waiting))
	require.NoError(t, h.sched.Wake(context.Background(), waiting))

	assert.Len(t, h.run(res.EntranceID), 4)
	assert.Len(t, h.delivery.Sent(), 1)
}

func TestScheduler_WakeBeforeDueIsNoop(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("onboarding", delayGateJourney())

	res := h.enroll("onboarding", "u1")
	waiting := h.run(res.EntranceID)[1]

	h.clock.Advance(time.Hour)
	require.NoError(t, h.sched.Wake(context.Background(), waiting))
	assert.Len(t, h.run(res.EntranceID), 2)
}

func TestScheduler_ConcurrentWakesAppendOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("onboarding", delayGateJourney())
	h.profiles.SetUser("u1", map[string]any{"age": 30})

	// A second scheduler shares the stores but not the in-process run lock,
	// as a second worker process would.
	other := NewScheduler(Deps{
		Graphs:   h.graphs,
		Ledger:   h.ledger,
		Profiles: h.profiles,
		Delivery: h.delivery,
		Renderer: render.NewTextRenderer(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    h.clock.Now,
	}, Options{})

	res := h.enroll("onboarding", "u1")
	waiting := h.run(res.EntranceID)[1]
	h.clock.Advance(24 * time.Hour)

	var wg sync.WaitGroup
	for i := range 8 {
		sched := h.sched
		if i%2 == 1 {
			sched = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sched.Wake(context.Background(), waiting))
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"entry", "wait", "check", "a1"}, stepIDs(h.run(res.EntranceID)))
	assert.Len(t, h.delivery.Sent(), 1)
}

// staleLedger hides existing runs from the entrance policy reads, as a
// worker racing another worker's enrollment would see them.
type staleLedger struct {
	*MemoryLedger
}

func (staleLedger) LatestActive(context.Context, string, string) (*types.Entry, error) {
	return nil, nil
}

func (staleLedger) LastRun(context.Context, string, string) (*types.Entry, error) {
	return nil, nil
}

func TestScheduler_RacingEntrancesEnrollOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("j", StepMap{
		"signup":   entrance(nil, "wait"),
		"purchase": entrance(nil, "wait"),
		"wait":     step(types.StepDelay, map[string]any{"hours": 1}, "a1"),
		"a1":       action("A"),
	})

	sched := NewScheduler(Deps{
		Graphs:   h.graphs,
		Ledger:   staleLedger{h.ledger},
		Profiles: h.profiles,
		Delivery: h.delivery,
		Renderer: render.NewTextRenderer(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    h.clock.Now,
	}, Options{})

	ctx := context.Background()
	first, err := sched.Enroll(ctx, EnrollRequest{JourneyID: "j", UserID: "u1", EntranceStepID: "signup"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.EntranceID)

	second, err := sched.Enroll(ctx, EnrollRequest{JourneyID: "j", UserID: "u1", EntranceStepID: "purchase"})
	require.NoError(t, err)
	assert.Equal(t, SkipDuplicate, second.Skipped, "another entrance of the same journey shares the run reference")
	assert.Empty(t, second.EntranceID)
}

func TestScheduler_BalancerRequeuesOverLimit(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("promo", StepMap{
		"entry": entrance(nil, "bal"),
		"bal":   step(types.StepBalancer, map[string]any{"rate_limit": 1, "rate_interval": "minute"}, "a1"),
		"a1":    action("P1"),
	})

	first := h.enroll("promo", "u1")
	second := h.enroll("promo", "u2")

	assert.Equal(t, []string{"entry", "bal", "a1"}, stepIDs(h.run(first.EntranceID)))

	rows := h.run(second.EntranceID)
	require.Equal(t, []string{"entry", "bal"}, stepIDs(rows))
	assert.Equal(t, types.EntryPending, rows[1].Type)
	require.NotNil(t, rows[1].DelayUntil)
	nextWindow := time.Date(2024, 3, 4, 12, 1, 0, 0, time.UTC)
	assert.Equal(t, nextWindow, *rows[1].DelayUntil)
	assert.Len(t, h.delivery.Sent(), 1)
	assert.EqualValues(t, 1, h.graphs.Stats("bal"), "pending rows are not counted as traversals")

	h.clock.Set(nextWindow)
	assert.Equal(t, 1, h.wakeDue())

	rows = h.run(second.EntranceID)
	assert.Equal(t, []string{"entry", "bal", "bal", "a1"}, stepIDs(rows))
	assert.Equal(t, types.EntryCompleted, rows[2].Type)
	assert.Equal(t, rows[1].ID, rows[2].Ref)
	assert.Len(t, h.delivery.Sent(), 2)
}

func TestScheduler_BalancerRoundRobin(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("split", StepMap{
		"entry": entrance(nil, "bal"),
		"bal":   step(types.StepBalancer, map[string]any{}, "left", "right"),
		"left":  action("L"),
		"right": action("R"),
	})

	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		h.enroll("split", u)
	}
	assert.Equal(t, []string{"L", "R", "L", "R"}, campaigns(h.delivery.Sent()))
}

func TestScheduler_ExperimentIsStableOnReplay(t *testing.T) {
	h := newHarness(t, Options{})
	g := h.publish("ab", StepMap{
		"entry": entrance(map[string]any{"multiple": true}, "exp"),
		"exp": {
			Type: types.StepExperiment,
			Children: []StepMapChild{
				child("a", map[string]any{"ratio": 1}),
				child("b", map[string]any{"ratio": 1}),
			},
		},
		"a": action("A"),
		"b": action("B"),
	})

	seen := map[string]int{}
	for i := range 64 {
		res := h.enroll("ab", "user-"+string(rune('a'+i%26))+string(rune('0'+i/26)))
		rows := h.run(res.EntranceID)
		require.Len(t, rows, 3)

		var recorded struct {
			Child string `json:"child"`
		}
		require.NoError(t, json.Unmarshal(rows[1].Data, &recorded))
		assert.Equal(t, rows[2].StepID, recorded.Child)
		seen[recorded.Child]++

		rc := &runContext{graph: g, userID: rows[0].UserID, runID: res.EntranceID}
		out, err := h.sched.executeExperiment(rc, g.Step("exp"))
		require.NoError(t, err)
		assert.Equal(t, recorded.Child, out.next, "replay picks the recorded edge")
	}
	assert.Positive(t, seen["a"])
	assert.Positive(t, seen["b"])
}

func TestPickWeighted(t *testing.T) {
	tests := []struct {
		name   string
		ratios []float64
		u      float64
		want   int
	}{
		{"single", []float64{1}, 0.7, 0},
		{"zero weight skipped", []float64{0, 1}, 0.01, 1},
		{"first bucket", []float64{1, 3}, 0.2, 0},
		{"second bucket", []float64{1, 3}, 0.99, 1},
		{"boundary", []float64{1, 1}, 0.5, 1},
		{"all zero uniform low", []float64{0, 0}, 0.2, 0},
		{"all zero uniform high", []float64{0, 0}, 0.9, 1},
		{"negative ignored", []float64{-5, 2}, 0.1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pickWeighted(tt.ratios, tt.u))
		})
	}
}

func TestBucketRange(t *testing.T) {
	for i := range 1000 {
		u := bucket(types.NewID(), string(rune('a'+i%26)))
		assert.GreaterOrEqual(t, u, 0.0)
		assert.Less(t, u, 1.0)
	}
	assert.Equal(t, bucket("run", "step"), bucket("run", "step"))
}

func TestScheduler_EntrancePolicy(t *testing.T) {
	t.Run("single entry", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.publish("j", StepMap{"entry": entrance(nil, "a1"), "a1": action("A")})

		assert.Empty(t, h.enroll("j", "u1").Skipped)
		assert.Equal(t, SkipAlreadyEntered, h.enroll("j", "u1").Skipped)
		assert.Len(t, h.delivery.Sent(), 1)
	})

	t.Run("multiple entries", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.publish("j", StepMap{"entry": entrance(map[string]any{"multiple": true}, "a1"), "a1": action("A")})

		first := h.enroll("j", "u1")
		second := h.enroll("j", "u1")
		assert.Empty(t, second.Skipped)
		assert.NotEqual(t, first.EntranceID, second.EntranceID)
		assert.Len(t, h.delivery.Sent(), 2)
	})

	t.Run("active run blocks", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.publish("j", StepMap{
			"entry": entrance(map[string]any{"multiple": true}, "wait"),
			"wait":  step(types.StepDelay, map[string]any{"hours": 1}, "a1"),
			"a1":    action("A"),
		})

		assert.Empty(t, h.enroll("j", "u1").Skipped)
		assert.Equal(t, SkipActiveRun, h.enroll("j", "u1").Skipped)

		h.clock.Advance(time.Hour)
		h.wakeDue()
		assert.Empty(t, h.enroll("j", "u1").Skipped, "a finished run no longer blocks")
	})

	t.Run("concurrent runs", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.publish("j", StepMap{
			"entry": entrance(map[string]any{"multiple": true, "concurrent": true}, "wait"),
			"wait":  step(types.StepDelay, map[string]any{"hours": 1}, "a1"),
			"a1":    action("A"),
		})

		assert.Empty(t, h.enroll("j", "u1").Skipped)
		assert.Empty(t, h.enroll("j", "u1").Skipped)
	})

	t.Run("entrance rule", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.publish("j", StepMap{
			"entry": entrance(map[string]any{"rule": ageRule(">=", 18)}, "a1"),
			"a1":    action("A"),
		})
		h.profiles.SetUser("minor", map[string]any{"age": 15})
		h.profiles.SetUser("adult", map[string]any{"age": 40})

		assert.Equal(t, SkipRuleMismatch, h.enroll("j", "minor").Skipped)
		assert.Empty(t, h.enroll("j", "adult").Skipped)
	})

	t.Run("duplicate reference", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.publish("j", StepMap{
			"entry": entrance(map[string]any{"multiple": true, "concurrent": true}, "a1"),
			"a1":    action("A"),
		})
		req := EnrollRequest{JourneyID: "j", UserID: "u1", Reference: "order-42"}

		res, err := h.sched.Enroll(context.Background(), req)
		require.NoError(t, err)
		assert.Empty(t, res.Skipped)

		res, err = h.sched.Enroll(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, SkipDuplicate, res.Skipped)
		assert.Len(t, h.delivery.Sent(), 1)
	})

	t.Run("unpublished", func(t *testing.T) {
		h := newHarness(t, Options{})
		g, err := FromStepMap(types.Journey{ID: "draft"}, StepMap{"entry": entrance(nil)})
		require.NoError(t, err)
		require.NoError(t, h.graphs.PublishGraph(context.Background(), g))

		_, err = h.sched.Enroll(context.Background(), EnrollRequest{JourneyID: "draft", UserID: "u1"})
		assert.ErrorIs(t, err, types.ErrJourneyNotPublished)
	})

	t.Run("unknown journey", func(t *testing.T) {
		h := newHarness(t, Options{})
		_, err := h.sched.Enroll(context.Background(), EnrollRequest{JourneyID: "missing", UserID: "u1"})
		assert.ErrorIs(t, err, types.ErrJourneyNotFound)
	})
}

func TestScheduler_HandleEvent(t *testing.T) {
	h := newHarness(t, Options{})
	planRule := map[string]any{
		"type": "string", "group": "event", "path": "$.data.plan", "operator": "=", "value": "pro",
	}
	h.publish("welcome", StepMap{
		"entry": entrance(map[string]any{"trigger": "event", "event_name": "signup"}, "wait"),
		"wait":  step(types.StepDelay, map[string]any{"hours": 2}, "check"),
		"check": {
			Type: types.StepGate,
			Data: map[string]any{"rule": planRule},
			Children: []StepMapChild{
				child("pro", map[string]any{"label": "yes"}),
				child("basic", map[string]any{"label": "no"}),
			},
		},
		"pro":   action("PRO"),
		"basic": action("BASIC"),
	})

	results, err := h.sched.HandleEvent(context.Background(), "u1", types.Event{
		Name:      "signup",
		Data:      map[string]any{"plan": "pro"},
		CreatedAt: t0,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "welcome", results[0].JourneyID)

	data, err := h.profiles.GetUserData(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, data.RecentEvents, 1)

	results, err = h.sched.HandleEvent(context.Background(), "u1", types.Event{Name: "login", CreatedAt: t0})
	require.NoError(t, err)
	assert.Empty(t, results)

	// The triggering event is restored from the entrance row on wake.
	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, h.wakeDue())
	assert.Equal(t, []string{"PRO"}, campaigns(h.delivery.Sent()))
}

func TestScheduler_EnrollList(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("vip-welcome", StepMap{
		"entry": entrance(map[string]any{"trigger": "list", "list_id": 7}, "a1"),
		"a1":    action("VIP"),
	})

	results, err := h.sched.EnrollList(context.Background(), "7", "u1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Skipped)

	results, err = h.sched.EnrollList(context.Background(), "8", "u1")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, []string{"VIP"}, campaigns(h.delivery.Sent()))
}

func TestScheduler_Map(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("route", StepMap{
		"entry": entrance(nil, "route"),
		"route": {
			Type: types.StepMap,
			Data: map[string]any{"attribute": "$.tier"},
			Children: []StepMapChild{
				child("gold", map[string]any{"value": 2}),
				child("other", map[string]any{"default": true}),
				child("silver", map[string]any{"value": 1}),
			},
		},
		"gold":   action("GOLD"),
		"silver": action("SILVER"),
		"other":  action("OTHER"),
	})
	h.profiles.SetUser("g", map[string]any{"tier": 2.0})
	h.profiles.SetUser("s", map[string]any{"tier": "1"})
	h.profiles.SetUser("n", map[string]any{})

	h.enroll("route", "g")
	h.enroll("route", "s")
	h.enroll("route", "n")
	assert.Equal(t, []string{"GOLD", "SILVER", "OTHER"}, campaigns(h.delivery.Sent()))
}

func TestScheduler_MapWithoutMatchEndsRun(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("route", StepMap{
		"entry": entrance(nil, "route"),
		"route": {
			Type:     types.StepMap,
			Data:     map[string]any{"attribute": "plan"},
			Children: []StepMapChild{child("a1", map[string]any{"value": "pro"})},
		},
		"a1": action("A"),
	})
	h.profiles.SetUser("u1", map[string]any{"plan": "free"})

	res := h.enroll("route", "u1")
	rows := h.run(res.EntranceID)
	assert.Equal(t, []string{"entry", "route"}, stepIDs(rows))
	assert.NotNil(t, rows[1].EndedAt)
	assert.Empty(t, h.delivery.Sent())
}

func TestScheduler_UpdateMergesProfile(t *testing.T) {
	h := newHarness(t, Options{})
	seenRule := map[string]any{"type": "boolean", "group": "user", "path": "$.seen", "operator": "=", "value": true}
	h.publish("tag", StepMap{
		"entry": entrance(nil, "pick"),
		"pick": {
			Type:     types.StepExperiment,
			DataKey:  "variant",
			Children: []StepMapChild{child("upd", map[string]any{"ratio": 1})},
		},
		"upd": step(types.StepUpdate, map[string]any{
			"template": `{"tier": {{ json .user.plan }}, "seen": true, "variant": {{ json .journey.variant.child }}}`,
		}, "check"),
		"check": {
			Type: types.StepGate,
			Data: map[string]any{"rule": seenRule},
			Children: []StepMapChild{
				child("a1", map[string]any{"label": "yes"}),
			},
		},
		"a1": action("SEEN"),
	})
	h.profiles.SetUser("u1", map[string]any{"plan": "pro"})

	h.enroll("tag", "u1")

	data, err := h.profiles.GetUserData(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "pro", data.User["tier"])
	assert.Equal(t, true, data.User["seen"])
	assert.Equal(t, "upd", data.User["variant"])
	assert.Equal(t, []string{"SEEN"}, campaigns(h.delivery.Sent()), "gate sees the merged profile")
}

func TestScheduler_StepErrorsRetryThenForceEnd(t *testing.T) {
	h := newHarness(t, Options{MaxStepRetries: 3, RetryBackoff: time.Minute, RetryMaxDelay: time.Hour})
	h.publish("broken", StepMap{
		"entry": entrance(nil, "upd"),
		"upd":   step(types.StepUpdate, map[string]any{"template": "not json"}, "a1"),
		"a1":    action("A"),
	})

	res := h.enroll("broken", "u1")
	rows := h.run(res.EntranceID)
	require.Len(t, rows, 2)
	assert.Equal(t, types.EntryError, rows[1].Type)
	require.NotNil(t, rows[1].DelayUntil)
	assert.Equal(t, t0.Add(time.Minute), *rows[1].DelayUntil)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.wakeDue())
	rows = h.run(res.EntranceID)
	require.Len(t, rows, 3)
	assert.Equal(t, h.clock.Now().Add(2*time.Minute), *rows[2].DelayUntil)

	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, h.wakeDue())
	rows = h.run(res.EntranceID)
	require.Len(t, rows, 4)

	last := rows[3]
	assert.Equal(t, types.EntryError, last.Type)
	assert.Nil(t, last.DelayUntil)
	var record types.ErrorRecord
	require.NoError(t, json.Unmarshal(last.Data, &record))
	assert.Equal(t, 3, record.Attempt)
	assert.True(t, record.ForcedEnd)
	assert.NotEmpty(t, record.Error)
	for _, e := range rows {
		assert.NotNil(t, e.EndedAt)
	}

	h.clock.Advance(time.Hour)
	assert.Zero(t, h.wakeDue())
	assert.Empty(t, h.delivery.Sent())
}

func TestScheduler_Backoff(t *testing.T) {
	s := NewScheduler(Deps{}, Options{RetryBackoff: time.Minute, RetryMaxDelay: 5 * time.Minute})
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute, 5 * time.Minute}
	for i, w := range want {
		assert.Equal(t, w, s.backoff(i+1), "attempt %d", i+1)
	}
}

func TestScheduler_RunawayGuard(t *testing.T) {
	h := newHarness(t, Options{MaxStepsPerPass: 2})
	h.publish("long", StepMap{
		"entry": entrance(nil, "a1"),
		"a1":    step(types.StepAction, map[string]any{"campaign_id": "1"}, "a2"),
		"a2":    step(types.StepAction, map[string]any{"campaign_id": "2"}, "a3"),
		"a3":    action("3"),
	})

	res := h.enroll("long", "u1")
	rows := h.run(res.EntranceID)
	require.Equal(t, []string{"entry", "a1", "a2", "a3"}, stepIDs(rows))
	assert.Equal(t, types.EntryError, rows[3].Type)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.wakeDue())
	assert.Equal(t, []string{"1", "2", "3"}, campaigns(h.delivery.Sent()))
}

func TestScheduler_Cancel(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("onboarding", delayGateJourney())

	res := h.enroll("onboarding", "u1")
	waiting := h.run(res.EntranceID)[1]

	require.NoError(t, h.sched.Cancel(context.Background(), res.EntranceID))
	for _, e := range h.run(res.EntranceID) {
		assert.NotNil(t, e.EndedAt)
	}

	h.clock.Advance(48 * time.Hour)
	assert.Zero(t, h.wakeDue())
	require.NoError(t, h.sched.Wake(context.Background(), waiting))
	assert.Len(t, h.run(res.EntranceID), 2)
	assert.Empty(t, h.delivery.Sent())
}

func TestScheduler_CancelActive(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("onboarding", delayGateJourney())
	h.enroll("onboarding", "u1")

	ok, err := h.sched.CancelActive(context.Background(), "u1", "onboarding")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.sched.CancelActive(context.Background(), "u1", "onboarding")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduler_LinkRestartsOwnJourney(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("loop", StepMap{
		"entry":   entrance(nil, "wait"),
		"wait":    step(types.StepDelay, map[string]any{"days": 1}, "restart"),
		"restart": step(types.StepLink, map[string]any{"target_id": "loop"}),
	})

	first := h.enroll("loop", "u1")
	h.clock.Advance(24 * time.Hour)
	require.Equal(t, 1, h.wakeDue())

	rows := h.run(first.EntranceID)
	assert.Equal(t, []string{"entry", "wait", "restart"}, stepIDs(rows))
	for _, e := range rows {
		assert.NotNil(t, e.EndedAt, "the restarted run is ended")
	}

	last, err := h.ledger.LastRun(context.Background(), "u1", "loop")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.NotEqual(t, first.EntranceID, last.ID)
	assert.Equal(t, "link:"+rows[2].ID, last.Ref)

	active, err := h.ledger.LatestActive(context.Background(), "u1", "loop")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, last.ID, active.RunID(), "only the new run is active")
	assert.Equal(t, []string{"entry", "wait"}, stepIDs(h.run(last.ID)))
}

func TestScheduler_LinkToOtherJourney(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("a", StepMap{
		"entry": entrance(nil, "hop"),
		"hop":   step(types.StepLink, map[string]any{"target_id": "b"}, "a1"),
		"a1":    action("A"),
	})
	h.publish("b", StepMap{
		"entry": entrance(map[string]any{"rule": ageRule(">=", 99)}, "b1"),
		"b1":    action("B"),
	})

	res := h.enroll("a", "u1")
	assert.Equal(t, []string{"entry", "hop", "a1"}, stepIDs(h.run(res.EntranceID)))
	assert.ElementsMatch(t, []string{"A", "B"}, campaigns(h.delivery.Sent()), "links bypass the entrance rule")

	other, err := h.ledger.LastRun(context.Background(), "u1", "b")
	require.NoError(t, err)
	require.NotNil(t, other)
}

func TestScheduler_LinkDelay(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("a", StepMap{
		"entry": entrance(nil, "hop"),
		"hop": step(types.StepLink, map[string]any{
			"target_id": "b",
			"delay":     map[string]any{"format": "duration", "hours": 2},
		}),
	})
	h.publish("b", StepMap{"entry": entrance(nil, "b1"), "b1": action("B")})

	res := h.enroll("a", "u1")
	rows := h.run(res.EntranceID)
	require.Equal(t, []string{"entry", "hop"}, stepIDs(rows))
	assert.Equal(t, types.EntryPending, rows[1].Type)
	assert.Empty(t, h.delivery.Sent())

	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, h.wakeDue())
	assert.Equal(t, []string{"entry", "hop", "hop"}, stepIDs(h.run(res.EntranceID)))
	assert.Equal(t, []string{"B"}, campaigns(h.delivery.Sent()))
}

func TestScheduler_ImmediateSelfLinkIsBounded(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("spin", StepMap{
		"entry":   entrance(nil, "restart"),
		"restart": step(types.StepLink, map[string]any{"target_id": "spin"}),
	})

	h.enroll("spin", "u1")
	assert.EqualValues(t, maxLinkHops+1, h.graphs.Stats("entry"))

	active, err := h.ledger.LatestActive(context.Background(), "u1", "spin")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestScheduler_DelayInUserTimezone(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("morning", StepMap{
		"entry": entrance(nil, "wait"),
		"wait":  step(types.StepDelay, map[string]any{"format": "time", "time": "09:00"}, "a1"),
		"a1":    action("A"),
	})
	h.profiles.SetUser("u1", map[string]any{"timezone": "America/New_York"})

	res := h.enroll("morning", "u1")
	rows := h.run(res.EntranceID)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[1].DelayUntil)
	// 12:00 UTC is 07:00 EST; the next 09:00 EST is 14:00 UTC the same day.
	assert.Equal(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), *rows[1].DelayUntil)
}

func TestScheduler_ZeroDelayContinues(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish("now", StepMap{
		"entry": entrance(nil, "wait"),
		"wait":  step(types.StepDelay, map[string]any{"format": "duration"}, "a1"),
		"a1":    action("A"),
	})

	res := h.enroll("now", "u1")
	assert.Equal(t, []string{"entry", "wait", "a1"}, stepIDs(h.run(res.EntranceID)))
	assert.Len(t, h.delivery.Sent(), 1)
}

func TestScheduler_DeliveryFailureDoesNotStopRun(t *testing.T) {
	h := newHarness(t, Options{})
	h.delivery.Err = assert.AnError
	h.publish("j", StepMap{
		"entry": entrance(nil, "a1"),
		"a1":    step(types.StepAction, map[string]any{"campaign_id": "1"}, "done"),
		"done":  step(types.StepExit, nil),
	})

	res := h.enroll("j", "u1")
	rows := h.run(res.EntranceID)
	assert.Equal(t, []string{"entry", "a1", "done"}, stepIDs(rows))
	assert.NotNil(t, rows[2].EndedAt)
}
