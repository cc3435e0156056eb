package journey

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solatis/waypoint/internal/render"
	"github.com/solatis/waypoint/internal/types"
)

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// harness wires a scheduler to in-memory stores.
type harness struct {
	t        *testing.T
	clock    *fakeClock
	graphs   *MemoryGraphStore
	ledger   *MemoryLedger
	profiles *MemoryProfiles
	delivery *RecordingDelivery
	sched    *Scheduler
}

var t0 = time.Date(2024, 3, 4, 12, 0, 10, 0, time.UTC)

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    newFakeClock(t0),
		graphs:   NewMemoryGraphStore(),
		ledger:   NewMemoryLedger(),
		profiles: NewMemoryProfiles(),
		delivery: &RecordingDelivery{},
	}
	h.sched = NewScheduler(Deps{
		Graphs:   h.graphs,
		Ledger:   h.ledger,
		Profiles: h.profiles,
		Delivery: h.delivery,
		Renderer: render.NewTextRenderer(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    h.clock.Now,
	}, opts)
	return h
}

// publish builds and publishes a journey from a step map.
func (h *harness) publish(id string, m StepMap) *Graph {
	h.t.Helper()
	g, err := FromStepMap(types.Journey{ID: id, Name: id, Published: true}, m)
	require.NoError(h.t, err)
	require.NoError(h.t, h.graphs.PublishGraph(context.Background(), g))
	return g
}

func (h *harness) enroll(journeyID, userID string) EnrollResult {
	h.t.Helper()
	res, err := h.sched.Enroll(context.Background(), EnrollRequest{JourneyID: journeyID, UserID: userID})
	require.NoError(h.t, err)
	return res
}

// wakeDue wakes every entry due at the current clock and returns how many it woke.
func (h *harness) wakeDue() int {
	h.t.Helper()
	due, err := h.ledger.DueForWake(context.Background(), h.clock.Now(), 0)
	require.NoError(h.t, err)
	for _, e := range due {
		require.NoError(h.t, h.sched.Wake(context.Background(), e))
	}
	return len(due)
}

func (h *harness) run(runID string) []types.Entry {
	h.t.Helper()
	entries, err := h.ledger.RunEntries(context.Background(), runID)
	require.NoError(h.t, err)
	return entries
}

// stepIDs returns the step ids of entries in order.
func stepIDs(entries []types.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.StepID
	}
	return out
}

func entrance(data map[string]any, children ...string) StepMapEntry {
	return StepMapEntry{Type: types.StepEntrance, Data: data, Children: edges(children...)}
}

func step(kind types.StepKind, data map[string]any, children ...string) StepMapEntry {
	return StepMapEntry{Type: kind, Data: data, Children: edges(children...)}
}

func edges(children ...string) []StepMapChild {
	var out []StepMapChild
	for _, c := range children {
		out = append(out, StepMapChild{UUID: c})
	}
	return out
}

func action(campaign string) StepMapEntry {
	return step(types.StepAction, map[string]any{"campaign_id": campaign})
}

func ageRule(op string, value int) map[string]any {
	return map[string]any{
		"type":     "number",
		"group":    "user",
		"path":     "$.age",
		"operator": op,
		"value":    value,
	}
}
