package journey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/waypoint/internal/types"
)

func buildGraph(t *testing.T, m StepMap) *Graph {
	t.Helper()
	g, err := FromStepMap(types.Journey{ID: "j1", Published: true}, m)
	require.NoError(t, err)
	return g
}

func TestGraph_FromStepMap(t *testing.T) {
	g := buildGraph(t, delayGateJourney())

	require.Len(t, g.Steps, 5)
	assert.Equal(t, types.StepGate, g.Step("check").Kind)
	assert.Equal(t, "j1", g.Step("check").JourneyID)
	assert.IsType(t, &types.GateConfig{}, g.Step("check").Config)

	out := g.Edges("check")
	require.Len(t, out, 2)
	assert.Equal(t, "a1", out[0].ChildID)
	assert.Equal(t, "a2", out[1].ChildID)
	assert.Less(t, out[0].Priority, out[1].Priority)

	cfg, err := out[0].Config()
	require.NoError(t, err)
	assert.Equal(t, "yes", cfg.Label)

	entrances := g.Entrances()
	require.Len(t, entrances, 1)
	assert.Equal(t, "entry", entrances[0].ID)

	assert.NoError(t, g.Validate())
}

func TestGraph_StepMapRoundTrip(t *testing.T) {
	g := buildGraph(t, delayGateJourney())

	again, err := FromStepMap(g.Journey, g.StepMap())
	require.NoError(t, err)
	assert.Equal(t, g.StepMap(), again.StepMap())
}

func TestParseStepMap(t *testing.T) {
	doc := `
entry:
  type: entrance
  data: {trigger: event, event_name: signup}
  x: 10
  y: 20
  children:
    - uuid: wait
wait:
  type: delay
  data: {hours: 3}
  children:
    - uuid: bye
bye:
  type: exit
`
	m, err := ParseStepMap([]byte(doc))
	require.NoError(t, err)
	require.Len(t, m, 3)
	assert.Equal(t, types.StepEntrance, m["entry"].Type)
	assert.Equal(t, 10.0, m["entry"].X)

	g, err := FromStepMap(types.Journey{ID: "j"}, m)
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	cfg, ok := g.Step("entry").Config.(*types.EntranceConfig)
	require.True(t, ok)
	assert.Equal(t, types.TriggerEvent, cfg.Trigger)
	assert.Equal(t, "signup", cfg.EventName)
	assert.Equal(t, 3, g.Step("wait").Config.(*types.DelayConfig).Hours)

	jsonDoc := `{"entry": {"type": "entrance", "children": [{"uuid": "bye"}]}, "bye": {"type": "exit"}}`
	m, err = ParseStepMap([]byte(jsonDoc))
	require.NoError(t, err)
	assert.Len(t, m, 2)

	_, err = ParseStepMap([]byte(""))
	assert.Error(t, err)
}

func TestGraph_UnknownKind(t *testing.T) {
	_, err := FromStepMap(types.Journey{ID: "j"}, StepMap{"x": {Type: "teleport"}})
	require.Error(t, err)
	assert.True(t, types.IsGraphError(err))
}

func TestGraph_ValidateErrors(t *testing.T) {
	badRule := map[string]any{"type": "number", "group": "user", "path": "$.age", "operator": "contains", "value": 1}

	tests := []struct {
		name    string
		steps   StepMap
		stepID  string
		message string
	}{
		{
			name:    "no entrance",
			steps:   StepMap{"a1": action("A")},
			message: "no entrance",
		},
		{
			name:    "dangling edge",
			steps:   StepMap{"entry": entrance(nil, "ghost")},
			stepID:  "entry",
			message: "unknown step",
		},
		{
			name: "cycle",
			steps: StepMap{
				"entry": entrance(nil, "a"),
				"a":     step(types.StepDelay, map[string]any{"hours": 1}, "b"),
				"b":     step(types.StepDelay, map[string]any{"hours": 1}, "a"),
			},
			message: "cycle",
		},
		{
			name: "self loop",
			steps: StepMap{
				"entry": entrance(nil, "a"),
				"a":     step(types.StepDelay, map[string]any{"hours": 1}, "a"),
			},
			stepID:  "a",
			message: "cycle",
		},
		{
			name: "edge into entrance",
			steps: StepMap{
				"entry": entrance(nil, "a"),
				"a":     step(types.StepDelay, nil, "entry"),
			},
			stepID:  "entry",
			message: "inbound edges",
		},
		{
			name:    "invalid gate rule",
			steps:   StepMap{"entry": entrance(nil, "g"), "g": step(types.StepGate, map[string]any{"rule": badRule})},
			stepID:  "g",
			message: "gate rule",
		},
		{
			name:    "invalid entrance rule",
			steps:   StepMap{"entry": entrance(map[string]any{"rule": badRule})},
			stepID:  "entry",
			message: "entrance rule",
		},
		{
			name:    "event entrance without name",
			steps:   StepMap{"entry": entrance(map[string]any{"trigger": "event"})},
			stepID:  "entry",
			message: "event_name",
		},
		{
			name:    "list entrance without list",
			steps:   StepMap{"entry": entrance(map[string]any{"trigger": "list"})},
			stepID:  "entry",
			message: "list_id",
		},
		{
			name:    "bad delay time",
			steps:   StepMap{"entry": entrance(nil, "w"), "w": step(types.StepDelay, map[string]any{"format": "time", "time": "25:99"})},
			stepID:  "w",
			message: "invalid delay time",
		},
		{
			name:    "action without campaign",
			steps:   StepMap{"entry": entrance(nil, "a"), "a": step(types.StepAction, nil)},
			stepID:  "a",
			message: "campaign_id",
		},
		{
			name:    "balancer interval",
			steps:   StepMap{"entry": entrance(nil, "b"), "b": step(types.StepBalancer, map[string]any{"rate_limit": 3, "rate_interval": "fortnight"})},
			stepID:  "b",
			message: "rate interval",
		},
		{
			name:    "link without target",
			steps:   StepMap{"entry": entrance(nil, "l"), "l": step(types.StepLink, nil)},
			stepID:  "l",
			message: "target_id",
		},
		{
			name:    "map attribute",
			steps:   StepMap{"entry": entrance(nil, "m"), "m": step(types.StepMap, map[string]any{"attribute": "a[x"})},
			stepID:  "m",
			message: "map attribute",
		},
		{
			name:    "update without template",
			steps:   StepMap{"entry": entrance(nil, "u"), "u": step(types.StepUpdate, nil)},
			stepID:  "u",
			message: "template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := buildGraph(t, tt.steps)
			err := g.Validate()
			require.Error(t, err)

			var ge *types.GraphError
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, "j1", ge.JourneyID)
			if tt.stepID != "" {
				assert.Equal(t, tt.stepID, ge.StepID)
			}
			assert.Contains(t, ge.Message, tt.message)
		})
	}
}

func TestGraph_LinkIsNotAnEdge(t *testing.T) {
	g := buildGraph(t, StepMap{
		"entry": entrance(nil, "wait"),
		"wait":  step(types.StepDelay, map[string]any{"days": 1}, "again"),
		"again": step(types.StepLink, map[string]any{"target_id": "j1"}),
		"bye":   step(types.StepExit, map[string]any{"entrance_uuid": "entry"}),
	})
	assert.NoError(t, g.Validate())
}
