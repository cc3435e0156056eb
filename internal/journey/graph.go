package journey

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/solatis/waypoint/internal/rules"
	"github.com/solatis/waypoint/internal/types"
)

/*
 * Journey graph arena.
 *
 * Steps live in an id-keyed map; edges live in a separate adjacency list
 * keyed by source step and ordered by priority (creation order). Nodes never
 * point at each other, so a graph is a plain value that can be cached and
 * shared read-only between scheduler invocations.
 *
 * Link steps restart journeys by id and exit steps reference entrances only
 * for display; neither is an edge, so cycle detection ignores them.
 */

// Graph is a published journey: its steps and outgoing edges.
type Graph struct {
	Journey  types.Journey
	Steps    map[string]*types.Step
	Children map[string][]types.Edge
}

// NewGraph returns an empty graph for j.
func NewGraph(j types.Journey) *Graph {
	return &Graph{
		Journey:  j,
		Steps:    make(map[string]*types.Step),
		Children: make(map[string][]types.Edge),
	}
}

// AddStep decodes the step config and adds the step to the arena.
func (g *Graph) AddStep(s types.Step) error {
	if s.ID == "" {
		return &types.GraphError{JourneyID: g.Journey.ID, Message: "step without id"}
	}
	if !s.Kind.Valid() {
		return &types.GraphError{JourneyID: g.Journey.ID, StepID: s.ID, Message: fmt.Sprintf("unknown step kind %q", s.Kind)}
	}
	if s.Config == nil {
		cfg, err := types.DecodeStepConfig(s.Kind, s.Data)
		if err != nil {
			return &types.GraphError{JourneyID: g.Journey.ID, StepID: s.ID, Message: err.Error()}
		}
		s.Config = cfg
	}
	s.JourneyID = g.Journey.ID
	g.Steps[s.ID] = &s
	return nil
}

// AddEdge appends an edge, keeping the source's edges ordered by priority.
func (g *Graph) AddEdge(e types.Edge) {
	edges := append(g.Children[e.StepID], e)
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].Priority < edges[j].Priority })
	g.Children[e.StepID] = edges
}

// Step returns the step with id, or nil.
func (g *Graph) Step(id string) *types.Step {
	return g.Steps[id]
}

// Edges returns the outgoing edges of stepID in priority order.
func (g *Graph) Edges(stepID string) []types.Edge {
	return g.Children[stepID]
}

// Entrances returns the entrance steps ordered by id.
func (g *Graph) Entrances() []types.Step {
	var out []types.Step
	for _, s := range g.Steps {
		if s.Kind == types.StepEntrance {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks the graph is executable. Returns a *types.GraphError for
// the first problem found.
func (g *Graph) Validate() error {
	if len(g.Entrances()) == 0 {
		return g.graphErr("", "journey has no entrance step")
	}

	ids := make([]string, 0, len(g.Steps))
	for id := range g.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	inbound := make(map[string]int)
	for _, id := range ids {
		for _, e := range g.Children[id] {
			if _, ok := g.Steps[e.ChildID]; !ok {
				return g.graphErr(id, fmt.Sprintf("edge to unknown step %q", e.ChildID))
			}
			if _, err := e.Config(); err != nil {
				return g.graphErr(id, err.Error())
			}
			inbound[e.ChildID]++
		}
	}
	for src := range g.Children {
		if _, ok := g.Steps[src]; !ok {
			return g.graphErr(src, "edge from unknown step")
		}
	}

	for _, id := range ids {
		s := g.Steps[id]
		if s.Kind == types.StepEntrance && inbound[id] > 0 {
			return g.graphErr(id, "entrance step has inbound edges")
		}
		if err := g.validateConfig(s); err != nil {
			return err
		}
	}

	return g.checkAcyclic(ids)
}

// validateConfig checks the per-kind configuration, including rule compilation.
func (g *Graph) validateConfig(s *types.Step) error {
	switch cfg := s.Config.(type) {
	case *types.EntranceConfig:
		switch cfg.Trigger {
		case "", types.TriggerAPI:
		case types.TriggerList:
			if cfg.ListID == "" {
				return g.graphErr(s.ID, "list entrance without list_id")
			}
		case types.TriggerEvent:
			if cfg.EventName == "" {
				return g.graphErr(s.ID, "event entrance without event_name")
			}
		default:
			return g.graphErr(s.ID, fmt.Sprintf("unknown entrance trigger %q", cfg.Trigger))
		}
		if cfg.Rule != nil {
			if err := rules.Validate(*cfg.Rule); err != nil {
				return g.graphErr(s.ID, "entrance rule: "+err.Error())
			}
		}
	case *types.DelayConfig:
		if err := validateDelay(*cfg); err != nil {
			return g.graphErr(s.ID, err.Error())
		}
	case *types.GateConfig:
		if err := rules.Validate(cfg.Rule); err != nil {
			return g.graphErr(s.ID, "gate rule: "+err.Error())
		}
	case *types.BalancerConfig:
		if cfg.RateLimit > 0 && cfg.RateInterval.Duration() == 0 {
			return g.graphErr(s.ID, fmt.Sprintf("unknown rate interval %q", cfg.RateInterval))
		}
	case *types.ActionConfig:
		if cfg.CampaignID == "" {
			return g.graphErr(s.ID, "action without campaign_id")
		}
	case *types.UpdateConfig:
		if cfg.Template == "" {
			return g.graphErr(s.ID, "update without template")
		}
	case *types.MapConfig:
		if _, err := rules.ParsePath(cfg.Attribute); err != nil {
			return g.graphErr(s.ID, "map attribute: "+err.Error())
		}
	case *types.LinkConfig:
		if cfg.TargetID == "" {
			return g.graphErr(s.ID, "link without target_id")
		}
		if cfg.Delay != nil {
			if err := validateDelay(*cfg.Delay); err != nil {
				return g.graphErr(s.ID, "link delay: "+err.Error())
			}
		}
	case nil:
		return g.graphErr(s.ID, "step without config")
	}
	return nil
}

// checkAcyclic runs an iterative three-colour DFS from every step.
func (g *Graph) checkAcyclic(ids []string) error {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(ids))

	type frame struct {
		id   string
		next int
	}
	for _, root := range ids {
		if colour[root] != white {
			continue
		}
		stack := []frame{{id: root}}
		colour[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := g.Children[top.id]
			if top.next >= len(edges) {
				colour[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			child := edges[top.next].ChildID
			top.next++
			switch colour[child] {
			case grey:
				return g.graphErr(child, "cycle within a run")
			case white:
				colour[child] = grey
				stack = append(stack, frame{id: child})
			}
		}
	}
	return nil
}

func (g *Graph) graphErr(stepID, msg string) *types.GraphError {
	return &types.GraphError{JourneyID: g.Journey.ID, StepID: stepID, Message: msg}
}

// StepMapChild is one outgoing edge in the editor's step map shape.
type StepMapChild struct {
	UUID string `json:"uuid" yaml:"uuid"`
	Data any    `json:"data,omitempty" yaml:"data,omitempty"`
}

// StepMapEntry is one step in the editor's step map shape.
type StepMapEntry struct {
	Type     types.StepKind `json:"type" yaml:"type"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Data     any            `json:"data,omitempty" yaml:"data,omitempty"`
	DataKey  string         `json:"data_key,omitempty" yaml:"data_key,omitempty"`
	X        float64        `json:"x" yaml:"x"`
	Y        float64        `json:"y" yaml:"y"`
	Children []StepMapChild `json:"children,omitempty" yaml:"children,omitempty"`
}

// StepMap maps step id to step, the shape the editor publishes.
type StepMap map[string]StepMapEntry

// ParseStepMap decodes a step map from JSON or YAML.
func ParseStepMap(data []byte) (StepMap, error) {
	var m StepMap
	// JSON is valid YAML; yaml.v3 decodes nested mappings to map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse step map: %w", err)
	}
	if m == nil {
		return nil, errors.New("parse step map: empty document")
	}
	return m, nil
}

// FromStepMap builds a graph from the editor shape. Edge priority follows the
// order of each step's children list, offset by the step's sorted position so
// priorities are unique within the journey.
func FromStepMap(j types.Journey, m StepMap) (*Graph, error) {
	g := NewGraph(j)

	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	priority := 0
	for _, id := range ids {
		entry := m[id]
		data, err := marshalData(entry.Data)
		if err != nil {
			return nil, &types.GraphError{JourneyID: j.ID, StepID: id, Message: err.Error()}
		}
		step := types.Step{
			ID:      id,
			Kind:    entry.Type,
			Name:    entry.Name,
			Data:    data,
			DataKey: entry.DataKey,
			X:       entry.X,
			Y:       entry.Y,
		}
		if err := g.AddStep(step); err != nil {
			return nil, err
		}
		for _, child := range entry.Children {
			edgeData, err := marshalData(child.Data)
			if err != nil {
				return nil, &types.GraphError{JourneyID: j.ID, StepID: id, Message: err.Error()}
			}
			g.AddEdge(types.Edge{StepID: id, ChildID: child.UUID, Data: edgeData, Priority: priority})
			priority++
		}
	}
	return g, nil
}

// StepMap converts the graph back to the editor shape.
func (g *Graph) StepMap() StepMap {
	m := make(StepMap, len(g.Steps))
	for id, s := range g.Steps {
		entry := StepMapEntry{
			Type:    s.Kind,
			Name:    s.Name,
			DataKey: s.DataKey,
			X:       s.X,
			Y:       s.Y,
		}
		if len(s.Data) > 0 {
			var data any
			if err := json.Unmarshal(s.Data, &data); err == nil {
				entry.Data = data
			}
		}
		for _, e := range g.Children[id] {
			child := StepMapChild{UUID: e.ChildID}
			if len(e.Data) > 0 {
				var data any
				if err := json.Unmarshal(e.Data, &data); err == nil {
					child.Data = data
				}
			}
			entry.Children = append(entry.Children, child)
		}
		m[id] = entry
	}
	return m
}

func marshalData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return b, nil
}
