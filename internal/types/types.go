// Package types provides domain models shared across waypoint components.
//
// Rule and journey graph types mirror the JSON shapes authored by the editor
// and persisted by the CRUD API; they are wire-format types and must round-trip
// losslessly. Ledger entries are the engine's own persistent state.
//
// Dependencies: encoding/json and time only. ID helpers in ids.go import uuid.
package types

import "time"

// Event is a tracked user event. Event-group rule paths resolve against
// Event.Document(), not against Data directly.
type Event struct {
	Name      string         `json:"name"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Document returns the object event-group paths are resolved against:
// {"name": ..., "data": {...}, "created_at": ...}.
func (e Event) Document() map[string]any {
	doc := map[string]any{
		"name": e.Name,
		"data": e.Data,
	}
	if !e.CreatedAt.IsZero() {
		doc["created_at"] = e.CreatedAt.UTC().Format(time.RFC3339)
	}
	if e.Data == nil {
		doc["data"] = map[string]any{}
	}
	return doc
}

// Subject is the data a rule is evaluated against.
// Event is the triggering event (may be nil); Events are the user's recent events.
type Subject struct {
	User   map[string]any
	Event  *Event
	Events []Event
}

// UserData is what the User Profile Store returns for a user.
type UserData struct {
	User         map[string]any
	RecentEvents []Event
}

// Subject builds an evaluation subject from profile data and an optional triggering event.
func (d UserData) Subject(trigger *Event) Subject {
	return Subject{User: d.User, Event: trigger, Events: d.RecentEvents}
}

// Resource limits enforced by the rule evaluator and the scheduler.
const (
	// MaxPathDepth prevents unbounded recursion during path resolution.
	MaxPathDepth = 16

	// MaxNestedWildcards limits wildcard fan-out in a single path.
	MaxNestedWildcards = 2

	// MaxRuleDepth bounds wrapper nesting so compilation cannot overflow the stack.
	MaxRuleDepth = 32

	// MaxRuleChildren bounds the width of a single wrapper.
	MaxRuleChildren = 256
)
