package types

import "encoding/json"

/*
 * Rule wire types.
 *
 * A Rule is the recursive JSON structure authored by the rule builder:
 *   {type, group, path, operator, value?, children?}
 *
 * Only wrapper rules carry children. Leaf rules carry a path and an operator
 * valid for their type. Validation happens in internal/rules at compile time,
 * never in storage.
 *
 * Lossless round trip: Value is kept as raw JSON so an explicit null survives,
 * and Children distinguishes an absent list from an empty one.
 */

// RuleType is the declared type of a rule node.
type RuleType string

const (
	RuleWrapper RuleType = "wrapper"
	RuleString  RuleType = "string"
	RuleNumber  RuleType = "number"
	RuleBoolean RuleType = "boolean"
	RuleDate    RuleType = "date"
	RuleArray   RuleType = "array"
)

// RuleGroup selects the document a rule path is resolved against.
type RuleGroup string

const (
	GroupUser  RuleGroup = "user"
	GroupEvent RuleGroup = "event"

	// GroupParent marks a root wrapper authored by the rule builder. It is
	// only valid on wrappers and evaluates in user scope.
	GroupParent RuleGroup = "parent"
)

// Operator is the comparison or combinator of a rule node.
type Operator string

const (
	OpEquals        Operator = "="
	OpNotEquals     Operator = "!="
	OpLess          Operator = "<"
	OpLessEqual     Operator = "<="
	OpGreater       Operator = ">"
	OpGreaterEqual  Operator = ">="
	OpIsSet         Operator = "is set"
	OpIsNotSet      Operator = "is not set"
	OpEmpty         Operator = "empty"
	OpContains      Operator = "contains"
	OpNotContains   Operator = "not contains"
	OpStartsWith    Operator = "starts with"
	OpNotStartsWith Operator = "not starts with"
	OpAnd           Operator = "and"
	OpOr            Operator = "or"
	OpXor           Operator = "xor"
)

// Rule is one node of a rule tree.
type Rule struct {
	Type     RuleType        `json:"type"`
	Group    RuleGroup       `json:"group"`
	Path     string          `json:"path,omitempty"`
	Operator Operator        `json:"operator"`
	Value    json.RawMessage `json:"value,omitempty"`
	Children []Rule          `json:"children,omitempty"`
}

// MarshalJSON keeps an explicitly empty children list in the output.
func (r Rule) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type     RuleType        `json:"type"`
		Group    RuleGroup       `json:"group"`
		Path     string          `json:"path,omitempty"`
		Operator Operator        `json:"operator"`
		Value    json.RawMessage `json:"value,omitempty"`
		Children *[]Rule         `json:"children,omitempty"`
	}
	w := wire{
		Type:     r.Type,
		Group:    r.Group,
		Path:     r.Path,
		Operator: r.Operator,
		Value:    r.Value,
	}
	if r.Children != nil {
		w.Children = &r.Children
	}
	return json.Marshal(w)
}

// PathSegment represents one component of a rule path.
type PathSegment struct {
	Key      string // object key (mutually exclusive with Index/Wildcard)
	Index    int    // array index (mutually exclusive with Key/Wildcard)
	IsIndex  bool   // disambiguates Index=0 from unset
	Wildcard bool   // matches every element or member
}
