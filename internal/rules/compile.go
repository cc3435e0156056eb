// internal/rules/compile.go
package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/solatis/waypoint/internal/types"
)

/*
 * Rule compilation and validation.
 *
 * Compiles a types.Rule tree into a CompiledRule tree with parsed paths,
 * coerced comparison values, and children ordered by ascending cost.
 *
 * Compilation workflow:
 *   1. Validate the node: known type and group, operator valid for the type,
 *      children only on wrappers, value present when the operator needs one
 *   2. Parse the path and enforce depth/wildcard limits
 *   3. Coerce the rule value to the declared type once, up front
 *   4. Compile children recursively; order and/or children by cost
 *
 * Every structural problem is reported as *types.RuleEvalError. Evaluation of
 * a compiled rule cannot fail: missing data or values that do not coerce are
 * "not set" for the operator.
 *
 * Stable sort: children with equal cost keep authored order so evaluation
 * order is deterministic for identical inputs.
 */

// CompiledRule is a validated rule node ready for evaluation.
type CompiledRule struct {
	Source   types.Rule
	Type     types.RuleType
	Group    types.RuleGroup
	Operator types.Operator
	Path     []types.PathSegment
	Value    any // coerced comparison value (nil when the operator takes none)

	// EventName scopes an event wrapper to events with this name.
	// Empty means the triggering event.
	EventName string

	Children []*CompiledRule // and/or ordered by ascending cost; xor in authored order
	Cost     int
}

// Compile validates and pre-processes a rule tree for evaluation.
func Compile(rule types.Rule) (*CompiledRule, error) {
	return compileNode(rule, 1)
}

// Validate reports whether rule compiles. Returns the *types.RuleEvalError
// describing the first problem found.
func Validate(rule types.Rule) error {
	_, err := Compile(rule)
	return err
}

func compileNode(rule types.Rule, depth int) (*CompiledRule, error) {
	if depth > types.MaxRuleDepth {
		return nil, evalError(rule, "rule nesting exceeds %d levels", types.MaxRuleDepth)
	}

	group := rule.Group
	switch group {
	case "":
		group = types.GroupUser
	case types.GroupUser, types.GroupEvent:
	case types.GroupParent:
		if rule.Type != types.RuleWrapper {
			return nil, evalError(rule, "group %q is only valid on wrapper rules", rule.Group)
		}
		group = types.GroupUser
	default:
		return nil, evalError(rule, "unknown group %q", rule.Group)
	}

	if rule.Type == types.RuleWrapper {
		return compileWrapper(rule, group, depth)
	}
	if _, ok := operatorsByType[rule.Type]; !ok {
		return nil, evalError(rule, "unknown rule type %q", rule.Type)
	}
	return compileLeaf(rule, group)
}

// compileWrapper validates an and/or/xor node and compiles its children.
func compileWrapper(rule types.Rule, group types.RuleGroup, depth int) (*CompiledRule, error) {
	switch rule.Operator {
	case types.OpAnd, types.OpOr, types.OpXor:
	default:
		return nil, evalError(rule, "wrapper operator must be and, or or xor")
	}
	if len(rule.Children) > types.MaxRuleChildren {
		return nil, evalError(rule, "wrapper has more than %d children", types.MaxRuleChildren)
	}

	compiled := &CompiledRule{
		Source:   rule,
		Type:     types.RuleWrapper,
		Group:    group,
		Operator: rule.Operator,
		Children: make([]*CompiledRule, 0, len(rule.Children)),
	}

	if group == types.GroupEvent && !isNullJSON(rule.Value) {
		var name string
		if err := json.Unmarshal(rule.Value, &name); err != nil {
			return nil, evalError(rule, "event wrapper value must be an event name")
		}
		compiled.EventName = name
	}

	for _, child := range rule.Children {
		cc, err := compileNode(child, depth+1)
		if err != nil {
			return nil, err
		}
		compiled.Children = append(compiled.Children, cc)
	}

	// xor counts every child anyway; only and/or benefit from ordering
	if rule.Operator != types.OpXor {
		sort.SliceStable(compiled.Children, func(i, j int) bool {
			return compiled.Children[i].Cost < compiled.Children[j].Cost
		})
	}
	compiled.Cost = wrapperCost(compiled)
	return compiled, nil
}

// compileLeaf validates a comparison node and coerces its value.
func compileLeaf(rule types.Rule, group types.RuleGroup) (*CompiledRule, error) {
	if len(rule.Children) > 0 {
		return nil, evalError(rule, "only wrapper rules may have children")
	}
	if !operatorAllowed(rule.Type, rule.Operator) {
		return nil, evalError(rule, "operator not valid for %s rules", rule.Type)
	}

	path, err := ParsePath(rule.Path)
	if err != nil {
		return nil, evalError(rule, "%v", err)
	}

	compiled := &CompiledRule{
		Source:   rule,
		Type:     rule.Type,
		Group:    group,
		Operator: rule.Operator,
		Path:     path,
	}

	if needsValue(rule.Operator) {
		value, err := compileValue(rule)
		if err != nil {
			return nil, err
		}
		compiled.Value = value
	}

	compiled.Cost = CalculateRuleCost(path, rule.Operator, rule.Type)
	return compiled, nil
}

// compileValue decodes the raw rule value and coerces it to the rule type.
func compileValue(rule types.Rule) (any, error) {
	if isNullJSON(rule.Value) {
		return nil, evalError(rule, "operator requires a value")
	}
	var raw any
	if err := json.Unmarshal(rule.Value, &raw); err != nil {
		return nil, evalError(rule, "invalid value: %v", err)
	}

	// contains on arrays compares a single element
	if rule.Type == types.RuleArray && rule.Operator == types.OpContains {
		if _, isArr := raw.([]any); isArr {
			return nil, evalError(rule, "contains takes a single element")
		}
		return raw, nil
	}

	coerced, err := Coerce(raw, rule.Type)
	if err != nil {
		if errors.Is(err, types.ErrCoercionFailed) {
			return nil, evalError(rule, "value %s is not a valid %s", rule.Value, rule.Type)
		}
		return nil, evalError(rule, "%v", err)
	}
	if coerced.IsNull {
		return nil, evalError(rule, "operator requires a value")
	}
	return coerced.Value, nil
}

func evalError(rule types.Rule, format string, args ...any) *types.RuleEvalError {
	return &types.RuleEvalError{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
