// internal/rules/cost.go
package rules

import "github.com/solatis/waypoint/internal/types"

/*
 * Cost model for rule evaluation.
 *
 * Cost formula for leaves: lookup_cost + (operator_cost * type_multiplier * 8^wildcards)
 * Wrappers cost the sum of their children; event wrappers scoped to a named
 * event multiply by EventScanMultiplier since they rescan recent events.
 *
 * And/or children are evaluated cheapest first so the short circuit skips
 * the expensive ones as often as possible.
 *
 * Wildcard execution multiplier: 8^n reflects worst-case fanout per wildcard.
 * With MaxNestedWildcards=2, ceiling is 64x cost.
 */

const (
	// Operator base costs
	CostIsSet    = 1
	CostEq       = 5
	CostOrdered  = 7
	CostContains = 10
	CostPrefix   = 10

	// Field lookup cost per key component
	CostLookupPerSegment = 128

	// Type multipliers
	MultiplierBool   = 1
	MultiplierNumber = 4
	MultiplierDate   = 8
	MultiplierString = 48
	MultiplierArray  = 128

	// EventScanMultiplier approximates the recent-event fanout of a named event wrapper.
	EventScanMultiplier = 16
)

// CalculateRuleCost computes cost for a single leaf rule.
// cost = lookup_cost + (operator_cost * type_multiplier * 8^wildcards)
func CalculateRuleCost(path []types.PathSegment, op types.Operator, ruleType types.RuleType) int {
	lookupCost := 0
	wildcardCount := 0
	for _, seg := range path {
		if seg.Key != "" {
			lookupCost += CostLookupPerSegment
		}
		if seg.Wildcard {
			wildcardCount++
		}
	}

	// Execution multiplier: 8^n for n wildcards
	execMult := 1
	for i := 0; i < wildcardCount; i++ {
		execMult *= 8
	}

	return lookupCost + (operatorCost(op) * typeMultiplier(ruleType) * execMult)
}

// wrapperCost sums the children, scaled when the wrapper scans named events.
func wrapperCost(c *CompiledRule) int {
	total := 1
	for _, child := range c.Children {
		total += child.Cost
	}
	if c.EventName != "" {
		total *= EventScanMultiplier
	}
	return total
}

// operatorCost returns base cost for operator execution.
func operatorCost(op types.Operator) int {
	switch op {
	case types.OpIsSet, types.OpIsNotSet, types.OpEmpty:
		return CostIsSet
	case types.OpEquals, types.OpNotEquals:
		return CostEq
	case types.OpLess, types.OpLessEqual, types.OpGreater, types.OpGreaterEqual:
		return CostOrdered
	case types.OpContains, types.OpNotContains:
		return CostContains
	case types.OpStartsWith, types.OpNotStartsWith:
		return CostPrefix
	default:
		return CostEq
	}
}

// typeMultiplier returns cost multiplier based on comparison complexity.
func typeMultiplier(t types.RuleType) int {
	switch t {
	case types.RuleBoolean:
		return MultiplierBool
	case types.RuleNumber:
		return MultiplierNumber
	case types.RuleDate:
		return MultiplierDate
	case types.RuleString:
		return MultiplierString
	default:
		return MultiplierArray
	}
}
