// internal/rules/operators.go
package rules

import (
	"slices"
	"strings"
	"time"

	"github.com/solatis/waypoint/internal/types"
)

/*
 * Operator comparison logic.
 *
 * A path can match several values (wildcards, arrays of objects). Every
 * comparison operator uses ANY semantics over the matches: the rule holds if
 * at least one coerced value satisfies it. Negated operators (!=, not
 * contains, not starts with) hold when the value is set and no match
 * satisfies the positive form, so an unset value never satisfies a
 * relational or equality operator in either direction.
 *
 * Values reach these functions already coerced via Coerce(); matches that
 * failed coercion have been dropped by the caller.
 */

// operatorsByType lists the operators each leaf type accepts.
var operatorsByType = map[types.RuleType][]types.Operator{
	types.RuleString: {
		types.OpEquals, types.OpNotEquals, types.OpIsSet, types.OpIsNotSet, types.OpEmpty,
		types.OpContains, types.OpNotContains, types.OpStartsWith, types.OpNotStartsWith,
	},
	types.RuleNumber: {
		types.OpEquals, types.OpNotEquals, types.OpLess, types.OpLessEqual,
		types.OpGreater, types.OpGreaterEqual, types.OpIsSet, types.OpIsNotSet,
	},
	types.RuleDate: {
		types.OpEquals, types.OpNotEquals, types.OpLess, types.OpLessEqual,
		types.OpGreater, types.OpGreaterEqual, types.OpIsSet, types.OpIsNotSet,
	},
	types.RuleBoolean: {
		types.OpEquals,
	},
	types.RuleArray: {
		types.OpEquals, types.OpNotEquals, types.OpContains, types.OpEmpty,
		types.OpIsSet, types.OpIsNotSet,
	},
}

// operatorAllowed reports whether op is valid for a leaf of type t.
func operatorAllowed(t types.RuleType, op types.Operator) bool {
	return slices.Contains(operatorsByType[t], op)
}

// needsValue reports whether op compares against the rule value.
func needsValue(op types.Operator) bool {
	switch op {
	case types.OpIsSet, types.OpIsNotSet, types.OpEmpty:
		return false
	}
	return true
}

// compareString applies a string operator over every matched text.
func compareString(op types.Operator, texts []string, target string) bool {
	switch op {
	case types.OpEquals:
		return slices.Contains(texts, target)
	case types.OpNotEquals:
		return len(texts) > 0 && !slices.Contains(texts, target)
	case types.OpEmpty:
		return slices.Contains(texts, "")
	case types.OpContains:
		return anyText(texts, func(s string) bool { return strings.Contains(s, target) })
	case types.OpNotContains:
		return len(texts) > 0 && !anyText(texts, func(s string) bool { return strings.Contains(s, target) })
	case types.OpStartsWith:
		return anyText(texts, func(s string) bool { return strings.HasPrefix(s, target) })
	case types.OpNotStartsWith:
		return len(texts) > 0 && !anyText(texts, func(s string) bool { return strings.HasPrefix(s, target) })
	default:
		return false
	}
}

func anyText(texts []string, pred func(string) bool) bool {
	for _, s := range texts {
		if pred(s) {
			return true
		}
	}
	return false
}

// compareOrdered applies a relational operator given the three-way comparison
// (-1/0/1) of every matched value against the rule value.
func compareOrdered(op types.Operator, cmps []int) bool {
	switch op {
	case types.OpEquals:
		return slices.Contains(cmps, 0)
	case types.OpNotEquals:
		return len(cmps) > 0 && !slices.Contains(cmps, 0)
	}
	for _, c := range cmps {
		switch op {
		case types.OpLess:
			if c < 0 {
				return true
			}
		case types.OpLessEqual:
			if c <= 0 {
				return true
			}
		case types.OpGreater:
			if c > 0 {
				return true
			}
		case types.OpGreaterEqual:
			if c >= 0 {
				return true
			}
		}
	}
	return false
}

// compareFloat performs three-way numeric comparison (-1/0/1).
func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareTime performs three-way instant comparison (-1/0/1).
func compareTime(a, b time.Time) int {
	return a.Compare(b)
}

// compareBoolean applies strict equality after boolean coercion.
func compareBoolean(op types.Operator, vals []bool, target bool) bool {
	if op != types.OpEquals {
		return false
	}
	return slices.Contains(vals, target)
}

// compareArray applies an array operator. elems is the flattened array the
// path resolved to; set reports whether the path resolved at all.
func compareArray(op types.Operator, elems []any, set bool, target any) bool {
	switch op {
	case types.OpContains:
		for _, e := range elems {
			if compareEqual(e, target) {
				return true
			}
		}
		return false
	case types.OpEmpty:
		return set && len(elems) == 0
	case types.OpEquals:
		want, _ := target.([]any)
		return set && sameElements(elems, want)
	case types.OpNotEquals:
		want, _ := target.([]any)
		return set && !sameElements(elems, want)
	default:
		return false
	}
}

// sameElements compares two arrays as multisets of their text forms.
func sameElements(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	return slices.Equal(sortedTexts(a), sortedTexts(b))
}

// compareEqual performs equality with numeric tolerance for mixed number
// representations, falling back to text equality.
func compareEqual(a, b any) bool {
	if na, nb, ok := asNumbers(a, b); ok {
		return na == nb
	}
	return textOf(a) == textOf(b)
}

// asNumbers attempts to convert both values to float64 for numeric comparison.
func asNumbers(a, b any) (float64, float64, bool) {
	na, oka := toFloat64(a)
	nb, okb := toFloat64(b)
	return na, nb, oka && okb
}

// toFloat64 converts value to float64 if it's a native numeric type.
// Handles float64 from JSON unmarshaling and ints from Go callers.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ValuesEqual reports whether two loosely typed values are equal: numerically
// when both are numbers, by text form otherwise. Map steps route with it.
func ValuesEqual(a, b any) bool {
	return compareEqual(a, b)
}
