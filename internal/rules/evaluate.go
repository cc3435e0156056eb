// internal/rules/evaluate.go
package rules

import (
	"time"

	"github.com/solatis/waypoint/internal/types"
)

/*
 * Rule evaluation.
 *
 * Evaluates a CompiledRule tree against a Subject: the user's profile, the
 * triggering event (optional) and the user's recent events.
 *
 * Evaluation flow:
 *   1. Wrappers combine children: and (all), or (any), xor (exactly one).
 *      and/or short-circuit in cost order; xor stops once two children hold.
 *   2. Event wrappers with a value rescope their children to each event of
 *      that name (trigger first, then recent events) and hold if any scope
 *      satisfies the combination. Without a value they use the current event.
 *   3. Leaves resolve their path against the user document or the scoped
 *      event document, coerce each match, and apply the operator with ANY
 *      semantics (see operators.go).
 *
 * Empty wrappers: and is true (vacuous truth, the "all users" list), or and
 * xor are false. A named event wrapper with no children asks only whether the
 * event happened.
 *
 * Evaluation is pure and cannot fail: all structural errors surface from
 * Compile as *types.RuleEvalError.
 */

// scope is the data visible to a rule node.
type scope struct {
	subject *types.Subject
	event   *types.Event
}

// Matches evaluates a compiled rule against subject.
func Matches(rule *CompiledRule, subject types.Subject) bool {
	return evaluateNode(rule, scope{subject: &subject, event: subject.Event})
}

// Evaluate compiles and evaluates rule against subject in one call.
// Returns *types.RuleEvalError if the rule is malformed.
func Evaluate(subject types.Subject, rule types.Rule) (bool, error) {
	compiled, err := Compile(rule)
	if err != nil {
		return false, err
	}
	return Matches(compiled, subject), nil
}

func evaluateNode(rule *CompiledRule, sc scope) bool {
	if rule.Type != types.RuleWrapper {
		return evaluateLeaf(rule, sc)
	}
	if rule.Group == types.GroupEvent && rule.EventName != "" {
		return evaluateNamedEvent(rule, sc)
	}
	return combine(rule, sc)
}

// evaluateNamedEvent holds if any event called rule.EventName satisfies the
// wrapper's combination of children.
func evaluateNamedEvent(rule *CompiledRule, sc scope) bool {
	if ev := sc.subject.Event; ev != nil && ev.Name == rule.EventName {
		if combine(rule, scope{subject: sc.subject, event: ev}) {
			return true
		}
	}
	for i := range sc.subject.Events {
		ev := &sc.subject.Events[i]
		if ev.Name != rule.EventName {
			continue
		}
		if combine(rule, scope{subject: sc.subject, event: ev}) {
			return true
		}
	}
	return false
}

// combine applies the wrapper operator over its children.
func combine(rule *CompiledRule, sc scope) bool {
	switch rule.Operator {
	case types.OpAnd:
		for _, child := range rule.Children {
			if !evaluateNode(child, sc) {
				return false
			}
		}
		return true
	case types.OpOr:
		for _, child := range rule.Children {
			if evaluateNode(child, sc) {
				return true
			}
		}
		return false
	case types.OpXor:
		count := 0
		for _, child := range rule.Children {
			if evaluateNode(child, sc) {
				count++
				if count > 1 {
					return false
				}
			}
		}
		return count == 1
	default:
		return false
	}
}

// document returns what a leaf's path resolves against.
func (sc scope) document(group types.RuleGroup) any {
	if group == types.GroupEvent {
		if sc.event == nil {
			return nil
		}
		return sc.event.Document()
	}
	if sc.subject.User == nil {
		return nil
	}
	return sc.subject.User
}

// evaluateLeaf orchestrates: resolve path -> coerce type -> compare operator.
func evaluateLeaf(rule *CompiledRule, sc scope) bool {
	doc := sc.document(rule.Group)
	var matches []any
	if doc != nil {
		matches = Resolve(rule.Path, doc).Values
	}

	if rule.Type == types.RuleArray {
		return evaluateArray(rule, matches)
	}

	switch rule.Type {
	case types.RuleString:
		texts := make([]string, 0, len(matches))
		for _, m := range matches {
			if c, err := Coerce(m, types.RuleString); err == nil && !c.IsNull {
				texts = append(texts, c.Value.(string))
			}
		}
		set := false
		for _, t := range texts {
			if t != "" {
				set = true
				break
			}
		}
		switch rule.Operator {
		case types.OpIsSet:
			return set
		case types.OpIsNotSet:
			return !set
		}
		target, _ := rule.Value.(string)
		return compareString(rule.Operator, texts, target)

	case types.RuleNumber:
		target, _ := rule.Value.(float64)
		cmps := make([]int, 0, len(matches))
		for _, m := range matches {
			if c, err := Coerce(m, types.RuleNumber); err == nil && !c.IsNull {
				cmps = append(cmps, compareFloat(c.Value.(float64), target))
			}
		}
		return applySetOrOrdered(rule.Operator, cmps)

	case types.RuleDate:
		target, _ := rule.Value.(time.Time)
		cmps := make([]int, 0, len(matches))
		for _, m := range matches {
			if c, err := Coerce(m, types.RuleDate); err == nil && !c.IsNull {
				cmps = append(cmps, compareTime(c.Value.(time.Time), target))
			}
		}
		return applySetOrOrdered(rule.Operator, cmps)

	case types.RuleBoolean:
		target, _ := rule.Value.(bool)
		vals := make([]bool, 0, len(matches))
		for _, m := range matches {
			if c, err := Coerce(m, types.RuleBoolean); err == nil && !c.IsNull {
				vals = append(vals, c.Value.(bool))
			}
		}
		return compareBoolean(rule.Operator, vals, target)
	}
	return false
}

// applySetOrOrdered handles is set/is not set for ordered types, where a
// value is set only if it coerced successfully.
func applySetOrOrdered(op types.Operator, cmps []int) bool {
	switch op {
	case types.OpIsSet:
		return len(cmps) > 0
	case types.OpIsNotSet:
		return len(cmps) == 0
	}
	return compareOrdered(op, cmps)
}

// evaluateArray flattens the matches into one array. A single match that is
// itself an array is used as-is; several matches (wildcards) form the array.
func evaluateArray(rule *CompiledRule, matches []any) bool {
	var elems []any
	set := false
	if len(matches) == 1 {
		if matches[0] != nil {
			set = true
			c, _ := Coerce(matches[0], types.RuleArray)
			elems, _ = c.Value.([]any)
		}
	} else {
		for _, m := range matches {
			if m != nil {
				set = true
				elems = append(elems, m)
			}
		}
	}

	switch rule.Operator {
	case types.OpIsSet:
		return set
	case types.OpIsNotSet:
		return !set
	}
	return compareArray(rule.Operator, elems, set, rule.Value)
}
