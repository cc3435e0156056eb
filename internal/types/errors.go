package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for waypoint operations.
var (
	// ErrConcurrencyConflict indicates another worker already advanced the run.
	// Not a failure: the losing invocation discards its work.
	ErrConcurrencyConflict = errors.New("concurrency conflict: run already advanced")

	// ErrRunEnded indicates the run was ended (exit, cancellation) before the append.
	ErrRunEnded = errors.New("run has ended")

	// ErrJourneyNotFound indicates no journey exists with the given id.
	ErrJourneyNotFound = errors.New("journey not found")

	// ErrJourneyNotPublished indicates the journey exists but is not published.
	ErrJourneyNotPublished = errors.New("journey not published")

	// ErrEntryNotFound indicates no ledger entry exists with the given id.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrUnknownStepKind indicates a step type outside the closed set.
	ErrUnknownStepKind = errors.New("unknown step kind")

	// ErrPathTooDeep indicates a rule path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("rule path exceeds maximum depth")

	// ErrTooManyWildcards indicates a rule path exceeds MaxNestedWildcards.
	ErrTooManyWildcards = errors.New("rule path has too many wildcards")

	// ErrInvalidPath indicates a rule path that cannot be parsed.
	ErrInvalidPath = errors.New("invalid rule path")

	// ErrCoercionFailed indicates a value could not be coerced to the rule type.
	ErrCoercionFailed = errors.New("type coercion failed")
)

// RuleEvalError reports a malformed rule: an operator invalid for its type,
// a structurally invalid wrapper, or an unparsable path or value.
// Editors surface it as an invalid rule; it is never persisted as a result.
type RuleEvalError struct {
	Rule    Rule
	Message string
}

func (e *RuleEvalError) Error() string {
	if e.Rule.Path != "" {
		return fmt.Sprintf("rule %s %q (%s): %s", e.Rule.Type, e.Rule.Operator, e.Rule.Path, e.Message)
	}
	return fmt.Sprintf("rule %s %q: %s", e.Rule.Type, e.Rule.Operator, e.Message)
}

// GraphError reports a structurally invalid journey graph: dangling edges,
// a missing entrance, unknown step kinds or a cycle within one run.
// Processing of the affected journey halts until the graph is corrected.
type GraphError struct {
	JourneyID string
	StepID    string
	Message   string
}

func (e *GraphError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("journey %s: step %s: %s", e.JourneyID, e.StepID, e.Message)
	}
	return fmt.Sprintf("journey %s: %s", e.JourneyID, e.Message)
}

// IsRuleEvalError reports whether err (or its chain) is a *RuleEvalError.
func IsRuleEvalError(err error) bool {
	var re *RuleEvalError
	return errors.As(err, &re)
}

// IsGraphError reports whether err (or its chain) is a *GraphError.
func IsGraphError(err error) bool {
	var ge *GraphError
	return errors.As(err, &ge)
}
