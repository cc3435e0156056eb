// internal/rules/coercion.go
package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/solatis/waypoint/internal/types"
)

/*
 * Type coercion for rule evaluation.
 *
 * Every leaf rule declares a type; both the rule value (at compile time) and
 * the resolved user/event values (at evaluation time) are coerced to it
 * before comparison.
 *
 * Null values and coercion failures are distinct. Coerce reports IsNull for
 * nil input; impossible coercions return ErrCoercionFailed. Evaluation treats
 * both as "not set" for that match, so a malformed profile field never fails
 * a whole rule tree.
 *
 * Type modes:
 *   - string: lenient, every scalar formats to text
 *   - number: numeric strings accepted, booleans rejected
 *   - boolean: bools plus "true"/"false" strings and 0/1
 *   - date: RFC3339, date-only, or unix seconds (milliseconds above 1e12)
 *   - array: values kept as-is; scalars become one-element arrays
 */

// CoercionResult holds the coerced value or indicates null.
type CoercionResult struct {
	Value  any  // coerced value (valid only if !IsNull)
	IsNull bool // true if input was nil/null
}

// Coerce attempts to convert value to the given rule type.
// Returns CoercionResult with IsNull=true for nil input.
// Returns ErrCoercionFailed for impossible coercions.
func Coerce(value any, ruleType types.RuleType) (CoercionResult, error) {
	if value == nil {
		return CoercionResult{IsNull: true}, nil
	}

	switch ruleType {
	case types.RuleNumber:
		return coerceNumber(value)
	case types.RuleString:
		return coerceText(value)
	case types.RuleBoolean:
		return coerceBoolean(value)
	case types.RuleDate:
		return coerceDate(value)
	case types.RuleArray:
		return coerceArray(value)
	default:
		return CoercionResult{}, types.ErrCoercionFailed
	}
}

// coerceNumber converts value to float64. Numeric strings are trimmed and
// parsed; booleans and whitespace-only strings fail.
func coerceNumber(value any) (CoercionResult, error) {
	if f, ok := toFloat64(value); ok {
		return CoercionResult{Value: f}, nil
	}
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return CoercionResult{}, types.ErrCoercionFailed
		}
		return CoercionResult{Value: f}, nil
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return CoercionResult{}, types.ErrCoercionFailed
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) {
			return CoercionResult{}, types.ErrCoercionFailed
		}
		return CoercionResult{Value: f}, nil
	default:
		return CoercionResult{}, types.ErrCoercionFailed
	}
}

// coerceText converts every type to its string representation.
// Objects and arrays format as compact JSON.
func coerceText(value any) (CoercionResult, error) {
	return CoercionResult{Value: textOf(value)}, nil
}

// textOf is the canonical text form used by string rules and array equality.
func textOf(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// coerceBoolean accepts bools, the strings "true"/"false" and the numbers 0/1.
func coerceBoolean(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case bool:
		return CoercionResult{Value: v}, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return CoercionResult{Value: true}, nil
		case "false":
			return CoercionResult{Value: false}, nil
		}
		return CoercionResult{}, types.ErrCoercionFailed
	}
	if f, ok := toFloat64(value); ok {
		switch f {
		case 0:
			return CoercionResult{Value: false}, nil
		case 1:
			return CoercionResult{Value: true}, nil
		}
	}
	return CoercionResult{}, types.ErrCoercionFailed
}

// dateLayouts are tried in order for string dates.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerceDate converts value to a UTC time.Time.
func coerceDate(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case time.Time:
		return CoercionResult{Value: v.UTC()}, nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return CoercionResult{Value: t.UTC()}, nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return CoercionResult{Value: unixTime(f)}, nil
		}
		return CoercionResult{}, types.ErrCoercionFailed
	}
	if f, ok := toFloat64(value); ok {
		return CoercionResult{Value: unixTime(f)}, nil
	}
	if n, ok := value.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return CoercionResult{Value: unixTime(f)}, nil
		}
	}
	return CoercionResult{}, types.ErrCoercionFailed
}

// unixTime interprets f as unix seconds, or milliseconds when implausibly large.
func unixTime(f float64) time.Time {
	if math.Abs(f) >= 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// coerceArray keeps slices as-is and wraps scalars.
func coerceArray(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case []any:
		return CoercionResult{Value: v}, nil
	case []string:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return CoercionResult{Value: out}, nil
	default:
		return CoercionResult{Value: []any{v}}, nil
	}
}

// sortedTexts returns the canonical text of each element, sorted, for
// order-insensitive array comparison.
func sortedTexts(values []any) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = textOf(v)
	}
	sort.Strings(out)
	return out
}
