// internal/rules/fieldpath.go
package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/solatis/waypoint/internal/types"
)

/*
 * Rule path parsing and resolution.
 *
 * Paths are JSONPath-like: $.profile.age, $.items[0].sku, $.items[*].sku,
 * $['odd key'], $.* . A path without the leading "$" is treated as relative
 * to the root ("age" == "$.age").
 *
 * Resolution returns every match (zero, one or many). Wildcards expand all
 * elements; object wildcards iterate keys in sorted order so results are
 * deterministic. Missing data is not an error: it yields no matches, which
 * operators treat as "not set".
 *
 * Limits: MaxPathDepth segments and MaxNestedWildcards wildcards, enforced at
 * parse time so compiled rules never exceed them.
 */

// ParsePath parses a JSONPath-like string into segments.
func ParsePath(path string) ([]types.PathSegment, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, fmt.Errorf("%w: empty path", types.ErrInvalidPath)
	}
	if !strings.HasPrefix(p, "$") {
		p = "$." + p
	}
	p = p[1:]

	var segs []types.PathSegment
	for len(p) > 0 {
		switch p[0] {
		case '.':
			p = p[1:]
			if strings.HasPrefix(p, "*") {
				segs = append(segs, types.PathSegment{Wildcard: true})
				p = p[1:]
				continue
			}
			end := strings.IndexAny(p, ".[")
			if end < 0 {
				end = len(p)
			}
			key := p[:end]
			if key == "" {
				return nil, fmt.Errorf("%w: empty key in %q", types.ErrInvalidPath, path)
			}
			segs = append(segs, types.PathSegment{Key: key})
			p = p[end:]
		case '[':
			end := strings.IndexByte(p, ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated bracket in %q", types.ErrInvalidPath, path)
			}
			inner := strings.TrimSpace(p[1:end])
			seg, err := parseBracket(inner)
			if err != nil {
				return nil, fmt.Errorf("%w: %v in %q", types.ErrInvalidPath, err, path)
			}
			segs = append(segs, seg)
			p = p[end+1:]
		default:
			return nil, fmt.Errorf("%w: unexpected %q in %q", types.ErrInvalidPath, p[0], path)
		}
	}

	if len(segs) > types.MaxPathDepth {
		return nil, types.ErrPathTooDeep
	}
	wildcards := 0
	for _, seg := range segs {
		if seg.Wildcard {
			wildcards++
		}
	}
	if wildcards > types.MaxNestedWildcards {
		return nil, types.ErrTooManyWildcards
	}
	return segs, nil
}

// parseBracket parses the inside of [...]: *, an index, or a quoted key.
func parseBracket(inner string) (types.PathSegment, error) {
	if inner == "*" {
		return types.PathSegment{Wildcard: true}, nil
	}
	if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
		return types.PathSegment{Key: inner[1 : len(inner)-1]}, nil
	}
	idx, err := strconv.Atoi(inner)
	if err != nil || idx < 0 {
		return types.PathSegment{}, fmt.Errorf("bad index %q", inner)
	}
	return types.PathSegment{Index: idx, IsIndex: true}, nil
}

// ResolveResult contains every value matched by a path.
type ResolveResult struct {
	Values []any // matched values, including explicit nulls
	Found  bool  // true if at least one value matched
}

// Resolve traverses doc following path and collects all matches.
func Resolve(path []types.PathSegment, doc any) ResolveResult {
	var out []any
	resolveRecursive(path, doc, &out)
	return ResolveResult{Values: out, Found: len(out) > 0}
}

// resolveRecursive walks nested maps and slices, appending every match to out.
func resolveRecursive(path []types.PathSegment, current any, out *[]any) {
	if len(path) == 0 {
		*out = append(*out, current)
		return
	}

	seg := path[0]
	remaining := path[1:]

	switch v := current.(type) {
	case map[string]any:
		if seg.Wildcard {
			// Sort keys for deterministic iteration order
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				resolveRecursive(remaining, v[key], out)
			}
			return
		}
		if seg.IsIndex {
			return
		}
		val, ok := v[seg.Key]
		if !ok {
			return
		}
		resolveRecursive(remaining, val, out)

	case []any:
		if seg.Wildcard {
			for _, elem := range v {
				resolveRecursive(remaining, elem, out)
			}
			return
		}
		if !seg.IsIndex || seg.Index >= len(v) {
			return
		}
		resolveRecursive(remaining, v[seg.Index], out)

	case map[string]string:
		// Profile stores occasionally hand back flat string maps.
		if seg.Wildcard || seg.IsIndex {
			return
		}
		if val, ok := v[seg.Key]; ok {
			resolveRecursive(remaining, val, out)
		}

	case []map[string]any:
		generic := make([]any, len(v))
		for i := range v {
			generic[i] = v[i]
		}
		resolveRecursive(path, generic, out)

	case []string:
		generic := make([]any, len(v))
		for i := range v {
			generic[i] = v[i]
		}
		resolveRecursive(path, generic, out)
	}
}

// Lookup parses path and resolves it against doc. Parse errors yield no matches.
func Lookup(doc any, path string) []any {
	segs, err := ParsePath(path)
	if err != nil {
		return nil
	}
	return Resolve(segs, doc).Values
}
