// internal/rules/engine.go
package rules

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/solatis/waypoint/internal/types"
)

/*
 * Engine is the shared evaluator used by the scheduler (gates, entrance
 * rules) and the list materializer.
 *
 * It memoizes compiled rules by fingerprint and optionally caches results per
 * (rule, user, subject digest). The result cache is a pure optimization:
 * the subject digest is part of the key, so a changed profile or event never
 * reads a stale result even without invalidation. Invalidate(userID) drops a
 * user's entries early to keep memory bounded after profile writes.
 */

// DefaultCacheSize bounds the result cache when no size is configured.
const DefaultCacheSize = 10000

// maxCompiledRules bounds the compiled-rule memo independently of the result
// cache, which may be disabled.
const maxCompiledRules = 4096

// Engine compiles and evaluates rules with memoization.
type Engine struct {
	compiledMu sync.Mutex
	compiled   map[uint64]*CompiledRule

	mu       sync.Mutex
	results  map[cacheKey]bool
	byUser   map[string][]cacheKey
	capacity int
}

type cacheKey struct {
	rule    uint64
	user    string
	subject uint64
}

// NewEngine creates a rules engine with a result cache of the given capacity.
// A capacity <= 0 disables result caching.
func NewEngine(cacheSize int) *Engine {
	return &Engine{
		compiled: make(map[uint64]*CompiledRule),
		results:  make(map[cacheKey]bool),
		byUser:   make(map[string][]cacheKey),
		capacity: cacheSize,
	}
}

// Compile returns the compiled form of rule, reusing a previous compilation
// of an identical rule. Rules without a fingerprint are compiled every time.
func (e *Engine) Compile(rule types.Rule) (*CompiledRule, error) {
	fp, ok := Fingerprint(rule)
	if !ok {
		return Compile(rule)
	}

	e.compiledMu.Lock()
	c, hit := e.compiled[fp]
	e.compiledMu.Unlock()
	if hit {
		return c, nil
	}

	c, err := Compile(rule)
	if err != nil {
		return nil, err
	}

	e.compiledMu.Lock()
	defer e.compiledMu.Unlock()
	if len(e.compiled) >= maxCompiledRules {
		clear(e.compiled)
	}
	e.compiled[fp] = c
	return c, nil
}

// Evaluate evaluates rule against subject without result caching.
func (e *Engine) Evaluate(subject types.Subject, rule types.Rule) (bool, error) {
	c, err := e.Compile(rule)
	if err != nil {
		return false, err
	}
	return Matches(c, subject), nil
}

// EvaluateFor evaluates rule for userID, consulting the result cache.
func (e *Engine) EvaluateFor(userID string, subject types.Subject, rule types.Rule) (bool, error) {
	c, err := e.Compile(rule)
	if err != nil {
		return false, err
	}
	fp, ok := Fingerprint(rule)
	if e.capacity <= 0 || userID == "" || !ok {
		return Matches(c, subject), nil
	}

	key := cacheKey{rule: fp, user: userID, subject: SubjectDigest(subject)}
	e.mu.Lock()
	result, ok := e.results[key]
	e.mu.Unlock()
	if ok {
		return result, nil
	}

	result = Matches(c, subject)

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.results) >= e.capacity {
		// Cheap full reset; entries are recomputed on demand
		clear(e.results)
		clear(e.byUser)
	}
	e.results[key] = result
	e.byUser[userID] = append(e.byUser[userID], key)
	return result, nil
}

// Invalidate drops every cached result for userID.
func (e *Engine) Invalidate(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range e.byUser[userID] {
		delete(e.results, key)
	}
	delete(e.byUser, userID)
}

// CachedResults returns the number of cached results.
func (e *Engine) CachedResults() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.results)
}

// Fingerprint returns a stable 64-bit hash of the rule's wire form. It
// reports false when the rule does not marshal, such as a malformed raw value.
func Fingerprint(rule types.Rule) (uint64, bool) {
	b, err := json.Marshal(rule)
	if err != nil {
		return 0, false
	}
	return murmur3.Sum64(b), true
}

// SubjectDigest hashes the subject's user, trigger and recent events.
// encoding/json sorts map keys, so equal subjects hash equally.
func SubjectDigest(subject types.Subject) uint64 {
	h := murmur3.New64()
	for _, part := range []any{subject.User, subject.Event, subject.Events} {
		b, err := json.Marshal(part)
		if err != nil {
			continue
		}
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	return h.Sum64()
}
