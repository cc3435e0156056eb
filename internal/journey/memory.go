package journey

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/solatis/waypoint/internal/types"
)

// In-memory implementations of the store contracts. They back the tests and
// single-process runs (`waypoint rule eval`, dry runs); they honour the same
// atomicity rules as the SQL stores.

// MemoryLedger is a Ledger held in process memory.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*types.Entry
	seq     map[string]int
	refs    map[refKey]string
	next    int
}

type refKey struct {
	user, journey, ref string
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]*types.Entry),
		seq:     make(map[string]int),
		refs:    make(map[refKey]string),
	}
}

func (l *MemoryLedger) Append(_ context.Context, prev *types.Entry, next types.Entry) (types.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if next.ID == "" {
		next.ID = types.NewID()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}
	if next.Ref == "" {
		return types.Entry{}, fmt.Errorf("append %s: empty ref", next.ID)
	}

	var stored *types.Entry
	if prev != nil {
		stored = l.entries[prev.ID]
		if stored == nil {
			return types.Entry{}, types.ErrEntryNotFound
		}
		if run := l.entries[stored.RunID()]; run == nil || run.EndedAt != nil {
			return types.Entry{}, types.ErrRunEnded
		}
		if prev.DelayUntil != nil && stored.DelayUntil == nil {
			return types.Entry{}, types.ErrConcurrencyConflict
		}
	}

	key := refKey{next.UserID, next.JourneyID, next.Ref}
	if _, exists := l.refs[key]; exists {
		return types.Entry{}, types.ErrConcurrencyConflict
	}

	if stored != nil {
		stored.DelayUntil = nil
	}
	e := next
	l.entries[e.ID] = &e
	l.seq[e.ID] = l.next
	l.next++
	l.refs[key] = e.ID
	return e, nil
}

func (l *MemoryLedger) Get(_ context.Context, id string) (*types.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, types.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

// newest reports whether a sorts after b in ledger order.
func (l *MemoryLedger) newest(a, b *types.Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return l.seq[a.ID] > l.seq[b.ID]
}

func (l *MemoryLedger) LatestActive(_ context.Context, userID, journeyID string) (*types.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var best *types.Entry
	for _, e := range l.entries {
		if e.UserID != userID || e.JourneyID != journeyID || e.EndedAt != nil {
			continue
		}
		if best == nil || l.newest(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (l *MemoryLedger) LastRun(_ context.Context, userID, journeyID string) (*types.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var best *types.Entry
	for _, e := range l.entries {
		if e.UserID != userID || e.JourneyID != journeyID || !e.IsEntrance() {
			continue
		}
		if best == nil || l.newest(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (l *MemoryLedger) RunEntries(_ context.Context, entranceID string) ([]types.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.Entry
	for _, e := range l.entries {
		if e.RunID() == entranceID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return l.seq[out[i].ID] < l.seq[out[j].ID] })
	return out, nil
}

func (l *MemoryLedger) DueForWake(_ context.Context, now time.Time, limit int) ([]types.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.Entry
	for _, e := range l.entries {
		if e.Due(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DelayUntil.Equal(*out[j].DelayUntil) {
			return out[i].DelayUntil.Before(*out[j].DelayUntil)
		}
		return l.seq[out[i].ID] < l.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) EndRun(_ context.Context, entranceID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[entranceID]; !ok {
		return types.ErrEntryNotFound
	}
	for _, e := range l.entries {
		if e.RunID() == entranceID && e.EndedAt == nil {
			t := at
			e.EndedAt = &t
		}
	}
	return nil
}

// MemoryGraphStore is a GraphStore held in process memory.
type MemoryGraphStore struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
	stats  map[string]int64
}

// NewMemoryGraphStore returns an empty graph store.
func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{
		graphs: make(map[string]*Graph),
		stats:  make(map[string]int64),
	}
}

func (s *MemoryGraphStore) GetGraph(_ context.Context, journeyID string) (*Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[journeyID]
	if !ok {
		return nil, types.ErrJourneyNotFound
	}
	return g, nil
}

func (s *MemoryGraphStore) RecordStats(_ context.Context, stepID string, delta int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[stepID] += delta
	return nil
}

// Stats returns the recorded traversal count of stepID.
func (s *MemoryGraphStore) Stats(stepID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats[stepID]
}

func (s *MemoryGraphStore) EntranceSteps(ctx context.Context, journeyID string) ([]types.Step, error) {
	g, err := s.GetGraph(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	return g.Entrances(), nil
}

func (s *MemoryGraphStore) FindEntrances(_ context.Context, trigger types.EntranceTrigger, key string) ([]types.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Step
	for _, g := range s.graphs {
		if !g.Journey.Published {
			continue
		}
		for _, step := range g.Entrances() {
			if EntranceMatches(step, trigger, key) {
				out = append(out, step)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JourneyID != out[j].JourneyID {
			return out[i].JourneyID < out[j].JourneyID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PublishGraph validates g and stores it.
func (s *MemoryGraphStore) PublishGraph(_ context.Context, g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[g.Journey.ID] = g
	return nil
}

// EntranceMatches reports whether an entrance step fires for trigger/key.
func EntranceMatches(step types.Step, trigger types.EntranceTrigger, key string) bool {
	cfg, ok := step.Config.(*types.EntranceConfig)
	if !ok || cfg.Trigger != trigger {
		return false
	}
	switch trigger {
	case types.TriggerEvent:
		return cfg.EventName == key
	case types.TriggerList:
		return string(cfg.ListID) == key
	}
	return false
}

// MemoryCounter is a Counter held in process memory.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]counterCell
	now    Clock
}

type counterCell struct {
	value   int64
	expires time.Time
}

// NewMemoryCounter returns a counter using now for expiry (time.Now if nil).
func NewMemoryCounter(now Clock) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{counts: make(map[string]counterCell), now: now}
}

func (c *MemoryCounter) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	cell := c.counts[key]
	if !cell.expires.IsZero() && !now.Before(cell.expires) {
		cell = counterCell{}
	}
	cell.value++
	if cell.expires.IsZero() {
		cell.expires = now.Add(ttl)
	}
	c.counts[key] = cell
	return cell.value, nil
}

// MemoryProfiles is a Profiles store held in process memory.
type MemoryProfiles struct {
	mu     sync.RWMutex
	users  map[string]map[string]any
	events map[string][]types.Event
}

// NewMemoryProfiles returns an empty profile store.
func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{
		users:  make(map[string]map[string]any),
		events: make(map[string][]types.Event),
	}
}

// SetUser replaces the profile of userID.
func (p *MemoryProfiles) SetUser(userID string, user map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[userID] = maps.Clone(user)
}

// RecordEvent records a recent event for userID, newest first.
func (p *MemoryProfiles) RecordEvent(_ context.Context, userID string, ev types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[userID] = append([]types.Event{ev}, p.events[userID]...)
	return nil
}

func (p *MemoryProfiles) GetUserData(_ context.Context, userID string) (types.UserData, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return types.UserData{
		User:         maps.Clone(p.users[userID]),
		RecentEvents: append([]types.Event(nil), p.events[userID]...),
	}, nil
}

func (p *MemoryProfiles) MergeProfile(_ context.Context, userID string, patch map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	user := p.users[userID]
	if user == nil {
		user = make(map[string]any)
		p.users[userID] = user
	}
	maps.Copy(user, patch)
	return nil
}

// RecordingDelivery is a Delivery that records requests. Err, when set, is
// returned from every Send.
type RecordingDelivery struct {
	mu   sync.Mutex
	sent []SendRequest
	Err  error
}

func (d *RecordingDelivery) Send(_ context.Context, req SendRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.sent = append(d.sent, req)
	return nil
}

// Sent returns the recorded requests.
func (d *RecordingDelivery) Sent() []SendRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SendRequest(nil), d.sent...)
}
