package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

/*
 * Journey graph and ledger types.
 *
 * A journey is a directed graph: steps are nodes, edges are transitions with
 * optional edge data (gate labels, experiment ratios, map values). Steps are
 * a closed set of kinds; each kind decodes its data into a typed config so
 * the scheduler can switch over configs instead of string-keyed handlers.
 *
 * Entries are the per-user ledger rows. A run is identified by the id of its
 * entrance row; every later row of the run points at it via EntranceID.
 */

// Journey is the owning record of a step graph.
type Journey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Published bool   `json:"published"`
}

// StepKind is the closed set of step types.
type StepKind string

const (
	StepEntrance   StepKind = "entrance"
	StepDelay      StepKind = "delay"
	StepGate       StepKind = "gate"
	StepBalancer   StepKind = "balancer"
	StepExperiment StepKind = "experiment"
	StepAction     StepKind = "action"
	StepUpdate     StepKind = "update"
	StepMap        StepKind = "map"
	StepLink       StepKind = "link"
	StepExit       StepKind = "exit"
)

// Valid reports whether k is one of the known step kinds.
func (k StepKind) Valid() bool {
	switch k {
	case StepEntrance, StepDelay, StepGate, StepBalancer, StepExperiment,
		StepAction, StepUpdate, StepMap, StepLink, StepExit:
		return true
	}
	return false
}

// Step is one node of a journey graph. Config is decoded from Data.
type Step struct {
	ID        string          `json:"id"`
	JourneyID string          `json:"journey_id"`
	Kind      StepKind        `json:"type"`
	Name      string          `json:"name,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	DataKey   string          `json:"data_key,omitempty"`
	X         float64         `json:"x"`
	Y         float64         `json:"y"`
	Stats     int64           `json:"stats"`
	StatsAt   *time.Time      `json:"stats_at,omitempty"`
	Config    StepConfig      `json:"-"`
}

// Edge is a transition from StepID to ChildID. Priority is creation order and
// is the stable tie-break order for routing.
type Edge struct {
	StepID   string          `json:"step_id"`
	ChildID  string          `json:"child_id"`
	Data     json.RawMessage `json:"data,omitempty"`
	Priority int             `json:"priority"`
}

// EdgeConfig is the union of edge data used by the step kinds.
type EdgeConfig struct {
	Label   string  `json:"label,omitempty"`
	Ratio   float64 `json:"ratio,omitempty"`
	Value   any     `json:"value,omitempty"`
	Default bool    `json:"default,omitempty"`
}

// Config decodes the edge data. Empty data yields a zero config.
func (e Edge) Config() (EdgeConfig, error) {
	var cfg EdgeConfig
	if isEmptyJSON(e.Data) {
		return cfg, nil
	}
	if err := json.Unmarshal(e.Data, &cfg); err != nil {
		return cfg, fmt.Errorf("edge %s -> %s: %w", e.StepID, e.ChildID, err)
	}
	return cfg, nil
}

// FlexibleID accepts either a JSON string or a JSON number.
// Campaign, list and journey references are numeric in some editor versions.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexibleID(n.String())
	return nil
}

// StepConfig is implemented by every typed step configuration.
type StepConfig interface {
	Kind() StepKind
}

// EntranceTrigger selects what starts a run at an entrance step.
type EntranceTrigger string

const (
	TriggerAPI   EntranceTrigger = "api"
	TriggerList  EntranceTrigger = "list"
	TriggerEvent EntranceTrigger = "event"
)

// EntranceConfig configures an entrance step.
type EntranceConfig struct {
	Trigger    EntranceTrigger `json:"trigger,omitempty"`
	ListID     FlexibleID      `json:"list_id,omitempty"`
	EventName  string          `json:"event_name,omitempty"`
	Rule       *Rule           `json:"rule,omitempty"`
	Multiple   bool            `json:"multiple,omitempty"`
	Concurrent bool            `json:"concurrent,omitempty"`
}

// DelayFormat selects how a delay is computed.
type DelayFormat string

const (
	DelayDuration DelayFormat = "duration"
	DelayTime     DelayFormat = "time"
	DelayDate     DelayFormat = "date"
)

// DelayConfig configures a delay step (and the optional wait of a link step).
type DelayConfig struct {
	Format   DelayFormat `json:"format,omitempty"`
	Days     int         `json:"days,omitempty"`
	Hours    int         `json:"hours,omitempty"`
	Minutes  int         `json:"minutes,omitempty"`
	Time     string      `json:"time,omitempty"`
	Date     string      `json:"date,omitempty"`
	Timezone string      `json:"timezone,omitempty"`
}

// GateConfig configures a gate step.
type GateConfig struct {
	Rule Rule `json:"rule"`
}

// RateInterval is the window unit of a balancer.
type RateInterval string

const (
	IntervalSecond RateInterval = "second"
	IntervalMinute RateInterval = "minute"
	IntervalHour   RateInterval = "hour"
	IntervalDay    RateInterval = "day"
)

// Duration returns the window length, or 0 for an unknown interval.
func (i RateInterval) Duration() time.Duration {
	switch i {
	case IntervalSecond:
		return time.Second
	case IntervalMinute:
		return time.Minute
	case IntervalHour:
		return time.Hour
	case IntervalDay:
		return 24 * time.Hour
	}
	return 0
}

// BalancerConfig configures a balancer step. RateLimit <= 0 means unlimited.
type BalancerConfig struct {
	RateLimit    int          `json:"rate_limit,omitempty"`
	RateInterval RateInterval `json:"rate_interval,omitempty"`
}

// ExperimentConfig configures an experiment step; ratios live on the edges.
type ExperimentConfig struct{}

// ActionConfig configures an action step.
type ActionConfig struct {
	CampaignID FlexibleID `json:"campaign_id"`
}

// UpdateConfig configures an update step.
type UpdateConfig struct {
	Template string `json:"template"`
}

// MapConfig configures a map step.
type MapConfig struct {
	Attribute string    `json:"attribute"`
	Group     RuleGroup `json:"group,omitempty"`
}

// LinkConfig configures a link step.
type LinkConfig struct {
	TargetID FlexibleID   `json:"target_id"`
	Delay    *DelayConfig `json:"delay,omitempty"`
}

// ExitConfig configures an exit step. EntranceUUID is descriptive only.
type ExitConfig struct {
	EntranceUUID string `json:"entrance_uuid,omitempty"`
}

func (EntranceConfig) Kind() StepKind   { return StepEntrance }
func (DelayConfig) Kind() StepKind      { return StepDelay }
func (GateConfig) Kind() StepKind       { return StepGate }
func (BalancerConfig) Kind() StepKind   { return StepBalancer }
func (ExperimentConfig) Kind() StepKind { return StepExperiment }
func (ActionConfig) Kind() StepKind     { return StepAction }
func (UpdateConfig) Kind() StepKind     { return StepUpdate }
func (MapConfig) Kind() StepKind        { return StepMap }
func (LinkConfig) Kind() StepKind       { return StepLink }
func (ExitConfig) Kind() StepKind       { return StepExit }

// DecodeStepConfig decodes step data into the typed config for kind.
func DecodeStepConfig(kind StepKind, data json.RawMessage) (StepConfig, error) {
	var cfg StepConfig
	switch kind {
	case StepEntrance:
		cfg = &EntranceConfig{}
	case StepDelay:
		cfg = &DelayConfig{}
	case StepGate:
		cfg = &GateConfig{}
	case StepBalancer:
		cfg = &BalancerConfig{}
	case StepExperiment:
		cfg = &ExperimentConfig{}
	case StepAction:
		cfg = &ActionConfig{}
	case StepUpdate:
		cfg = &UpdateConfig{}
	case StepMap:
		cfg = &MapConfig{}
	case StepLink:
		cfg = &LinkConfig{}
	case StepExit:
		cfg = &ExitConfig{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepKind, kind)
	}
	if !isEmptyJSON(data) {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", kind, err)
		}
	}
	return cfg, nil
}

// EntryType is the state of a ledger row.
type EntryType string

const (
	// EntryCompleted rows are done; the run has moved past them.
	EntryCompleted EntryType = "completed"
	// EntryDelay rows wait for DelayUntil, then the run resumes along the step's edge.
	EntryDelay EntryType = "delay"
	// EntryPending rows wait for DelayUntil, then the same step is executed again.
	EntryPending EntryType = "pending"
	// EntryError rows record a failed attempt; the step is retried when DelayUntil elapses.
	EntryError EntryType = "error"
)

// Entry is one ledger row: a user's arrival at a step within one run.
type Entry struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	JourneyID  string          `json:"journey_id"`
	StepID     string          `json:"step_id,omitempty"`
	EntranceID string          `json:"entrance_id,omitempty"`
	Type       EntryType       `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Ref        string          `json:"ref"`
	DelayUntil *time.Time      `json:"delay_until,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
}

// IsEntrance reports whether e is the first row of its run.
func (e Entry) IsEntrance() bool {
	return e.EntranceID == ""
}

// RunID returns the id of the run e belongs to.
func (e Entry) RunID() string {
	if e.EntranceID == "" {
		return e.ID
	}
	return e.EntranceID
}

// Due reports whether e is waiting and its wake time has passed.
func (e Entry) Due(now time.Time) bool {
	return e.EndedAt == nil && e.DelayUntil != nil && !e.DelayUntil.After(now)
}

// ErrorRecord is the data snapshot of an error row.
type ErrorRecord struct {
	Error     string `json:"error"`
	Attempt   int    `json:"attempt"`
	ForcedEnd bool   `json:"forced_end,omitempty"`
}

func isEmptyJSON(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
