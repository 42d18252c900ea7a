// Package reputation scores network nodes. Each node carries a bounded,
// confidence-weighted score fed by observed interactions, penalties and
// rewards, and pulled back over time by a periodic decay pass.
package reputation

import (
	"errors"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
)

var (
	ErrNodeNotFound    = errors.New("reputation: node not found")
	ErrInvalidEvent    = errors.New("reputation: invalid event")
	ErrInvalidSeverity = errors.New("reputation: invalid severity")
	ErrInvalidAmount   = errors.New("reputation: invalid reward amount")
)

const (
	minConfidence     = 0.1
	maxConfidence     = 1.0
	initialConfidence = 0.5

	// ContextResponseTime is the event context key carrying an observed
	// response time in milliseconds.
	ContextResponseTime = "response_time_ms"

	DefaultHighThreshold = 0.8
	DefaultLowThreshold  = 0.3

	exportHistoryLength = 10
)

// EventType classifies an observed interaction.
type EventType string

const (
	EventPositive EventType = "POSITIVE"
	EventNegative EventType = "NEGATIVE"
	EventNeutral  EventType = "NEUTRAL"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventPositive || t == EventNegative || t == EventNeutral
}

// Event is one observation fed into a node's score. A zero Weight counts
// as 1.0 and a zero Timestamp as now.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Score     float64        `json:"score"`
	Reason    string         `json:"reason"`
	Weight    float64        `json:"weight"`
	Context   map[string]any `json:"context,omitempty"`
}

// Penalty is an explicit punishment with its own recovery schedule.
type Penalty struct {
	ID          string             `json:"id"`
	Timestamp   time.Time          `json:"timestamp"`
	Severity    contracts.Severity `json:"severity"`
	Amount      float64            `json:"amount"`
	DecayPeriod time.Duration      `json:"decay_period"`
	Reason      string             `json:"reason"`
	Recovered   bool               `json:"recovered"`
}

// Reward is an explicit bonus whose benefit decays exponentially.
type Reward struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Amount    float64   `json:"amount"`
	DecayRate float64   `json:"decay_rate"`
	Reason    string    `json:"reason"`
}

// Interactions counts observed events.
type Interactions struct {
	Total             int     `json:"total"`
	Successful        int     `json:"successful"`
	Failed            int     `json:"failed"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	ResponseSamples   int     `json:"response_samples"`
}

// Record is the reputation state of one node. Values returned by the engine
// are copies.
type Record struct {
	NodeID       string       `json:"node_id"`
	Score        float64      `json:"score"`
	Confidence   float64      `json:"confidence"`
	History      []Event      `json:"history"`
	Penalties    []Penalty    `json:"penalties"`
	Rewards      []Reward     `json:"rewards"`
	Interactions Interactions `json:"interactions"`
	CreatedAt    time.Time    `json:"created_at"`
	LastUpdated  time.Time    `json:"last_updated"`
}

func (r *Record) clone() Record {
	cp := *r
	cp.History = make([]Event, len(r.History))
	for i, ev := range r.History {
		cp.History[i] = ev
		if ev.Context != nil {
			ctx := make(map[string]any, len(ev.Context))
			for k, v := range ev.Context {
				ctx[k] = v
			}
			cp.History[i].Context = ctx
		}
	}
	cp.Penalties = append([]Penalty{}, r.Penalties...)
	cp.Rewards = append([]Reward{}, r.Rewards...)
	return cp
}

// UnrecoveredPenalties returns the penalties still counting against the node.
func (r Record) UnrecoveredPenalties() []Penalty {
	var out []Penalty
	for _, p := range r.Penalties {
		if !p.Recovered {
			out = append(out, p)
		}
	}
	return out
}

type penaltySchedule struct {
	amount      float64
	decayPeriod time.Duration
	weight      float64
}

var penaltySchedules = map[contracts.Severity]penaltySchedule{
	contracts.SeverityLow:      {amount: 0.05, decayPeriod: time.Hour, weight: 0.5},
	contracts.SeverityMedium:   {amount: 0.1, decayPeriod: 6 * time.Hour, weight: 1.0},
	contracts.SeverityHigh:     {amount: 0.2, decayPeriod: 24 * time.Hour, weight: 1.5},
	contracts.SeverityCritical: {amount: 0.4, decayPeriod: 168 * time.Hour, weight: 2.0},
}
