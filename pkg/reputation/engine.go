package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
	"github.com/Mindburn-Labs/sentinel/pkg/observability"
)

// Engine owns the reputation records. The engine lock guards membership;
// each record has its own lock, so distinct nodes update concurrently.
type Engine struct {
	mu    sync.RWMutex
	nodes map[string]*node

	cfg         Config
	clock       func() time.Time
	instruments *observability.Instruments
	logger      *slog.Logger
}

type node struct {
	mu  sync.Mutex
	rec Record
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithInstruments overrides the metric instruments.
func WithInstruments(in *observability.Instruments) Option {
	return func(e *Engine) { e.instruments = in }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an engine after validating cfg.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		nodes:  make(map[string]*node),
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default().With("component", "reputation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.instruments == nil {
		e.instruments = observability.DefaultInstruments()
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) clamp(score float64) float64 {
	if score > e.cfg.MaxScore {
		return e.cfg.MaxScore
	}
	if score < e.cfg.MinScore {
		return e.cfg.MinScore
	}
	return score
}

func clampConfidence(c float64) float64 {
	if c > maxConfidence {
		return maxConfidence
	}
	if c < minConfidence {
		return minConfidence
	}
	return c
}

func (e *Engine) newRecord(nodeID string, score float64) Record {
	now := e.clock().UTC()
	return Record{
		NodeID:      nodeID,
		Score:       e.clamp(score),
		Confidence:  initialConfidence,
		History:     []Event{},
		Penalties:   []Penalty{},
		Rewards:     []Reward{},
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// getOrCreate returns the node, creating it seeded with initial (or the
// configured default) if absent.
func (e *Engine) getOrCreate(nodeID string, initial *float64) *node {
	e.mu.RLock()
	n, ok := e.nodes[nodeID]
	e.mu.RUnlock()
	if ok {
		return n
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok = e.nodes[nodeID]; ok {
		return n
	}
	score := e.cfg.InitialScore
	if initial != nil {
		score = *initial
	}
	n = &node{rec: e.newRecord(nodeID, score)}
	e.nodes[nodeID] = n
	e.logger.Debug("reputation record created", "node_id", nodeID, "score", n.rec.Score)
	return n
}

// AddOrUpdateReputation creates the record if absent, seeded with
// initialScore or the configured default. Existing records are untouched.
func (e *Engine) AddOrUpdateReputation(nodeID string, initialScore *float64) Record {
	n := e.getOrCreate(nodeID, initialScore)
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rec.clone()
}

// UpdateReputation applies ev to the node, creating the record if needed.
func (e *Engine) UpdateReputation(nodeID string, ev Event) (Record, error) {
	if !ev.Type.Valid() {
		return Record{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	n := e.getOrCreate(nodeID, nil)
	n.mu.Lock()
	defer n.mu.Unlock()
	e.applyEvent(&n.rec, ev)
	return n.rec.clone(), nil
}

func (e *Engine) typeFactor(t EventType) float64 {
	switch t {
	case EventPositive:
		return 1.0
	case EventNegative:
		return e.cfg.PenaltyMultiplier
	default:
		return 0.1
	}
}

// applyEvent must be called with the node lock held.
func (e *Engine) applyEvent(rec *Record, ev Event) {
	now := e.clock().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if ev.Weight == 0 {
		ev.Weight = 1.0
	}

	rec.History = append(rec.History, ev)
	if over := len(rec.History) - e.cfg.MaxHistoryLength; over > 0 {
		rec.History = append([]Event(nil), rec.History[over:]...)
	}

	delta := ev.Score * ev.Weight * e.typeFactor(ev.Type) * rec.Confidence
	rec.Score = e.clamp(rec.Score + delta)

	conf := rec.Confidence
	if ev.Type != EventNeutral {
		conf += 0.01
	}
	if ev.Type == EventNegative && rec.Confidence > 0.8 {
		conf -= 0.05
	}
	rec.Confidence = clampConfidence(conf)

	rec.Interactions.Total++
	switch ev.Type {
	case EventPositive:
		rec.Interactions.Successful++
	case EventNegative:
		rec.Interactions.Failed++
	}
	if rt, ok := responseTime(ev.Context); ok {
		in := &rec.Interactions
		in.ResponseSamples++
		in.AvgResponseTimeMs += (rt - in.AvgResponseTimeMs) / float64(in.ResponseSamples)
	}
	rec.LastUpdated = now
}

func responseTime(ctx map[string]any) (float64, bool) {
	switch v := ctx[ContextResponseTime].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case time.Duration:
		return float64(v) / float64(time.Millisecond), true
	default:
		return 0, false
	}
}

// PenalizeNode records a penalty scaled by severity and feeds the matching
// NEGATIVE event. An empty reason becomes "<severity> severity violation".
func (e *Engine) PenalizeNode(nodeID string, severity contracts.Severity, reason string) (Record, error) {
	sched, ok := penaltySchedules[severity]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidSeverity, severity)
	}
	if reason == "" {
		reason = fmt.Sprintf("%s severity violation", severity)
	}

	n := e.getOrCreate(nodeID, nil)
	n.mu.Lock()
	now := e.clock().UTC()
	n.rec.Penalties = append(n.rec.Penalties, Penalty{
		ID:          uuid.New().String(),
		Timestamp:   now,
		Severity:    severity,
		Amount:      sched.amount,
		DecayPeriod: sched.decayPeriod,
		Reason:      reason,
	})
	e.applyEvent(&n.rec, Event{
		Timestamp: now,
		Type:      EventNegative,
		Score:     -sched.amount,
		Reason:    reason,
		Weight:    sched.weight,
		Context:   map[string]any{"severity": string(severity)},
	})
	rec := n.rec.clone()
	n.mu.Unlock()

	e.instruments.PenaltyApplied(context.Background(), string(severity))
	e.logger.Info("node penalized", "node_id", nodeID, "severity", severity, "score", rec.Score, "reason", reason)
	return rec, nil
}

// RewardNode grants amount scaled by the reward multiplier and feeds the
// matching POSITIVE event.
func (e *Engine) RewardNode(nodeID string, amount float64, reason string) (Record, error) {
	if amount < 0 {
		return Record{}, fmt.Errorf("%w: %.3f", ErrInvalidAmount, amount)
	}
	scaled := amount * e.cfg.RewardMultiplier

	n := e.getOrCreate(nodeID, nil)
	n.mu.Lock()
	now := e.clock().UTC()
	n.rec.Rewards = append(n.rec.Rewards, Reward{
		ID:        uuid.New().String(),
		Timestamp: now,
		Amount:    scaled,
		DecayRate: e.cfg.DecayRate,
		Reason:    reason,
	})
	e.applyEvent(&n.rec, Event{
		Timestamp: now,
		Type:      EventPositive,
		Score:     scaled,
		Reason:    reason,
		Weight:    1.0,
	})
	rec := n.rec.clone()
	n.mu.Unlock()

	e.instruments.RewardGranted(context.Background())
	e.logger.Debug("node rewarded", "node_id", nodeID, "amount", scaled, "score", rec.Score)
	return rec, nil
}

// ResetReputation re-seeds the node with the default score, dropping its
// history, penalties and rewards.
func (e *Engine) ResetReputation(nodeID string) Record {
	n := e.getOrCreate(nodeID, nil)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rec = e.newRecord(nodeID, e.cfg.InitialScore)
	e.logger.Info("reputation reset", "node_id", nodeID)
	return n.rec.clone()
}

// RemoveReputation deletes the node record. It reports whether one existed.
func (e *Engine) RemoveReputation(nodeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.nodes[nodeID]; !ok {
		return false
	}
	delete(e.nodes, nodeID)
	e.logger.Info("reputation removed", "node_id", nodeID)
	return true
}
