package reputation

import (
	"math"
	"time"
)

// DecayReport summarizes one decay pass.
type DecayReport struct {
	Nodes              int `json:"nodes"`
	PenaltiesRecovered int `json:"penalties_recovered"`
}

// ApplyDecay runs the periodic maintenance pass over every record: natural
// decay of score and confidence, penalty recovery, and the residual benefit
// of past rewards. Each record is updated under its own lock.
func (e *Engine) ApplyDecay() DecayReport {
	e.mu.RLock()
	nodes := make([]*node, 0, len(e.nodes))
	for _, n := range e.nodes {
		nodes = append(nodes, n)
	}
	e.mu.RUnlock()

	report := DecayReport{Nodes: len(nodes)}
	now := e.clock().UTC()
	for _, n := range nodes {
		n.mu.Lock()
		report.PenaltiesRecovered += e.decayRecord(&n.rec, now)
		n.mu.Unlock()
	}

	e.logger.Debug("decay pass finished", "nodes", report.Nodes, "penalties_recovered", report.PenaltiesRecovered)
	return report
}

// decayRecord must be called with the node lock held. It returns the number
// of penalties that became recovered.
func (e *Engine) decayRecord(rec *Record, now time.Time) int {
	score := rec.Score
	score -= e.cfg.DecayRate * score

	conf := rec.Confidence * (1 - e.cfg.ConfidenceDecayRate)
	if conf < minConfidence {
		conf = minConfidence
	}
	rec.Confidence = clampConfidence(conf)

	recovered := 0
	for i := range rec.Penalties {
		p := &rec.Penalties[i]
		if p.Recovered || p.DecayPeriod <= 0 {
			continue
		}
		age := now.Sub(p.Timestamp)
		switch {
		case age >= p.DecayPeriod:
			p.Recovered = true
			score += e.cfg.RecoveryRate * p.Amount
			recovered++
		case age >= p.DecayPeriod/2:
			fraction := float64(age) / float64(p.DecayPeriod)
			score += e.cfg.RecoveryRate * p.Amount * fraction * 0.5
		}
	}

	for _, r := range rec.Rewards {
		ageHours := now.Sub(r.Timestamp).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
		score += r.Amount * math.Exp(-r.DecayRate*ageHours/24) * 0.01
	}

	rec.Score = e.clamp(score)
	return recovered
}
