package reputation

import (
	"fmt"
	"math"
	"sort"
)

// GetReputation returns a copy of the node record. It never creates one.
func (e *Engine) GetReputation(nodeID string) (Record, bool) {
	e.mu.RLock()
	n, ok := e.nodes[nodeID]
	e.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rec.clone(), true
}

// Len returns the number of tracked nodes.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.nodes)
}

// snapshot copies every record.
func (e *Engine) snapshot() []Record {
	e.mu.RLock()
	nodes := make([]*node, 0, len(e.nodes))
	for _, n := range e.nodes {
		nodes = append(nodes, n)
	}
	e.mu.RUnlock()

	out := make([]Record, 0, len(nodes))
	for _, n := range nodes {
		n.mu.Lock()
		out = append(out, n.rec.clone())
		n.mu.Unlock()
	}
	return out
}

// sortByScore orders by score descending, then node id ascending.
func sortByScore(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].NodeID < records[j].NodeID
	})
}

// GetNodesByReputation returns the nodes whose score lies in [lo, hi],
// highest first.
func (e *Engine) GetNodesByReputation(lo, hi float64) []Record {
	all := e.snapshot()
	out := make([]Record, 0, len(all))
	for _, r := range all {
		if r.Score >= lo && r.Score <= hi {
			out = append(out, r)
		}
	}
	sortByScore(out)
	return out
}

// GetHighReputationNodes returns nodes scoring at least threshold.
func (e *Engine) GetHighReputationNodes(threshold float64) []Record {
	return e.GetNodesByReputation(threshold, math.Inf(1))
}

// GetLowReputationNodes returns nodes scoring at most threshold.
func (e *Engine) GetLowReputationNodes(threshold float64) []Record {
	return e.GetNodesByReputation(math.Inf(-1), threshold)
}

// GetReputationHistory returns up to limit events, newest first. A limit of
// zero or less returns the whole history.
func (e *Engine) GetReputationHistory(nodeID string, limit int) ([]Event, bool) {
	rec, ok := e.GetReputation(nodeID)
	if !ok {
		return nil, false
	}
	n := len(rec.History)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, rec.History[i])
	}
	return out, true
}

// Comparison contrasts two nodes. Differences are a minus b.
type Comparison struct {
	NodeA          string  `json:"node_a"`
	NodeB          string  `json:"node_b"`
	ScoreA         float64 `json:"score_a"`
	ScoreB         float64 `json:"score_b"`
	ScoreDiff      float64 `json:"score_diff"`
	ConfidenceDiff float64 `json:"confidence_diff"`
	Higher         string  `json:"higher,omitempty"`
	Summary        string  `json:"summary,omitempty"`
}

const significantGap = 0.1

// CompareReputations contrasts two existing nodes.
func (e *Engine) CompareReputations(a, b string) (Comparison, error) {
	ra, ok := e.GetReputation(a)
	if !ok {
		return Comparison{}, fmt.Errorf("%w: %s", ErrNodeNotFound, a)
	}
	rb, ok := e.GetReputation(b)
	if !ok {
		return Comparison{}, fmt.Errorf("%w: %s", ErrNodeNotFound, b)
	}

	c := Comparison{
		NodeA:          a,
		NodeB:          b,
		ScoreA:         ra.Score,
		ScoreB:         rb.Score,
		ScoreDiff:      ra.Score - rb.Score,
		ConfidenceDiff: ra.Confidence - rb.Confidence,
	}
	higher, lower := a, b
	switch {
	case c.ScoreDiff > 0:
		c.Higher = a
	case c.ScoreDiff < 0:
		c.Higher = b
		higher, lower = b, a
	}
	if math.Abs(c.ScoreDiff) > significantGap {
		c.Summary = fmt.Sprintf("%s is significantly more trusted than %s (gap %.2f)", higher, lower, math.Abs(c.ScoreDiff))
	}
	return c, nil
}
