package reputation

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidSnapshot is returned when an imported snapshot is malformed.
var ErrInvalidSnapshot = errors.New("reputation: invalid snapshot")

// SnapshotVersion is written to every exported snapshot.
const SnapshotVersion = "1.0.0"

// Snapshot is the compact export of all records: only the last few history
// events and unrecovered penalties survive, rewards are kept whole.
type Snapshot struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Records    []Record  `json:"records"`
}

// ExportReputations returns a compact snapshot ordered by node id.
func (e *Engine) ExportReputations() Snapshot {
	records := e.snapshot()
	for i := range records {
		r := &records[i]
		if n := len(r.History); n > exportHistoryLength {
			r.History = r.History[n-exportHistoryLength:]
		}
		r.Penalties = r.UnrecoveredPenalties()
		if r.Penalties == nil {
			r.Penalties = []Penalty{}
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].NodeID < records[j].NodeID })
	return Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: e.clock().UTC(),
		Records:    records,
	}
}

// ImportReputations replaces or adds the records of snap. Scores and
// confidences are clamped into range and histories trimmed to the configured
// cap. It returns the number of records imported.
func (e *Engine) ImportReputations(snap Snapshot) (int, error) {
	imported := make(map[string]*node, len(snap.Records))
	for _, r := range snap.Records {
		if r.NodeID == "" {
			return 0, fmt.Errorf("%w: record without node id", ErrInvalidSnapshot)
		}
		rec := r.clone()
		rec.Score = e.clamp(rec.Score)
		rec.Confidence = clampConfidence(rec.Confidence)
		if over := len(rec.History) - e.cfg.MaxHistoryLength; over > 0 {
			rec.History = rec.History[over:]
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = e.clock().UTC()
		}
		if rec.LastUpdated.IsZero() {
			rec.LastUpdated = rec.CreatedAt
		}
		imported[rec.NodeID] = &node{rec: rec}
	}

	e.mu.Lock()
	for id, n := range imported {
		e.nodes[id] = n
	}
	e.mu.Unlock()

	e.logger.Info("reputations imported", "records", len(imported))
	return len(imported), nil
}
