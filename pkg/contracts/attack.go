package contracts

import "time"

// AttackEvent is what an attack detector hands to the trust core. Producers
// fill it in without knowing anything about hashing or signing.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AttackEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"` // e.g. "byzantine_vote", "sybil", "replay"
	NodeID     string         `json:"node_id"`
	Severity   Severity       `json:"severity"`
	Confidence float64        `json:"confidence"` // detector confidence, 0.0 - 1.0
	Details    map[string]any `json:"details,omitempty"`
	Mitigation string         `json:"mitigation,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
