// Package forensics implements the forensic ledger: append-only chains of
// hash-linked, signed security events with rotation, retention and query.
package forensics

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
)

var (
	ErrEntryNotFound      = errors.New("forensics: entry not found")
	ErrChainNotFound      = errors.New("forensics: chain not found")
	ErrChainBroken        = errors.New("forensics: hash chain is broken")
	ErrSignatureInvalid   = errors.New("forensics: signature verification failed")
	ErrChainRejected      = errors.New("forensics: chain rejected on import")
	ErrInvalidEntry       = errors.New("forensics: invalid entry")
	ErrUnsupportedFormat  = errors.New("forensics: unsupported export format")
	ErrInvalidDocument    = errors.New("forensics: invalid export document")
	ErrIncompatibleFormat = errors.New("forensics: incompatible export format version")
)

// EntryType categorizes forensic entries. The set is closed.
type EntryType string

const (
	EntryAttackDetected  EntryType = "ATTACK_DETECTED"
	EntryAttackMitigated EntryType = "ATTACK_MITIGATED"
	EntryKeyRotation     EntryType = "KEY_ROTATION"
	EntryNodeJoined      EntryType = "NODE_JOINED"
	EntryNodeLeft        EntryType = "NODE_LEFT"
	EntryConsensusEvent  EntryType = "CONSENSUS_EVENT"
	EntrySystemEvent     EntryType = "SYSTEM_EVENT"
	EntrySecurityScan    EntryType = "SECURITY_SCAN"
	EntryPolicyViolation EntryType = "POLICY_VIOLATION"
	EntryAnomalyDetected EntryType = "ANOMALY_DETECTED"
)

// EntryTypes lists every entry type.
func EntryTypes() []EntryType {
	return []EntryType{
		EntryAttackDetected, EntryAttackMitigated, EntryKeyRotation,
		EntryNodeJoined, EntryNodeLeft, EntryConsensusEvent, EntrySystemEvent,
		EntrySecurityScan, EntryPolicyViolation, EntryAnomalyDetected,
	}
}

// Valid reports whether t belongs to the closed set.
func (t EntryType) Valid() bool {
	for _, known := range EntryTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Metadata correlates an entry with the network. NodeID matches reputation
// record keys but nothing enforces it.
type Metadata struct {
	NodeID      string   `json:"node_id,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// HasTag reports whether tag is present.
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Entry is a single immutable, chain-linked and signed record.
type Entry struct {
	ID           string             `json:"id"`
	Sequence     uint64             `json:"sequence"`
	Timestamp    time.Time          `json:"timestamp"`
	Type         EntryType          `json:"type"`
	Severity     contracts.Severity `json:"severity"`
	Source       string             `json:"source"`
	Data         json.RawMessage    `json:"data"`
	PreviousHash string             `json:"previous_hash"`
	CurrentHash  string             `json:"current_hash"`
	Signature    string             `json:"signature"`
	Metadata     Metadata           `json:"metadata"`
}

// DecodeData unmarshals the entry payload into v.
func (e *Entry) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Data = append(json.RawMessage(nil), e.Data...)
	cp.Metadata.Tags = append([]string(nil), e.Metadata.Tags...)
	return &cp
}

// ChainState is the lifecycle position of a chain.
type ChainState string

const (
	ChainEmpty    ChainState = "EMPTY"
	ChainActive   ChainState = "ACTIVE"
	ChainCurrent  ChainState = "CURRENT"
	ChainArchived ChainState = "ARCHIVED"
	ChainPurged   ChainState = "PURGED"
)

// ChainInfo summarizes one chain.
type ChainInfo struct {
	ID                string     `json:"id"`
	Description       string     `json:"description"`
	CreatedAt         time.Time  `json:"created_at"`
	State             ChainState `json:"state"`
	Current           bool       `json:"current"`
	EntryCount        int        `json:"entry_count"`
	HeadHash          string     `json:"head_hash"`
	AnchorHash        string     `json:"anchor_hash,omitempty"`
	AnchorSignature   string     `json:"anchor_signature,omitempty"`
	IntegrityVerified bool       `json:"integrity_verified"`
	LastVerified      time.Time  `json:"last_verified"`
	ArchiveRef        string     `json:"archive_ref,omitempty"`
}

// chain is one append-only sequence of entries. mu serializes appends and
// status updates for this chain only.
type chain struct {
	mu sync.RWMutex

	id                string
	description       string
	createdAt         time.Time
	entries           []*Entry
	headHash          string
	anchorHash        string
	anchorSignature   string
	integrityVerified bool
	lastVerified      time.Time
	state             ChainState
	archiveRef        string
}

func newChain(id, description string, createdAt time.Time) *chain {
	return &chain{
		id:                id,
		description:       description,
		createdAt:         createdAt,
		entries:           make([]*Entry, 0),
		integrityVerified: true,
		lastVerified:      createdAt,
		state:             ChainEmpty,
	}
}

// info must be called with c.mu held.
func (c *chain) info(current bool) ChainInfo {
	return ChainInfo{
		ID:                c.id,
		Description:       c.description,
		CreatedAt:         c.createdAt,
		State:             c.state,
		Current:           current,
		EntryCount:        len(c.entries),
		HeadHash:          c.headHash,
		AnchorHash:        c.anchorHash,
		AnchorSignature:   c.anchorSignature,
		IntegrityVerified: c.integrityVerified,
		LastVerified:      c.lastVerified,
		ArchiveRef:        c.archiveRef,
	}
}

// EntryHandler is called after an entry has been appended to a chain.
type EntryHandler func(chainID string, entry *Entry)
