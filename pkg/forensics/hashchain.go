package forensics

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
)

// hashableEntry is the projection of an Entry covered by its hash. The
// current hash and signature are excluded.
//
//nolint:govet // fieldalignment: field order is the documented hash layout
type hashableEntry struct {
	ID           string             `json:"id"`
	Sequence     uint64             `json:"sequence"`
	Timestamp    string             `json:"timestamp"`
	Type         EntryType          `json:"type"`
	Severity     contracts.Severity `json:"severity"`
	Source       string             `json:"source"`
	Data         json.RawMessage    `json:"data"`
	PreviousHash string             `json:"previous_hash"`
	Metadata     Metadata           `json:"metadata"`
}

// ComputeEntryHash returns the canonical content hash of e.
func ComputeEntryHash(e *Entry) (string, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	h := hashableEntry{
		ID:           e.ID,
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Type:         e.Type,
		Severity:     e.Severity,
		Source:       e.Source,
		Data:         data,
		PreviousHash: e.PreviousHash,
		Metadata:     e.Metadata,
	}
	hash, err := crypto.CanonicalHash(h)
	if err != nil {
		return "", fmt.Errorf("hash entry %s: %w", e.ID, err)
	}
	return hash, nil
}

// SignEntry computes the hash of e and signs it, filling CurrentHash and
// Signature.
func SignEntry(e *Entry, signer crypto.Signer) error {
	hash, err := ComputeEntryHash(e)
	if err != nil {
		return err
	}
	sig, err := signer.Sign([]byte(hash))
	if err != nil {
		return fmt.Errorf("sign entry %s: %w", e.ID, err)
	}
	e.CurrentHash = hash
	e.Signature = sig
	return nil
}

// VerifyEntry recomputes the hash of e and checks its signature against keys.
func VerifyEntry(e *Entry, keys *crypto.KeyRing) error {
	hash, err := ComputeEntryHash(e)
	if err != nil {
		return fmt.Errorf("%w: entry %s: %v", ErrChainBroken, e.ID, err)
	}
	if hash != e.CurrentHash {
		return fmt.Errorf("%w: entry %s (seq %d) hash mismatch", ErrChainBroken, e.ID, e.Sequence)
	}
	if _, ok := keys.Verify([]byte(e.CurrentHash), e.Signature); !ok {
		return fmt.Errorf("%w: entry %s (seq %d)", ErrSignatureInvalid, e.ID, e.Sequence)
	}
	return nil
}

// VerifyEntries checks a whole chain segment: each entry's own hash and
// signature, sequence order, and the link from anchor through every entry.
// It stops at the first failure.
func VerifyEntries(entries []*Entry, anchor string, keys *crypto.KeyRing) error {
	prev := anchor
	var lastSeq uint64
	for i, e := range entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %s (index %d) does not link to previous hash", ErrChainBroken, e.ID, i)
		}
		if i > 0 && e.Sequence <= lastSeq {
			return fmt.Errorf("%w: entry %s sequence %d not after %d", ErrChainBroken, e.ID, e.Sequence, lastSeq)
		}
		if err := VerifyEntry(e, keys); err != nil {
			return err
		}
		prev = e.CurrentHash
		lastSeq = e.Sequence
	}
	return nil
}

// anchorSeal is the statement signed when a chain's head is pruned. The
// first kept entry links to AnchorHash, so the seal pins where the chain
// resumes.
type anchorSeal struct {
	ChainID    string `json:"chain_id"`
	AnchorHash string `json:"anchor_hash"`
}

func anchorDigest(chainID, anchor string) (string, error) {
	return crypto.CanonicalHash(anchorSeal{ChainID: chainID, AnchorHash: anchor})
}

// SignAnchor signs the anchor a pruned chain starts from.
func SignAnchor(chainID, anchor string, signer crypto.Signer) (string, error) {
	digest, err := anchorDigest(chainID, anchor)
	if err != nil {
		return "", fmt.Errorf("hash anchor of %s: %w", chainID, err)
	}
	sig, err := signer.Sign([]byte(digest))
	if err != nil {
		return "", fmt.Errorf("sign anchor of %s: %w", chainID, err)
	}
	return sig, nil
}

// VerifyChain checks a complete chain. A chain without an anchor must open
// with its own chain_created entry; an anchored chain must carry a signed
// seal over the anchor. The entries are then checked with VerifyEntries.
func VerifyChain(chainID string, entries []*Entry, anchor, anchorSig string, keys *crypto.KeyRing) error {
	if anchor == "" {
		if err := verifyGenesis(chainID, entries); err != nil {
			return err
		}
	} else {
		digest, err := anchorDigest(chainID, anchor)
		if err != nil {
			return fmt.Errorf("%w: chain %s anchor: %v", ErrChainBroken, chainID, err)
		}
		if _, ok := keys.Verify([]byte(digest), anchorSig); !ok {
			return fmt.Errorf("%w: chain %s anchor is not sealed", ErrChainBroken, chainID)
		}
	}
	return VerifyEntries(entries, anchor, keys)
}

func verifyGenesis(chainID string, entries []*Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: chain %s has no creation entry", ErrChainBroken, chainID)
	}
	first := entries[0]
	var data struct {
		Event   string `json:"event"`
		ChainID string `json:"chain_id"`
	}
	if first.Type != EntrySystemEvent || first.DecodeData(&data) != nil ||
		data.Event != "chain_created" || data.ChainID != chainID {
		return fmt.Errorf("%w: chain %s does not open with its creation entry", ErrChainBroken, chainID)
	}
	return nil
}

func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func normalizeMetadata(m Metadata) Metadata {
	out := Metadata{
		NodeID:      normalize(m.NodeID),
		SessionID:   normalize(m.SessionID),
		Environment: normalize(m.Environment),
	}
	for _, tag := range m.Tags {
		if t := normalize(tag); t != "" {
			out.Tags = append(out.Tags, t)
		}
	}
	return out
}

// encodeData turns a caller payload into canonical JSON. Raw JSON is
// re-canonicalized rather than re-marshaled.
func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return crypto.CanonicalizeJSON(v)
	case []byte:
		return crypto.CanonicalizeJSON(v)
	default:
		return crypto.CanonicalMarshal(v)
	}
}
