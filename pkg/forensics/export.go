package forensics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FormatVersion is written to every export document.
const FormatVersion = "1.0.0"

// Format selects an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts "json" or "csv" in any case.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

// ExportDocument is the JSON export. It carries every hashed and signed
// field, so an import verifies iff the source verified.
type ExportDocument struct {
	FormatVersion     string        `json:"format_version"`
	ExportID          string        `json:"export_id"`
	ExportedAt        time.Time     `json:"exported_at"`
	Algorithm         string        `json:"algorithm"`
	PublicKey         string        `json:"public_key"`
	KeyID             string        `json:"key_id"`
	IntegrityVerified bool          `json:"integrity_verified"`
	Chains            []ChainExport `json:"chains"`
}

// ChainExport is one chain inside an export document.
type ChainExport struct {
	ID                string     `json:"id"`
	Description       string     `json:"description"`
	CreatedAt         time.Time  `json:"created_at"`
	State             ChainState `json:"state"`
	HeadHash          string     `json:"head_hash"`
	AnchorHash        string     `json:"anchor_hash"`
	AnchorSignature   string     `json:"anchor_signature,omitempty"`
	IntegrityVerified bool       `json:"integrity_verified"`
	LastVerified      time.Time  `json:"last_verified"`
	ArchiveRef        string     `json:"archive_ref,omitempty"`
	Entries           []*Entry   `json:"entries"`
}

// export must be called with c.mu held.
func (c *chain) export() ChainExport {
	entries := make([]*Entry, len(c.entries))
	for i, e := range c.entries {
		entries[i] = e.clone()
	}
	return ChainExport{
		ID:                c.id,
		Description:       c.description,
		CreatedAt:         c.createdAt,
		State:             c.state,
		HeadHash:          c.headHash,
		AnchorHash:        c.anchorHash,
		AnchorSignature:   c.anchorSignature,
		IntegrityVerified: c.integrityVerified,
		LastVerified:      c.lastVerified,
		ArchiveRef:        c.archiveRef,
		Entries:           entries,
	}
}

func (l *Ledger) newDocument(chains []ChainExport, verified bool) *ExportDocument {
	return &ExportDocument{
		FormatVersion:     FormatVersion,
		ExportID:          uuid.New().String(),
		ExportedAt:        l.clock().UTC(),
		Algorithm:         string(l.signer.Algorithm()),
		PublicKey:         l.signer.PublicKey(),
		KeyID:             l.signer.KeyID(),
		IntegrityVerified: verified,
		Chains:            chains,
	}
}

func marshalDocument(doc *ExportDocument) ([]byte, error) {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("forensics: encode export: %w", err)
	}
	return raw, nil
}

// Export verifies every chain and returns the full ledger as a document.
func (l *Ledger) Export() *ExportDocument {
	verified, _ := l.VerifyChainIntegrity("")

	l.mu.RLock()
	defer l.mu.RUnlock()
	chains := make([]ChainExport, 0, len(l.order))
	for _, c := range l.snapshotChains() {
		c.mu.RLock()
		chains = append(chains, c.export())
		c.mu.RUnlock()
	}
	return l.newDocument(chains, verified)
}

var csvHeader = []string{"id", "timestamp", "sequence", "type", "severity", "source", "node_id", "tags", "data"}

// ExportData encodes the ledger. JSON output can be imported again; CSV is a
// flattened, lossy view for analysts (one row per entry, oldest first).
func (l *Ledger) ExportData(format Format) ([]byte, error) {
	return EncodeDocument(l.Export(), format)
}

// EncodeDocument encodes doc in the given format.
func EncodeDocument(doc *ExportDocument, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return marshalDocument(doc)
	case FormatCSV:
		return encodeCSV(doc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func encodeCSV(doc *ExportDocument) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, c := range doc.Chains {
		for _, e := range c.Entries {
			row := []string{
				e.ID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				strconv.FormatUint(e.Sequence, 10),
				string(e.Type),
				string(e.Severity),
				e.Source,
				e.Metadata.NodeID,
				strings.Join(e.Metadata.Tags, ";"),
				string(e.Data),
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("forensics: encode csv: %w", err)
	}
	return buf.Bytes(), nil
}
