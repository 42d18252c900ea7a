package forensics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-multierror"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
)

const (
	exportSchemaURL   = "https://sentinel.schemas.local/forensics/export.schema.json"
	supportedVersions = "^1.0.0"
)

const exportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["format_version", "public_key", "chains"],
  "properties": {
    "format_version": {"type": "string", "minLength": 1},
    "public_key": {"type": "string", "pattern": "^[0-9a-fA-F]+$"},
    "algorithm": {"type": "string"},
    "chains": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "created_at", "entries"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "created_at": {"type": "string"},
          "head_hash": {"type": "string"},
          "anchor_hash": {"type": "string"},
          "anchor_signature": {"type": "string"},
          "entries": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "sequence", "timestamp", "type", "severity", "source", "previous_hash", "current_hash", "signature"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "sequence": {"type": "integer", "minimum": 1},
                "timestamp": {"type": "string"},
                "type": {"enum": ["ATTACK_DETECTED", "ATTACK_MITIGATED", "KEY_ROTATION", "NODE_JOINED", "NODE_LEFT", "CONSENSUS_EVENT", "SYSTEM_EVENT", "SECURITY_SCAN", "POLICY_VIOLATION", "ANOMALY_DETECTED"]},
                "severity": {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
                "source": {"type": "string"},
                "previous_hash": {"type": "string"},
                "current_hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
                "signature": {"type": "string", "minLength": 1},
                "metadata": {"type": "object"}
              }
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(exportSchemaURL, strings.NewReader(exportSchema)); err != nil {
			schemaErr = fmt.Errorf("failed to load export schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(exportSchemaURL)
	})
	return compiledSchema, schemaErr
}

// DecodeExport parses and validates a JSON export document without touching
// any ledger.
func DecodeExport(data []byte) (*ExportDocument, error) {
	schema, err := documentSchema()
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	version, err := semver.NewVersion(doc.FormatVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrIncompatibleFormat, doc.FormatVersion, err)
	}
	constraint, err := semver.NewConstraint(supportedVersions)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(version) {
		return nil, fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatibleFormat, version, supportedVersions)
	}
	return &doc, nil
}

// ImportReport lists what an import accepted and rejected.
type ImportReport struct {
	Imported        []string          `json:"imported"`
	Skipped         map[string]string `json:"skipped"`
	EntriesImported int               `json:"entries_imported"`
	err             *multierror.Error
}

// Err aggregates the rejection of every skipped chain, each wrapping
// ErrChainRejected. It is nil when nothing was skipped.
func (r *ImportReport) Err() error {
	return r.err.ErrorOrNil()
}

func (r *ImportReport) skip(chainID string, err error) {
	r.Skipped[chainID] = err.Error()
	r.err = multierror.Append(r.err, fmt.Errorf("%w: chain %s: %w", ErrChainRejected, chainID, err))
}

// ImportData decodes a JSON export and imports its chains, see
// ImportDocument.
func (l *Ledger) ImportData(ctx context.Context, data []byte) (*ImportReport, error) {
	doc, err := DecodeExport(data)
	if err != nil {
		return nil, err
	}
	return l.ImportDocument(ctx, doc), nil
}

// ImportDocument adds the document's chains as ARCHIVED chains. Each chain is
// verified against the ledger key ring first; a chain that fails, or whose id
// already exists, is skipped and logged while the rest proceed. The document's
// own public key is not trusted implicitly; see TrustKey.
func (l *Ledger) ImportDocument(ctx context.Context, doc *ExportDocument) *ImportReport {
	report := &ImportReport{Skipped: make(map[string]string)}

	for i := range doc.Chains {
		ce := doc.Chains[i]
		c, err := l.importedChain(ce)
		if err == nil {
			err = l.addImportedChain(c)
		}
		if err != nil {
			report.skip(ce.ID, err)
			l.logger.WarnContext(ctx, "import rejected chain", "chain_id", ce.ID, "error", err)
			continue
		}
		report.Imported = append(report.Imported, c.id)
		report.EntriesImported += len(c.entries)
	}

	l.logger.InfoContext(ctx, "import finished",
		"export_id", doc.ExportID,
		"imported", len(report.Imported),
		"skipped", len(report.Skipped),
	)
	return report
}

func (l *Ledger) importedChain(ce ChainExport) (*chain, error) {
	if ce.AnchorHash != "" && !crypto.ValidHash(ce.AnchorHash) {
		return nil, fmt.Errorf("%w: malformed anchor hash", ErrChainBroken)
	}
	entries := make([]*Entry, 0, len(ce.Entries))
	for _, e := range ce.Entries {
		if e == nil {
			return nil, fmt.Errorf("%w: null entry", ErrInvalidEntry)
		}
		entries = append(entries, e.clone())
	}
	if err := VerifyChain(ce.ID, entries, ce.AnchorHash, ce.AnchorSignature, l.keys); err != nil {
		return nil, err
	}

	head := ce.AnchorHash
	if n := len(entries); n > 0 {
		head = entries[n-1].CurrentHash
	}
	if ce.HeadHash != "" && ce.HeadHash != head {
		return nil, fmt.Errorf("%w: head hash does not match last entry", ErrChainBroken)
	}

	for _, e := range entries {
		if canon, err := crypto.CanonicalizeJSON(e.Data); err == nil {
			e.Data = canon
		}
	}

	c := newChain(ce.ID, ce.Description, ce.CreatedAt.UTC())
	c.entries = entries
	c.headHash = head
	c.anchorHash = ce.AnchorHash
	c.anchorSignature = ce.AnchorSignature
	c.lastVerified = l.clock().UTC()
	c.archiveRef = ce.ArchiveRef
	c.state = ChainArchived
	return c, nil
}

func (l *Ledger) addImportedChain(c *chain) error {
	l.mu.Lock()
	if _, exists := l.chains[c.id]; exists {
		l.mu.Unlock()
		return fmt.Errorf("chain %s already present", c.id)
	}
	l.idxMu.RLock()
	for _, e := range c.entries {
		if _, dup := l.index[e.ID]; dup {
			l.idxMu.RUnlock()
			l.mu.Unlock()
			return fmt.Errorf("entry %s already present", e.ID)
		}
	}
	l.idxMu.RUnlock()

	l.chains[c.id] = c
	l.order = append(l.order, c.id)
	l.mu.Unlock()

	l.idxMu.Lock()
	for _, e := range c.entries {
		l.index[e.ID] = c.id
		l.advanceSequence(e.Sequence)
	}
	l.idxMu.Unlock()
	return nil
}
