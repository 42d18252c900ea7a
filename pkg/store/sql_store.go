package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
	"github.com/Mindburn-Labs/sentinel/pkg/forensics"
)

// Timestamps are stored as RFC 3339 text with nanoseconds: entry hashes
// cover the exact timestamp and TIMESTAMP columns round to microseconds.
const timeLayout = time.RFC3339Nano

var schema = []string{
	`CREATE TABLE IF NOT EXISTS forensic_chains (
	id TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	head_hash TEXT NOT NULL DEFAULT '',
	anchor_hash TEXT NOT NULL DEFAULT '',
	anchor_signature TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS forensic_entries (
	id TEXT PRIMARY KEY,
	chain_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	recorded_at TEXT NOT NULL,
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	source TEXT NOT NULL,
	data TEXT,
	previous_hash TEXT NOT NULL DEFAULT '',
	current_hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	node_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	environment TEXT NOT NULL DEFAULT '',
	tags TEXT
)`,
	`CREATE INDEX IF NOT EXISTS forensic_entries_chain_seq ON forensic_entries (chain_id, sequence)`,
	`CREATE TABLE IF NOT EXISTS forensic_keys (
	key_id TEXT PRIMARY KEY,
	algorithm TEXT NOT NULL,
	public_key TEXT NOT NULL,
	added_at TEXT NOT NULL
)`,
}

// Key is a ledger signing public key that verified persisted entries.
type Key struct {
	ID        string
	Algorithm string
	PublicKey string
}

// ChainSource is the part of the ledger SyncCleanup reads.
type ChainSource interface {
	GetChainInfo() []forensics.ChainInfo
	Entries(chainID string) ([]*forensics.Entry, error)
}

// SQLEntryStore mirrors ledger chains into SQL. It works with Postgres and
// SQLite through database/sql.
type SQLEntryStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLEntryStore(db *sql.DB) *SQLEntryStore {
	return &SQLEntryStore{db: db, clock: time.Now}
}

func (s *SQLEntryStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// Record writes one appended entry and moves the chain head. Writing the
// same entry twice is a no-op.
func (s *SQLEntryStore) Record(ctx context.Context, chainID string, e *forensics.Entry) error {
	tags, err := json.Marshal(e.Metadata.Tags)
	if err != nil {
		return fmt.Errorf("store: encode tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO forensic_chains (id, description, created_at, head_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET head_hash = excluded.head_hash
	`, chainID, chainDescription(chainID, e), e.Timestamp.UTC().Format(timeLayout), e.CurrentHash)
	if err != nil {
		return fmt.Errorf("store: upsert chain %s: %w", chainID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO forensic_entries (id, chain_id, sequence, recorded_at, type, severity, source, data,
			previous_hash, current_hash, signature, node_id, session_id, environment, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`,
		e.ID, chainID, int64(e.Sequence), e.Timestamp.UTC().Format(timeLayout),
		string(e.Type), string(e.Severity), e.Source, string(e.Data),
		e.PreviousHash, e.CurrentHash, e.Signature,
		e.Metadata.NodeID, e.Metadata.SessionID, e.Metadata.Environment, string(tags),
	)
	if err != nil {
		return fmt.Errorf("store: insert entry %s: %w", e.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// chainDescription recovers the description from a chain's creation entry.
func chainDescription(chainID string, e *forensics.Entry) string {
	if e.Type != forensics.EntrySystemEvent {
		return ""
	}
	var created struct {
		Event       string `json:"event"`
		ChainID     string `json:"chain_id"`
		Description string `json:"description"`
	}
	if err := e.DecodeData(&created); err != nil {
		return ""
	}
	if created.Event != "chain_created" || created.ChainID != chainID {
		return ""
	}
	return created.Description
}

// Handler adapts Record to a ledger entry handler. Write failures are logged;
// the in-memory ledger stays authoritative.
func (s *SQLEntryStore) Handler(logger *slog.Logger) forensics.EntryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(chainID string, e *forensics.Entry) {
		if err := s.Record(context.Background(), chainID, e); err != nil {
			logger.Error("persist ledger entry failed", "chain_id", chainID, "entry_id", e.ID, "error", err)
		}
	}
}

// SaveKey remembers a signing public key so chains it signed verify after
// a restart.
func (s *SQLEntryStore) SaveKey(ctx context.Context, k Key) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forensic_keys (key_id, algorithm, public_key, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key_id) DO NOTHING
	`, k.ID, k.Algorithm, k.PublicKey, s.clock().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: save key %s: %w", k.ID, err)
	}
	return nil
}

// Keys lists saved keys, oldest first.
func (s *SQLEntryStore) Keys(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_id, algorithm, public_key FROM forensic_keys ORDER BY added_at, key_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make([]Key, 0)
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ID, &k.Algorithm, &k.PublicKey); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Prune applies a retention pass to one chain: entries below firstKept are
// deleted and the anchor moves along with its seal. firstKept 0 deletes every
// entry.
func (s *SQLEntryStore) Prune(ctx context.Context, chainID, anchorHash, anchorSig string, firstKept uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE forensic_chains SET anchor_hash = $1, anchor_signature = $2 WHERE id = $3`,
		anchorHash, anchorSig, chainID); err != nil {
		return fmt.Errorf("store: update anchor %s: %w", chainID, err)
	}
	if firstKept == 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM forensic_entries WHERE chain_id = $1`, chainID)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM forensic_entries WHERE chain_id = $1 AND sequence < $2`, chainID, int64(firstKept))
	}
	if err != nil {
		return fmt.Errorf("store: prune %s: %w", chainID, err)
	}
	return tx.Commit()
}

// MaxSequence returns the highest stored entry sequence, or 0 when the
// store holds no entries. A ledger reopened over this store must continue
// numbering above it.
func (s *SQLEntryStore) MaxSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM forensic_entries`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("store: max sequence: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// DeleteChain removes a purged chain and its entries.
func (s *SQLEntryStore) DeleteChain(ctx context.Context, chainID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM forensic_entries WHERE chain_id = $1`, chainID); err != nil {
		return fmt.Errorf("store: delete entries %s: %w", chainID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM forensic_chains WHERE id = $1`, chainID); err != nil {
		return fmt.Errorf("store: delete chain %s: %w", chainID, err)
	}
	return tx.Commit()
}

// SyncCleanup mirrors a retention pass: purged chains are deleted and every
// anchored chain is pruned up to its first remaining entry.
func (s *SQLEntryStore) SyncCleanup(ctx context.Context, src ChainSource, report *forensics.CleanupReport) error {
	if report == nil || report.RemovedEntries == 0 {
		return nil
	}
	var result *multierror.Error
	for _, id := range report.PurgedChains {
		if err := s.DeleteChain(ctx, id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, info := range src.GetChainInfo() {
		if info.AnchorHash == "" {
			continue
		}
		entries, err := src.Entries(info.ID)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		var firstKept uint64
		if len(entries) > 0 {
			firstKept = entries[0].Sequence
		}
		if err := s.Prune(ctx, info.ID, info.AnchorHash, info.AnchorSignature, firstKept); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Load rebuilds an import document from the stored chains. The newest saved
// key, if any, fills the document key fields; callers trust the others.
func (s *SQLEntryStore) Load(ctx context.Context) (*forensics.ExportDocument, error) {
	chains, err := s.loadChains(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.loadEntries(ctx, chains); err != nil {
		return nil, err
	}

	doc := &forensics.ExportDocument{
		FormatVersion:     forensics.FormatVersion,
		ExportID:          uuid.New().String(),
		ExportedAt:        s.clock().UTC(),
		IntegrityVerified: true,
		Chains:            make([]forensics.ChainExport, 0, len(chains.order)),
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if n := len(keys); n > 0 {
		doc.Algorithm = keys[n-1].Algorithm
		doc.PublicKey = keys[n-1].PublicKey
		doc.KeyID = keys[n-1].ID
	}
	for _, id := range chains.order {
		ce := chains.byID[id]
		// Handlers can run out of order under concurrent appends, so the
		// stored head may lag; the last entry is authoritative.
		if n := len(ce.Entries); n > 0 {
			ce.HeadHash = ce.Entries[n-1].CurrentHash
		} else if ce.AnchorHash != "" {
			ce.HeadHash = ce.AnchorHash
		}
		doc.Chains = append(doc.Chains, *ce)
	}
	return doc, nil
}

type loadedChains struct {
	order []string
	byID  map[string]*forensics.ChainExport
}

func (s *SQLEntryStore) loadChains(ctx context.Context) (*loadedChains, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, created_at, head_hash, anchor_hash, anchor_signature
		FROM forensic_chains
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list chains: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := &loadedChains{byID: make(map[string]*forensics.ChainExport)}
	for rows.Next() {
		var (
			ce      forensics.ChainExport
			created string
		)
		if err := rows.Scan(&ce.ID, &ce.Description, &created, &ce.HeadHash, &ce.AnchorHash, &ce.AnchorSignature); err != nil {
			return nil, err
		}
		if ce.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("store: chain %s created_at: %w", ce.ID, err)
		}
		ce.State = forensics.ChainArchived
		ce.IntegrityVerified = true
		ce.LastVerified = ce.CreatedAt
		ce.Entries = make([]*forensics.Entry, 0)
		out.order = append(out.order, ce.ID)
		out.byID[ce.ID] = &ce
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLEntryStore) loadEntries(ctx context.Context, chains *loadedChains) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain_id, sequence, recorded_at, type, severity, source, data,
			previous_hash, current_hash, signature, node_id, session_id, environment, tags
		FROM forensic_entries
		ORDER BY chain_id, sequence
	`)
	if err != nil {
		return fmt.Errorf("store: list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			e                   forensics.Entry
			chainID, recorded   string
			entryType, severity string
			seq                 int64
			data, tags          sql.NullString
		)
		if err := rows.Scan(&e.ID, &chainID, &seq, &recorded, &entryType, &severity, &e.Source, &data,
			&e.PreviousHash, &e.CurrentHash, &e.Signature,
			&e.Metadata.NodeID, &e.Metadata.SessionID, &e.Metadata.Environment, &tags); err != nil {
			return err
		}
		ce, ok := chains.byID[chainID]
		if !ok {
			continue
		}
		if e.Timestamp, err = time.Parse(timeLayout, recorded); err != nil {
			return fmt.Errorf("store: entry %s timestamp: %w", e.ID, err)
		}
		e.Sequence = uint64(seq)
		e.Type = forensics.EntryType(entryType)
		e.Severity = contracts.Severity(severity)
		if data.Valid && data.String != "" {
			e.Data = json.RawMessage(data.String)
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &e.Metadata.Tags); err != nil {
				return fmt.Errorf("store: entry %s tags: %w", e.ID, err)
			}
		}
		ce.Entries = append(ce.Entries, &e)
	}
	return rows.Err()
}
