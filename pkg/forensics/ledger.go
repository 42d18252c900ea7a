package forensics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
	"github.com/Mindburn-Labs/sentinel/pkg/observability"
)

const (
	systemSource       = "forensic-ledger"
	attackSource       = "attack-detector"
	defaultDescription = "default chain"
)

// Config tunes signing, rotation and retention.
type Config struct {
	SigningAlgorithm   crypto.Algorithm `json:"signing_algorithm" yaml:"signing_algorithm"`
	KeySize            int              `json:"key_size" yaml:"key_size"`
	MaxEntriesPerChain int              `json:"max_entries_per_chain" yaml:"max_entries_per_chain"`
	MaxChainAge        time.Duration    `json:"max_chain_age" yaml:"max_chain_age"`
	RetentionPeriod    time.Duration    `json:"retention_period" yaml:"retention_period"`
	Environment        string           `json:"environment" yaml:"environment"`
}

// DefaultConfig returns the ledger defaults.
func DefaultConfig() Config {
	return Config{
		SigningAlgorithm:   crypto.AlgorithmEd25519,
		MaxEntriesPerChain: 10000,
		MaxChainAge:        24 * time.Hour,
		RetentionPeriod:    90 * 24 * time.Hour,
	}
}

// ArchiveSink receives exported chain segments and returns a reference to the
// stored copy.
type ArchiveSink interface {
	Store(ctx context.Context, data []byte) (string, error)
}

// Ledger owns the forensic chains. The ledger lock guards chain membership
// and the current pointer; each chain has its own lock; appends hold the
// ledger read lock plus the chain lock.
type Ledger struct {
	mu        sync.RWMutex
	chains    map[string]*chain
	order     []string
	currentID string

	idxMu sync.RWMutex
	index map[string]string // entry id -> chain id

	cleanupMu sync.Mutex
	sequence  atomic.Uint64

	cfg         Config
	signer      crypto.Signer
	keys        *crypto.KeyRing
	clock       func() time.Time
	archive     ArchiveSink
	handlers    []EntryHandler
	instruments *observability.Instruments
	exprs       *exprCache
	logger      *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithSigner uses an existing key pair instead of generating one.
func WithSigner(s crypto.Signer) Option {
	return func(l *Ledger) { l.signer = s }
}

// WithArchive sets the sink for rotated chains and pruned entries.
func WithArchive(sink ArchiveSink) Option {
	return func(l *Ledger) { l.archive = sink }
}

// WithHandler registers a callback run after each append.
func WithHandler(h EntryHandler) Option {
	return func(l *Ledger) { l.handlers = append(l.handlers, h) }
}

// WithInstruments overrides the metric instruments.
func WithInstruments(in *observability.Instruments) Option {
	return func(l *Ledger) { l.instruments = in }
}

// WithSequenceFloor makes the first appended entry number above seq. Use it
// when reopening a ledger whose earlier entries are persisted elsewhere.
func WithSequenceFloor(seq uint64) Option {
	return func(l *Ledger) { l.sequence.Store(seq) }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a ledger with a CURRENT default chain. It fails if no signing
// key pair can be generated.
func New(cfg Config, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		chains: make(map[string]*chain),
		index:  make(map[string]string),
		cfg:    cfg,
		clock:  time.Now,
		exprs:  newExprCache(),
		logger: slog.Default().With("component", "forensics"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.signer == nil {
		s, err := crypto.NewSigner(cfg.SigningAlgorithm, cfg.KeySize)
		if err != nil {
			return nil, fmt.Errorf("forensics: signing key: %w", err)
		}
		l.signer = s
	}
	if l.instruments == nil {
		l.instruments = observability.DefaultInstruments()
	}
	l.keys = crypto.NewKeyRing(l.signer.Verifier())

	if _, err := l.CreateChain(context.Background(), defaultDescription); err != nil {
		return nil, err
	}
	return l, nil
}

// PublicKey returns the hex PKIX public key of the ledger signer.
func (l *Ledger) PublicKey() string { return l.signer.PublicKey() }

// KeyID returns the key id of the ledger signer.
func (l *Ledger) KeyID() string { return l.signer.KeyID() }

// Algorithm returns the signing algorithm.
func (l *Ledger) Algorithm() crypto.Algorithm { return l.signer.Algorithm() }

// TrustKey adds a public key to the verification key ring, so chains signed
// by a previous or foreign key pair verify and import.
func (l *Ledger) TrustKey(pubKeyHex string) (string, error) {
	return l.keys.AddPublicKey(pubKeyHex)
}

// CurrentChainID returns the id of the chain accepting appends.
func (l *Ledger) CurrentChainID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentID
}

// LogEvent appends an entry to the current chain. meta may be nil.
func (l *Ledger) LogEvent(ctx context.Context, entryType EntryType, severity contracts.Severity, source string, data any, meta *Metadata) (*Entry, error) {
	if !entryType.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, entryType)
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidEntry, severity)
	}
	payload, err := encodeData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrInvalidEntry, err)
	}
	var m Metadata
	if meta != nil {
		m = *meta
	}
	m = normalizeMetadata(m)
	if m.Environment == "" {
		m.Environment = l.cfg.Environment
	}

	l.mu.RLock()
	c := l.chains[l.currentID]
	c.mu.Lock()
	entry, err := l.appendLocked(c, entryType, severity, normalize(source), payload, m)
	c.mu.Unlock()
	l.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	l.afterAppend(ctx, c.id, entry)
	return entry.clone(), nil
}

// LogAttack records an ATTACK_DETECTED entry for a detected attack.
func (l *Ledger) LogAttack(ctx context.Context, attack contracts.AttackEvent) (*Entry, error) {
	detectedAt := attack.Timestamp
	if detectedAt.IsZero() {
		detectedAt = l.clock()
	}
	data := map[string]any{
		"attack_id":   attack.ID,
		"attack_type": attack.Type,
		"confidence":  attack.Confidence,
		"detected_at": detectedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(attack.Details) > 0 {
		data["details"] = attack.Details
	}
	if attack.Mitigation != "" {
		data["mitigation"] = attack.Mitigation
	}
	meta := &Metadata{
		NodeID: attack.NodeID,
		Tags:   []string{"attack", attack.Type},
	}
	return l.LogEvent(ctx, EntryAttackDetected, attack.Severity, attackSource, data, meta)
}

// appendLocked builds, signs and appends an entry. An entry that does not
// verify against the key ring is refused and marks the chain unverified. The
// caller holds the ledger lock (read or write) and c.mu.
func (l *Ledger) appendLocked(c *chain, entryType EntryType, severity contracts.Severity, source string, data []byte, meta Metadata) (*Entry, error) {
	entry := &Entry{
		ID:           uuid.New().String(),
		Sequence:     l.sequence.Add(1),
		Timestamp:    l.clock().UTC(),
		Type:         entryType,
		Severity:     severity,
		Source:       source,
		Data:         data,
		PreviousHash: c.headHash,
		Metadata:     meta,
	}
	if err := SignEntry(entry, l.signer); err != nil {
		return nil, err
	}
	if err := VerifyEntry(entry, l.keys); err != nil {
		c.integrityVerified = false
		l.instruments.VerificationFailed(context.Background(), c.id)
		return nil, fmt.Errorf("append to chain %s: %w", c.id, err)
	}
	c.entries = append(c.entries, entry)
	c.headHash = entry.CurrentHash
	if c.state == ChainEmpty {
		c.state = ChainActive
	}
	return entry, nil
}

func (l *Ledger) afterAppend(ctx context.Context, chainID string, entry *Entry) {
	l.idxMu.Lock()
	l.index[entry.ID] = chainID
	l.idxMu.Unlock()

	l.instruments.EntryAppended(ctx, string(entry.Type), string(entry.Severity))
	l.logger.DebugContext(ctx, "entry appended",
		"chain_id", chainID,
		"entry_id", entry.ID,
		"sequence", entry.Sequence,
		"type", entry.Type,
	)
	for _, h := range l.handlers {
		h(chainID, entry.clone())
	}
}

// CreateChain starts a new CURRENT chain whose first entry records its
// creation. The previous current chain becomes ARCHIVED.
func (l *Ledger) CreateChain(ctx context.Context, description string) (ChainInfo, error) {
	now := l.clock().UTC()
	c := newChain(uuid.New().String(), normalize(description), now)

	l.mu.Lock()
	prevID := l.currentID
	var prevHead string
	if prev, ok := l.chains[prevID]; ok {
		prev.mu.RLock()
		prevHead = prev.headHash
		prev.mu.RUnlock()
	}
	data, err := encodeData(map[string]any{
		"event":              "chain_created",
		"chain_id":           c.id,
		"description":        c.description,
		"previous_chain_id":  prevID,
		"previous_head_hash": prevHead,
	})
	if err != nil {
		l.mu.Unlock()
		return ChainInfo{}, err
	}

	c.mu.Lock()
	entry, err := l.appendLocked(c, EntrySystemEvent, contracts.SeverityLow, systemSource, data,
		Metadata{Environment: l.cfg.Environment, Tags: []string{"chain"}})
	if err != nil {
		c.mu.Unlock()
		l.mu.Unlock()
		return ChainInfo{}, err
	}
	c.state = ChainCurrent
	info := c.info(true)
	c.mu.Unlock()

	if prev, ok := l.chains[prevID]; ok {
		prev.mu.Lock()
		prev.state = ChainArchived
		prev.mu.Unlock()
	}
	l.chains[c.id] = c
	l.order = append(l.order, c.id)
	l.currentID = c.id
	l.mu.Unlock()

	l.afterAppend(ctx, c.id, entry)
	l.logger.InfoContext(ctx, "chain created",
		"chain_id", c.id,
		"description", c.description,
		"previous_chain_id", prevID,
	)
	return info, nil
}

// RotateChain starts a new chain and archives the superseded one to the
// archive sink when one is configured. Archive failures are logged, the
// rotation itself stands.
func (l *Ledger) RotateChain(ctx context.Context, reason string) (ChainInfo, error) {
	prevID := l.CurrentChainID()
	info, err := l.CreateChain(ctx, "rotation: "+reason)
	if err != nil {
		return ChainInfo{}, err
	}
	l.logger.InfoContext(ctx, "chain rotated", "reason", reason, "chain_id", info.ID, "previous_chain_id", prevID)

	if l.archive == nil {
		return info, nil
	}
	ref, err := l.archiveChain(ctx, prevID)
	if err != nil {
		l.logger.WarnContext(ctx, "chain archive failed", "chain_id", prevID, "error", err)
		return info, nil
	}
	l.mu.RLock()
	if prev, ok := l.chains[prevID]; ok {
		prev.mu.Lock()
		prev.archiveRef = ref
		prev.mu.Unlock()
	}
	l.mu.RUnlock()
	return info, nil
}

func (l *Ledger) archiveChain(ctx context.Context, chainID string) (string, error) {
	l.mu.RLock()
	c, ok := l.chains[chainID]
	if !ok {
		l.mu.RUnlock()
		return "", fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	c.mu.RLock()
	export := c.export()
	c.mu.RUnlock()
	l.mu.RUnlock()

	doc := l.newDocument([]ChainExport{export}, export.IntegrityVerified)
	raw, err := marshalDocument(doc)
	if err != nil {
		return "", err
	}
	return l.archive.Store(ctx, raw)
}

// GetChainInfo lists every chain in creation order.
func (l *Ledger) GetChainInfo() []ChainInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ChainInfo, 0, len(l.order))
	for _, id := range l.order {
		c := l.chains[id]
		c.mu.RLock()
		out = append(out, c.info(id == l.currentID))
		c.mu.RUnlock()
	}
	return out
}

// GetEntry returns a copy of the entry with the given id.
func (l *Ledger) GetEntry(id string) (*Entry, error) {
	l.idxMu.RLock()
	chainID, ok := l.index[id]
	l.idxMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.ID == id {
			return e.clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
}

// Entries returns copies of a chain's entries in append order.
func (l *Ledger) Entries(chainID string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.clone()
	}
	return out, nil
}

// Sequence returns the last sequence number handed out.
func (l *Ledger) Sequence() uint64 { return l.sequence.Load() }

// advanceSequence moves the counter forward to at least seq.
func (l *Ledger) advanceSequence(seq uint64) {
	for {
		cur := l.sequence.Load()
		if cur >= seq || l.sequence.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// snapshotChains returns the chains in creation order. Caller holds l.mu.
func (l *Ledger) snapshotChains() []*chain {
	out := make([]*chain, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.chains[id])
	}
	return out
}

func sortNewestFirst(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].Sequence > entries[j].Sequence
	})
}
