// Package sentinel composes the reputation engine and the forensic ledger into
// the trust service: producers report attacks and node lifecycle events,
// background tasks decay reputations and maintain the ledger, and state
// survives restarts through the configured stores.
package sentinel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Mindburn-Labs/sentinel/pkg/archive"
	"github.com/Mindburn-Labs/sentinel/pkg/config"
	"github.com/Mindburn-Labs/sentinel/pkg/forensics"
	"github.com/Mindburn-Labs/sentinel/pkg/maintenance"
	"github.com/Mindburn-Labs/sentinel/pkg/observability"
	"github.com/Mindburn-Labs/sentinel/pkg/reputation"
	"github.com/Mindburn-Labs/sentinel/pkg/store"
)

// Scheduler task names.
const (
	TaskDecay  = "reputation-decay"
	TaskLedger = "ledger-maintenance"
)

var (
	ErrRateLimited    = errors.New("sentinel: source rate limited")
	ErrMissingNodeID  = errors.New("sentinel: node id is required")
	ErrAlreadyStarted = errors.New("sentinel: service already started")
	ErrStopped        = errors.New("sentinel: service stopped")
)

// Service is the running trust core.
type Service struct {
	cfg       *config.Config
	engine    *reputation.Engine
	ledger    *forensics.Ledger
	scheduler *maintenance.Scheduler
	limiters  *sourceLimiters

	db            *sql.DB
	entries       *store.SQLEntryStore
	snapshots     store.SnapshotStore
	archive       archive.Store
	ownsDB        bool
	ownsSnapshots bool
	ownsArchive   bool

	telemetry   *observability.Provider
	instruments *observability.Instruments
	clock       func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source of the service and its components.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger overrides the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithDB uses an open database instead of dialing storage.database_url. The
// caller keeps ownership.
func WithDB(db *sql.DB) Option {
	return func(s *Service) { s.db = db }
}

// WithSnapshotStore overrides the reputation snapshot store.
func WithSnapshotStore(ss store.SnapshotStore) Option {
	return func(s *Service) { s.snapshots = ss }
}

// WithArchiveStore overrides the archive backend.
func WithArchiveStore(a archive.Store) Option {
	return func(s *Service) { s.archive = a }
}

// WithTelemetry traces producer calls through p.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Service) { s.telemetry = p }
}

// WithInstruments overrides the metric instruments of every component.
func WithInstruments(in *observability.Instruments) Option {
	return func(s *Service) { s.instruments = in }
}

// New builds the service from a validated configuration. Stores named by the
// configuration are opened here; nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:   cfg,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.instruments == nil {
		s.instruments = observability.DefaultInstruments()
	}
	if s.telemetry == nil {
		p, err := observability.New(ctx, &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		s.telemetry = p
	}

	if err := s.openStores(ctx); err != nil {
		s.closeStores()
		return nil, err
	}

	ledgerOpts := []forensics.Option{
		forensics.WithClock(s.clock),
		forensics.WithInstruments(s.instruments),
		forensics.WithLogger(s.logger.With("component", "forensics")),
	}
	if s.archive != nil {
		ledgerOpts = append(ledgerOpts, forensics.WithArchive(s.archive))
	}
	if s.entries != nil {
		// The new default chain is numbered above every persisted entry.
		floor, err := s.entries.MaxSequence(ctx)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		ledgerOpts = append(ledgerOpts,
			forensics.WithSequenceFloor(floor),
			forensics.WithHandler(s.entries.Handler(s.logger.With("component", "store"))),
		)
	}
	ledger, err := forensics.New(cfg.Ledger, ledgerOpts...)
	if err != nil {
		s.closeStores()
		return nil, err
	}
	s.ledger = ledger
	if s.entries != nil {
		err := s.entries.SaveKey(ctx, store.Key{
			ID:        ledger.KeyID(),
			Algorithm: string(ledger.Algorithm()),
			PublicKey: ledger.PublicKey(),
		})
		if err != nil {
			s.closeStores()
			return nil, err
		}
	}

	engine, err := reputation.New(cfg.Reputation,
		reputation.WithClock(s.clock),
		reputation.WithInstruments(s.instruments),
		reputation.WithLogger(s.logger.With("component", "reputation")),
	)
	if err != nil {
		s.closeStores()
		return nil, err
	}
	s.engine = engine
	s.limiters = newSourceLimiters(cfg.Service.RateLimit, cfg.Service.RateBurst)

	s.scheduler = maintenance.New(
		maintenance.WithInstruments(s.instruments),
		maintenance.WithLogger(s.logger.With("component", "maintenance")),
	)
	if freq := cfg.Reputation.UpdateFrequency; freq > 0 {
		if err := s.scheduler.Every(TaskDecay, freq, s.decayTick); err != nil {
			s.closeStores()
			return nil, err
		}
	}
	if err := s.scheduler.Every(TaskLedger, cfg.Service.MaintenanceInterval, s.ledgerTick); err != nil {
		s.closeStores()
		return nil, err
	}

	s.logger = s.logger.With("component", "sentinel")
	return s, nil
}

func (s *Service) openStores(ctx context.Context) error {
	st := s.cfg.Storage
	if s.db == nil && st.DatabaseURL != "" {
		db, err := store.Open(ctx, st.DatabaseURL)
		if err != nil {
			return err
		}
		s.db, s.ownsDB = db, true
	}
	if s.db != nil {
		s.entries = store.NewSQLEntryStore(s.db)
		if err := s.entries.Init(ctx); err != nil {
			return err
		}
	}

	if s.snapshots == nil {
		switch {
		case st.Redis.Addr != "":
			s.snapshots = store.NewRedisSnapshotStore(st.Redis)
		case s.db != nil:
			ss := store.NewSQLSnapshotStore(s.db, st.Redis.Key)
			if err := ss.Init(ctx); err != nil {
				return err
			}
			s.snapshots = ss
		}
		s.ownsSnapshots = s.snapshots != nil
	}

	if s.archive == nil && s.cfg.Archive.Enabled() {
		a, err := archive.NewStore(ctx, s.cfg.Archive)
		if err != nil {
			return err
		}
		s.archive, s.ownsArchive = a, true
	}
	return nil
}

func (s *Service) closeStores() {
	if c, ok := s.snapshots.(interface{ Close() error }); ok && s.ownsSnapshots {
		if err := c.Close(); err != nil {
			s.logger.Warn("close snapshot store failed", "error", err)
		}
	}
	if c, ok := s.archive.(interface{ Close() error }); ok && s.ownsArchive {
		if err := c.Close(); err != nil {
			s.logger.Warn("close archive failed", "error", err)
		}
	}
	if s.ownsDB && s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("close database failed", "error", err)
		}
	}
}

// Ledger returns the forensic ledger.
func (s *Service) Ledger() *forensics.Ledger { return s.ledger }

// Engine returns the reputation engine.
func (s *Service) Engine() *reputation.Engine { return s.engine }

// Scheduler exposes the background tasks, mainly so callers can drive a
// tick with RunOnce.
func (s *Service) Scheduler() *maintenance.Scheduler { return s.scheduler }

// Start restores persisted state and starts the background tasks. The tasks
// run until Stop or until ctx is canceled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if err := s.restore(ctx); err != nil {
		return err
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	s.started = true
	s.logger.InfoContext(ctx, "service started",
		"chain_id", s.ledger.CurrentChainID(),
		"key_id", s.ledger.KeyID(),
		"nodes", s.engine.Len(),
		"tasks", s.scheduler.Tasks(),
	)
	return nil
}

// Stop ends the background tasks, saves the reputation snapshot and closes
// the stores the service opened. It is safe to call on a service that never
// started; a stopped service cannot be started again.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}

	s.scheduler.Stop()
	var err error
	if s.started {
		err = s.saveSnapshot(ctx)
	}
	s.closeStores()
	s.started, s.stopped = false, true
	s.logger.InfoContext(ctx, "service stopped")
	return err
}

// restore loads persisted chains and the reputation snapshot.
func (s *Service) restore(ctx context.Context) error {
	if s.entries != nil {
		if err := s.restoreLedger(ctx); err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
	}
	if s.snapshots != nil {
		snap, err := s.snapshots.Load(ctx)
		switch {
		case errors.Is(err, store.ErrNoSnapshot):
		case err != nil:
			return fmt.Errorf("restore reputation: %w", err)
		default:
			n, err := s.engine.ImportReputations(snap)
			if err != nil {
				return fmt.Errorf("restore reputation: %w", err)
			}
			s.logger.InfoContext(ctx, "reputation snapshot restored", "nodes", n, "exported_at", snap.ExportedAt)
		}
	}
	return nil
}

func (s *Service) restoreLedger(ctx context.Context) error {
	keys, err := s.entries.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := s.ledger.TrustKey(k.PublicKey); err != nil {
			s.logger.WarnContext(ctx, "stored ledger key unusable", "key_id", k.ID, "error", err)
		}
	}

	doc, err := s.entries.Load(ctx)
	if err != nil {
		return err
	}
	present := make(map[string]bool)
	for _, info := range s.ledger.GetChainInfo() {
		present[info.ID] = true
	}
	kept := doc.Chains[:0]
	for _, ce := range doc.Chains {
		if !present[ce.ID] {
			kept = append(kept, ce)
		}
	}
	doc.Chains = kept

	report := s.ledger.ImportDocument(ctx, doc)
	if err := report.Err(); err != nil {
		s.logger.WarnContext(ctx, "persisted chains rejected", "skipped", len(report.Skipped), "error", err)
	}
	s.logger.InfoContext(ctx, "ledger restored",
		"chains", len(report.Imported),
		"entries", report.EntriesImported,
	)
	return nil
}

func (s *Service) saveSnapshot(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	if err := s.snapshots.Save(ctx, s.engine.ExportReputations()); err != nil {
		return fmt.Errorf("save reputation snapshot: %w", err)
	}
	return nil
}

func (s *Service) decayTick(ctx context.Context) error {
	report := s.engine.ApplyDecay()
	left := s.limiters.prune(s.clock())
	s.logger.DebugContext(ctx, "decay tick",
		"nodes", report.Nodes,
		"penalties_recovered", report.PenaltiesRecovered,
		"throttled_sources", left,
	)
	return nil
}

func (s *Service) ledgerTick(ctx context.Context) error {
	report, err := s.ledger.Maintain(ctx)
	if err != nil {
		return err
	}
	if !report.Verified {
		s.logger.WarnContext(ctx, "ledger integrity check failed", "error", report.VerifyErr)
	}
	if report.RotatedTo != "" {
		s.logger.InfoContext(ctx, "ledger chain rotated", "chain_id", report.RotatedTo, "reason", report.Rotation)
	}
	var result *multierror.Error
	if s.entries != nil && report.Cleanup != nil {
		if err := s.entries.SyncCleanup(ctx, s.ledger, report.Cleanup); err != nil {
			result = multierror.Append(result, fmt.Errorf("sync cleanup: %w", err))
		}
	}
	if err := s.saveSnapshot(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
