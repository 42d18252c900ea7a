// Package maintenance runs periodic background work, such as the reputation
// decay pass and ledger maintenance, as cancellable tasks.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/observability"
)

var (
	ErrAlreadyRunning  = errors.New("maintenance: scheduler already running")
	ErrUnknownTask     = errors.New("maintenance: unknown task")
	ErrDuplicateTask   = errors.New("maintenance: task already registered")
	ErrInvalidInterval = errors.New("maintenance: interval must be positive")
)

// TaskFunc is one tick of a task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	mu       sync.Mutex // a task never overlaps itself
	runs     int
	lastErr  error
}

// Scheduler runs registered tasks on fixed intervals until stopped. Ticks
// are also exposed through RunOnce so callers can drive them directly.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	instruments *observability.Instruments
	logger      *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInstruments overrides the metric instruments.
func WithInstruments(in *observability.Instruments) Option {
	return func(s *Scheduler) { s.instruments = in }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New creates an idle scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:  make(map[string]*task),
		logger: slog.Default().With("component", "maintenance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.instruments == nil {
		s.instruments = observability.DefaultInstruments()
	}
	return s
}

// Every registers fn to run each interval. Tasks cannot be added while the
// scheduler is running.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	s.tasks[name] = &task{name: name, interval: interval, fn: fn}
	return nil
}

// Tasks lists the registered task names in sorted order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches one loop per task. The loops end when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t, s.stopCh)
	}
	s.logger.InfoContext(ctx, "scheduler started", "tasks", len(s.tasks))
	return nil
}

// Stop halts every loop and waits for in-flight ticks to finish. It is safe
// to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Running reports whether the loops are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce runs a single tick of the named task synchronously.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.tick(ctx, t)
}

// Runs returns how many ticks the named task has completed and the error of
// the last one.
func (s *Scheduler) Runs(name string) (int, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs, t.lastErr
}

func (s *Scheduler) loop(ctx context.Context, t *task, stopCh <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			_ = s.tick(ctx, t)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, t *task) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	err := t.fn(ctx)
	elapsed := time.Since(start)
	t.runs++
	t.lastErr = err

	s.instruments.MaintenanceRan(ctx, t.name, elapsed, err)
	if err != nil {
		s.logger.WarnContext(ctx, "maintenance task failed", "task", t.name, "duration", elapsed, "error", err)
		return err
	}
	s.logger.DebugContext(ctx, "maintenance task finished", "task", t.name, "duration", elapsed)
	return nil
}
