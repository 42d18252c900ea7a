package forensics

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memorySink struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  bool
}

func newMemorySink() *memorySink {
	return &memorySink{blobs: make(map[string][]byte)}
}

func (s *memorySink) Store(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", fmt.Errorf("sink unavailable")
	}
	ref := fmt.Sprintf("mem://%d", len(s.blobs)+1)
	s.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.RetentionPeriod = 0
	l, err := New(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return l, clock
}

// rawChain exposes the stored chain for tamper tests.
func rawChain(t *testing.T, l *Ledger, id string) *chain {
	t.Helper()
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chains[id]
	require.True(t, ok, "chain %s missing", id)
	return c
}
