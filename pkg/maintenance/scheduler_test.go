package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryValidates(t *testing.T) {
	s := New()
	noop := func(context.Context) error { return nil }

	require.ErrorIs(t, s.Every("bad", 0, noop), ErrInvalidInterval)
	require.NoError(t, s.Every("decay", time.Minute, noop))
	require.ErrorIs(t, s.Every("decay", time.Minute, noop), ErrDuplicateTask)
	require.NoError(t, s.Every("ledger", time.Minute, noop))
	assert.Equal(t, []string{"decay", "ledger"}, s.Tasks())
}

func TestRunOnce(t *testing.T) {
	s := New()
	var calls atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, s.Every("count", time.Hour, func(context.Context) error {
		if calls.Add(1) == 2 {
			return boom
		}
		return nil
	}))

	require.NoError(t, s.RunOnce(context.Background(), "count"))
	require.ErrorIs(t, s.RunOnce(context.Background(), "count"), boom)

	runs, lastErr := s.Runs("count")
	assert.Equal(t, 2, runs)
	assert.ErrorIs(t, lastErr, boom)

	require.ErrorIs(t, s.RunOnce(context.Background(), "missing"), ErrUnknownTask)
	_, err := s.Runs("missing")
	require.ErrorIs(t, err, ErrUnknownTask)
}

func TestStartStop(t *testing.T) {
	s := New()
	var calls atomic.Int32
	require.NoError(t, s.Every("tick", 5*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	require.ErrorIs(t, s.Every("late", time.Second, func(context.Context) error { return nil }), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())

	s.Stop()
}

func TestRestartAfterStop(t *testing.T) {
	s := New()
	var calls atomic.Int32
	require.NoError(t, s.Every("tick", 5*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	before := calls.Load()

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() > before }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestContextCancelEndsLoops(t *testing.T) {
	s := New()
	var calls atomic.Int32
	require.NoError(t, s.Every("tick", 5*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not exit after cancel")
	}
	s.Stop()
}
