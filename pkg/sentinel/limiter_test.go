package sentinel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSourceLimiters(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newSourceLimiters(1, 2)

	ok, _ := l.allow("a", now)
	assert.True(t, ok)
	ok, _ = l.allow("a", now)
	assert.True(t, ok)

	ok, first := l.allow("a", now)
	assert.False(t, ok)
	assert.True(t, first)
	ok, first = l.allow("a", now)
	assert.False(t, ok)
	assert.False(t, first, "only the first denial of a burst is reported")

	ok, _ = l.allow("b", now)
	assert.True(t, ok, "sources are independent")

	now = now.Add(time.Second)
	ok, _ = l.allow("a", now)
	assert.True(t, ok)
	ok, first = l.allow("a", now)
	assert.False(t, ok)
	assert.True(t, first, "an admitted event starts a new burst")

	assert.Equal(t, 1, l.prune(now), "b has refilled, a is still drained")
	assert.Equal(t, 0, l.prune(now.Add(time.Minute)))
}

func TestSourceLimitersDisabled(t *testing.T) {
	l := newSourceLimiters(0, 10)
	assert.Nil(t, l)
	for i := 0; i < 1000; i++ {
		ok, _ := l.allow("a", time.Now())
		assert.True(t, ok)
	}
	assert.Zero(t, l.prune(time.Now()))
}
