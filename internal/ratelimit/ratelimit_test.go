package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newTestLimiter(ceiling Budget) (*Limiter, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(ceiling)
	l.now = c.now
	return l, c
}

func TestTryAcquireRespectsBudget(t *testing.T) {
	t.Parallel()
	l, c := newTestLimiter(Budget{})
	l.Register("coingecko", Budget{Calls: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		require.True(t, l.TryAcquire("coingecko"), "call %d", i)
	}
	assert.False(t, l.TryAcquire("coingecko"), "fourth call exceeds burst")

	c.advance(20 * time.Second)
	assert.True(t, l.TryAcquire("coingecko"), "one token refilled after window/calls")
	assert.False(t, l.TryAcquire("coingecko"))
}

func TestUnknownSourceUsesSafetyCeiling(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Budget{Calls: 2, Window: time.Minute})
	assert.True(t, l.TryAcquire("mystery"))
	assert.True(t, l.TryAcquire("mystery"))
	assert.False(t, l.TryAcquire("mystery"))
	assert.Equal(t, Budget{Calls: 2, Window: time.Minute}, l.Budget("mystery"))
}

func TestZeroBudgetIsCapped(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Budget{})
	l.Register("free-api", Budget{})
	assert.Equal(t, DefaultCeiling, l.Budget("free-api"))
	for i := 0; i < DefaultCeiling.Calls; i++ {
		require.True(t, l.TryAcquire("free-api"))
	}
	assert.False(t, l.TryAcquire("free-api"))
}

func TestSourcesAreIndependent(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Budget{})
	l.Register("a", Budget{Calls: 1, Window: time.Hour})
	l.Register("b", Budget{Calls: 1, Window: time.Hour})
	assert.True(t, l.TryAcquire("a"))
	assert.False(t, l.TryAcquire("a"))
	assert.True(t, l.TryAcquire("b"))
	assert.InDelta(t, 0, l.Tokens("b"), 0.01)
}
