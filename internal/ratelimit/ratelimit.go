// Package ratelimit keeps one token bucket per data source.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Budget is a number of calls allowed per window.
type Budget struct {
	Calls  int
	Window time.Duration
}

// DefaultCeiling caps sources whose budget is zero or unknown.
var DefaultCeiling = Budget{Calls: 60, Window: time.Minute}

func (b Budget) valid() bool { return b.Calls > 0 && b.Window > 0 }

func (b Budget) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(b.Window/time.Duration(b.Calls)), b.Calls)
}

// Limiter hands out tokens per source. TryAcquire never blocks.
type Limiter struct {
	mu      sync.Mutex
	ceiling Budget
	buckets map[string]*rate.Limiter
	budgets map[string]Budget

	now func() time.Time
}

// New returns a Limiter whose unknown or unlimited sources are held to ceiling.
// A zero ceiling uses DefaultCeiling.
func New(ceiling Budget) *Limiter {
	if !ceiling.valid() {
		ceiling = DefaultCeiling
	}
	return &Limiter{
		ceiling: ceiling,
		buckets: map[string]*rate.Limiter{},
		budgets: map[string]Budget{},
		now:     time.Now,
	}
}

// Register sets the budget of a source, replacing any previous bucket.
// A zero budget means unlimited, capped at the safety ceiling.
func (l *Limiter) Register(source string, b Budget) {
	source = strings.TrimSpace(source)
	if !b.valid() {
		b = l.ceiling
	}
	l.mu.Lock()
	l.budgets[source] = b
	l.buckets[source] = b.limiter()
	l.mu.Unlock()
}

// TryAcquire takes one token for source if available.
func (l *Limiter) TryAcquire(source string) bool {
	return l.bucket(source).AllowN(l.now(), 1)
}

// Budget reports the effective budget of source.
func (l *Limiter) Budget(source string) Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.budgets[strings.TrimSpace(source)]; ok {
		return b
	}
	return l.ceiling
}

// Tokens reports the tokens currently available for source.
func (l *Limiter) Tokens(source string) float64 {
	return l.bucket(source).TokensAt(l.now())
}

func (l *Limiter) bucket(source string) *rate.Limiter {
	source = strings.TrimSpace(source)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[source]
	if !ok {
		b = l.ceiling.limiter()
		l.buckets[source] = b
		l.budgets[source] = l.ceiling
	}
	return b
}
