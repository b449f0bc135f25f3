// Package provider picks a data source for each (protocol, class) unit. A
// snapshot still inside its TTL is served from cache; otherwise premium before free, config order within a tier, skipping disabled or
// rate-limited sources, and falling back to stale cache when every source fails.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"govwatch/internal/cache"
	"govwatch/internal/domain"
	"govwatch/internal/eventbus"
	"govwatch/internal/producer"
	"govwatch/internal/ratelimit"
	logx "govwatch/pkg/logx"
)

var tracer = otel.Tracer("govwatch/provider")

// Source is one configured provider.
type Source struct {
	Name    string
	Tier    domain.Tier
	Classes []domain.MetricClass
	// Protocols limits the source to these protocols; empty serves all.
	Protocols  []string
	RateBudget int
	Window     time.Duration
	BaseURL    string
	// Disabled is the static config flag; it never clears at runtime.
	Disabled bool
	Producer producer.Producer
}

func (s *Source) serves(protocol string, class domain.MetricClass) bool {
	ok := false
	for _, c := range s.Classes {
		if c == class {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if len(s.Protocols) == 0 {
		return true
	}
	for _, p := range s.Protocols {
		if p == protocol {
			return true
		}
	}
	return false
}

type Config struct {
	// Timeout bounds each provider call. Default 10s.
	Timeout time.Duration
	// DisableAfter consecutive failures disable a source. Default 5; negative never disables.
	DisableAfter int
	CooldownBase time.Duration
	CooldownMax  time.Duration
}

// Outcome of one provider attempt.
const (
	OutcomeOK          = "ok"
	OutcomeCached      = "cached"
	OutcomeDisabled    = "disabled"
	OutcomeRateLimited = "rate_limited"
	OutcomeUnsupported = "unsupported"
	OutcomeError       = "error"
)

type Attempt struct {
	Source  string        `json:"source"`
	Outcome string        `json:"outcome"`
	Error   string        `json:"error,omitempty"`
	Took    time.Duration `json:"took"`
}

func (a Attempt) String() string {
	if a.Error != "" {
		return a.Source + ":" + a.Outcome + " (" + a.Error + ")"
	}
	return a.Source + ":" + a.Outcome
}

// Result of a unit fetch. Cached results carry a snapshot still inside its
// TTL; degraded results carry a stale one.
type Result struct {
	Snapshot domain.MetricSnapshot
	Tier     domain.Tier
	Cached   bool
	Degraded bool
	Attempts []Attempt
}

func (r Result) AttemptStrings() []string {
	out := make([]string, len(r.Attempts))
	for i, a := range r.Attempts {
		out[i] = a.String()
	}
	return out
}

type Orchestrator struct {
	cfg     Config
	hcfg    healthCfg
	sources []*Source
	limiter *ratelimit.Limiter
	cache   *cache.Store
	log     logx.Logger
	bus     eventbus.Bus

	mu     sync.Mutex
	health map[string]*health

	now func() time.Time
}

func New(cfg Config, sources []Source, limiter *ratelimit.Limiter, store *cache.Store, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DisableAfter == 0 {
		cfg.DisableAfter = 5
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = time.Minute
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = 30 * time.Minute
	}
	o := &Orchestrator{
		cfg:     cfg,
		hcfg:    healthCfg{trip: cfg.DisableAfter, baseDelay: cfg.CooldownBase, maxDelay: cfg.CooldownMax},
		limiter: limiter,
		cache:   store,
		log:     log.With(logx.String("comp", "provider")),
		bus:     bus,
		health:  map[string]*health{},
		now:     time.Now,
	}
	for i := range sources {
		s := sources[i]
		o.sources = append(o.sources, &s)
		o.health[s.Name] = &health{}
		if limiter != nil {
			limiter.Register(s.Name, ratelimit.Budget{Calls: s.RateBudget, Window: s.Window})
		}
	}
	return o
}

// Candidates lists the sources for a unit in the order they are tried.
func (o *Orchestrator) Candidates(protocol string, class domain.MetricClass) []*Source {
	var out []*Source
	for _, s := range o.sources {
		if s.serves(protocol, class) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tier.Rank() < out[j].Tier.Rank() })
	return out
}

// Fetch resolves a unit and writes a fresh result to the cache.
func (o *Orchestrator) Fetch(ctx context.Context, protocol string, class domain.MetricClass) (Result, error) {
	r, err := o.Resolve(ctx, protocol, class)
	if err != nil {
		return r, err
	}
	o.Commit(r)
	return r, nil
}

// Commit writes a freshly fetched result to the cache. Cached and degraded
// results are left alone.
func (o *Orchestrator) Commit(r Result) {
	if r.Cached || r.Degraded || o.cache == nil {
		return
	}
	o.cache.Put(r.Snapshot.Protocol, r.Snapshot.Class, r.Snapshot)
}

// Resolve serves a fresh cached snapshot when there is one, otherwise tries
// every candidate in order and falls back to the stale cache. It does not
// write the cache so a cancelled caller leaves no trace.
func (o *Orchestrator) Resolve(ctx context.Context, protocol string, class domain.MetricClass) (Result, error) {
	ctx, span := tracer.Start(ctx, "provider.resolve", trace.WithAttributes(
		attribute.String("protocol", protocol),
		attribute.String("class", string(class)),
	))
	defer span.End()

	if o.cache != nil {
		if snap, ok := o.cache.Get(protocol, class); ok {
			span.SetAttributes(attribute.Bool("cached", true), attribute.String("source", snap.SourceName))
			return Result{
				Snapshot: snap,
				Tier:     snap.SourceTier,
				Cached:   true,
				Attempts: []Attempt{{Source: snap.SourceName, Outcome: OutcomeCached}},
			}, nil
		}
	}

	var res Result
	for _, s := range o.Candidates(protocol, class) {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if s.Disabled || o.isOpen(s.Name) {
			res.Attempts = append(res.Attempts, Attempt{Source: s.Name, Outcome: OutcomeDisabled})
			continue
		}
		if o.limiter != nil && !o.limiter.TryAcquire(s.Name) {
			res.Attempts = append(res.Attempts, Attempt{Source: s.Name, Outcome: OutcomeRateLimited})
			continue
		}

		start := o.now()
		payload, err := o.call(ctx, s, protocol, class)
		att := Attempt{Source: s.Name, Took: time.Since(start)}
		switch {
		case err == nil:
			att.Outcome = OutcomeOK
			o.record(s, nil)
			res.Attempts = append(res.Attempts, att)
			res.Tier = s.Tier
			res.Snapshot = domain.MetricSnapshot{
				Protocol:   protocol,
				Class:      class,
				Payload:    payload,
				FetchedAt:  o.now(),
				SourceTier: s.Tier,
				SourceName: s.Name,
			}
			span.SetAttributes(attribute.String("source", s.Name))
			return res, nil
		case errors.Is(err, producer.ErrUnsupported):
			att.Outcome = OutcomeUnsupported
		case ctx.Err() != nil:
			// The caller went away; this says nothing about the source.
			return res, ctx.Err()
		default:
			att.Outcome = OutcomeError
			att.Error = err.Error()
			o.record(s, err)
			o.log.Debug("provider call failed",
				logx.String("source", s.Name),
				logx.String("unit", domain.UnitKey(protocol, class)),
				logx.Err(err),
			)
		}
		res.Attempts = append(res.Attempts, att)
	}

	tried := make([]string, 0, len(res.Attempts))
	for _, a := range res.Attempts {
		tried = append(tried, a.String())
	}

	if o.cache != nil {
		if snap, ok := o.cache.GetStale(protocol, class); ok {
			res.Snapshot = snap
			res.Tier = snap.SourceTier
			res.Degraded = true
			o.log.Warn(domain.ErrSourceDegraded.Error(),
				logx.String("unit", domain.UnitKey(protocol, class)),
				logx.Time("fetched_at", snap.FetchedAt),
				logx.String("source", snap.SourceName),
				logx.Strings("attempts", tried),
			)
			span.SetAttributes(attribute.Bool("degraded", true))
			return res, nil
		}
	}

	err := &domain.SourceUnavailableError{Protocol: protocol, Class: class, Attempts: tried}
	span.SetStatus(codes.Error, err.Error())
	return res, err
}

func (o *Orchestrator) call(ctx context.Context, s *Source, protocol string, class domain.MetricClass) (json.RawMessage, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	if class == domain.ClassProposals {
		recs, err := s.Producer.FetchProposals(cctx, protocol)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(recs)
		if err != nil {
			return nil, fmt.Errorf("encode proposals: %w", err)
		}
		return b, nil
	}
	return s.Producer.FetchMetric(cctx, protocol, class)
}

func (o *Orchestrator) isOpen(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.health[name]
	return h != nil && h.open(o.now())
}

func (o *Orchestrator) record(s *Source, err error) {
	o.mu.Lock()
	h := o.health[s.Name]
	if h == nil {
		h = &health{}
		o.health[s.Name] = h
	}
	tripped := h.record(o.now(), o.hcfg, err)
	until, fails := h.disabledUntil, h.fails
	o.mu.Unlock()

	if tripped {
		o.log.Warn("provider disabled",
			logx.String("source", s.Name),
			logx.Int("consecutive_failures", fails),
			logx.Time("until", until),
		)
		eventbus.Emit(o.bus, eventbus.ProviderDisabled, map[string]any{
			"source": s.Name, "failures": fails, "until": until,
		})
	}
}

// Sources returns the runtime view of every configured source.
func (o *Orchestrator) Sources() []domain.DataSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	out := make([]domain.DataSource, 0, len(o.sources))
	for _, s := range o.sources {
		ds := domain.DataSource{
			Name:       s.Name,
			Tier:       s.Tier,
			RateBudget: s.RateBudget,
			Window:     s.Window,
			BaseURL:    redactURL(s.BaseURL),
			Disabled:   s.Disabled,
		}
		if h := o.health[s.Name]; h != nil {
			ds.LastSuccessAt = h.lastSuccessAt
			ds.ConsecutiveFailures = h.fails
			if h.open(now) {
				ds.Disabled = true
				ds.DisabledUntil = h.disabledUntil
			}
		}
		out = append(out, ds)
	}
	return out
}

func redactURL(u string) string {
	if i := strings.Index(u, "?"); i >= 0 {
		return u[:i]
	}
	return u
}
