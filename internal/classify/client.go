package classify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"govwatch/internal/domain"
	logx "govwatch/pkg/logx"
)

var tracer = otel.Tracer("govwatch/classify")

var errBudgetExhausted = errors.New("classification budget exhausted")

type Config struct {
	// Timeout bounds one analysis. Default 15s.
	Timeout time.Duration
	// DeferredMax bounds the queue of over-budget events. Default 256.
	DeferredMax int
}

// Run is the classification budget of one cycle.
type Run struct {
	mu        sync.Mutex
	remaining int
	unlimited bool
}

// NewRun returns a budget of n analyzer calls. n <= 0 means unlimited.
func NewRun(n int) *Run {
	return &Run{remaining: n, unlimited: n <= 0}
}

func (r *Run) take() bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unlimited {
		return true
	}
	if r.remaining <= 0 {
		return false
	}
	r.remaining--
	return true
}

// Remaining reports the calls left; -1 when unlimited.
func (r *Run) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unlimited {
		return -1
	}
	return r.remaining
}

// Deferred is an event that was classified with the placeholder because the
// budget ran out. It is handed to a later cycle.
type Deferred struct {
	Event        domain.ChangeEvent
	Proposal     domain.ProposalRecord
	ProtocolName string
}

func (d Deferred) Request() Request {
	return Request{Event: d.Event, Proposal: d.Proposal, ProtocolName: d.ProtocolName}
}

type Client struct {
	analyzer Analyzer
	cfg      Config
	log      logx.Logger

	mu       sync.Mutex
	deferred []Deferred
	queued   map[string]struct{}

	now func() time.Time
}

func New(cfg Config, analyzer Analyzer, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.DeferredMax <= 0 {
		cfg.DeferredMax = 256
	}
	if analyzer == nil {
		analyzer = NewKeyword()
	}
	return &Client{
		analyzer: analyzer,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "classify")),
		queued:   map[string]struct{}{},
		now:      time.Now,
	}
}

func (c *Client) Analyzer() string { return c.analyzer.Name() }

// Classify never fails: any analyzer problem yields the Low placeholder.
func (c *Client) Classify(ctx context.Context, run *Run, req Request) domain.ImpactAssessment {
	ev := req.Event
	if !run.take() {
		c.deferEvent(req)
		c.log.Debug("classification deferred",
			logx.String("event", ev.Key()),
			logx.Int("deferred", c.Pending()),
		)
		return domain.PlaceholderAssessment(ev, c.now())
	}

	ctx, span := tracer.Start(ctx, "classify", trace.WithAttributes(
		attribute.String("event", ev.Key()),
		attribute.String("analyzer", c.analyzer.Name()),
	))
	defer span.End()

	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	v, err := c.analyzer.Analyze(actx, req)
	if err == nil {
		var a domain.ImpactAssessment
		if a, err = v.Assessment(ev, c.now()); err == nil {
			c.log.Debug("classified",
				logx.String("event", ev.Key()),
				logx.String("severity", string(a.Severity)),
				logx.Bool("breaking", a.BreakingChange),
				logx.Duration("took", time.Since(start)),
			)
			return a
		}
	}

	span.SetAttributes(attribute.Bool("placeholder", true))
	c.log.Warn(domain.ErrClassificationUnavailable.Error(),
		logx.String("event", ev.Key()),
		logx.String("analyzer", c.analyzer.Name()),
		logx.Duration("took", time.Since(start)),
		logx.Err(err),
	)
	return domain.PlaceholderAssessment(ev, c.now())
}

func (c *Client) deferEvent(req Request) {
	key := req.Event.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queued[key]; ok {
		return
	}
	if len(c.deferred) >= c.cfg.DeferredMax {
		c.log.Warn("deferred queue full, dropping event",
			logx.String("event", key),
			logx.Err(errBudgetExhausted),
		)
		return
	}
	c.queued[key] = struct{}{}
	c.deferred = append(c.deferred, Deferred{Event: req.Event, Proposal: req.Proposal, ProtocolName: req.ProtocolName})
}

// DrainDeferred removes and returns up to n queued events, oldest first.
// n <= 0 drains everything.
func (c *Client) DrainDeferred(n int) []Deferred {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.deferred) {
		n = len(c.deferred)
	}
	out := make([]Deferred, n)
	copy(out, c.deferred[:n])
	c.deferred = append(c.deferred[:0], c.deferred[n:]...)
	for _, d := range out {
		delete(c.queued, d.Event.Key())
	}
	return out
}

func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deferred)
}
