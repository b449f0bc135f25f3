package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"govwatch/internal/domain"
	"govwatch/internal/eventbus"
	"govwatch/internal/notifier/channel"
	rtsup "govwatch/internal/runtime/supervisor"
	"govwatch/internal/storage"
	logx "govwatch/pkg/logx"
)

const (
	dayLayout         = "2006-01-02"
	persistDeadline   = 5 * time.Second
	evictInterval     = time.Minute
	drainPollInterval = 25 * time.Millisecond
)

var errNotAccepted = errors.New("channel did not accept the message")

// Dispatcher fans classified changes out to channels. It is safe for
// concurrent use.
type Dispatcher struct {
	cfg      Config
	routes   []Route
	byName   map[string]*Route
	limiters map[string]*rate.Limiter

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	sink  DeadLetterSink

	mu        sync.Mutex
	accepting bool
	queue     chan string
	sup       *rtsup.Supervisor
	jobs      map[string]*domain.NotificationJob
	active    map[string]string
	inflight  int

	now func() time.Time
}

// New builds a dispatcher. store and sink may be nil.
func New(cfg Config, routes []Route, log logx.Logger, bus eventbus.Bus, store storage.Store, sink DeadLetterSink) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		byName:   map[string]*Route{},
		limiters: map[string]*rate.Limiter{},
		log:      log.With(logx.String("comp", "notifier")),
		bus:      bus,
		store:    store,
		sink:     sink,
		jobs:     map[string]*domain.NotificationJob{},
		active:   map[string]string{},
		now:      time.Now,
	}
	for _, r := range routes {
		if r.Channel == nil {
			continue
		}
		d.routes = append(d.routes, r)
	}
	for i := range d.routes {
		r := &d.routes[i]
		d.byName[r.Channel.Name()] = r
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		d.limiters[r.Channel.Name()] = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return d
}

func (d *Dispatcher) Enabled() bool { return d.cfg.Enabled }

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		out = append(out, r.Channel.Name())
	}
	return out
}

// Start launches the worker pool. It is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.sup != nil || !d.cfg.Enabled {
		d.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(d.log),
		// delivery failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	d.sup = sup
	d.queue = make(chan string, d.cfg.QueueSize)
	d.accepting = true
	q := d.queue
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			d.workerLoop(c, sup, q)
			return c.Err()
		}, rtsup.WithPublishFirstError(true))
	}
	sup.GoRestart("history.evict", func(c context.Context) error {
		t := time.NewTicker(evictInterval)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case <-t.C:
				d.mu.Lock()
				d.evictLocked(d.now())
				d.mu.Unlock()
			}
		}
	})
}

// Stop refuses new jobs, waits for queued and retrying jobs to settle until
// ctx ends, then stops the workers. Jobs still live at that point are
// dead-lettered so they stay visible and persisted.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	sup := d.sup
	d.accepting = false
	d.mu.Unlock()
	if sup == nil {
		return
	}

	t := time.NewTicker(drainPollInterval)
	defer t.Stop()
wait:
	for d.Pending() > 0 {
		select {
		case <-ctx.Done():
			d.log.Warn("notifier stopped with undelivered jobs", logx.Int("pending", d.Pending()))
			break wait
		case <-t.C:
		}
	}

	sup.Cancel()
	_ = sup.Wait(context.WithoutCancel(ctx))
	d.mu.Lock()
	d.sup = nil
	d.queue = nil
	var live []string
	for id, j := range d.jobs {
		if !j.Status.Terminal() {
			live = append(live, id)
		}
	}
	d.mu.Unlock()

	sort.Strings(live)
	for _, id := range live {
		d.deadLetter(ctx, id, ErrStopped)
	}
}

// DrainTimeout is how long Stop needs to see a freshly queued job through
// every retry.
func (d *Dispatcher) DrainTimeout() time.Duration {
	total := d.cfg.SendTimeout
	for attempt := 1; attempt < d.cfg.MaxAttempts; attempt++ {
		total += d.cfg.backoff(attempt) + d.cfg.SendTimeout
	}
	return total
}

// Pending counts jobs that are neither sent nor dead-lettered.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

// Dispatch renders and enqueues one job per admitted channel.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.ChangeEvent, a domain.ImpactAssessment) ([]domain.NotificationJob, error) {
	return d.DispatchProposal(ctx, ev, a, domain.ProposalRecord{})
}

// DispatchProposal is Dispatch with the proposal record available for rendering.
func (d *Dispatcher) DispatchProposal(ctx context.Context, ev domain.ChangeEvent, a domain.ImpactAssessment, prop domain.ProposalRecord) ([]domain.NotificationJob, error) {
	now := d.now()
	day := now.In(d.cfg.Location).Format(dayLayout)
	key := ev.DedupKey(day)
	rec := domain.ChangeRecord{At: now, Event: ev, Assessment: a}
	defer func() { d.recordChange(ctx, rec) }()

	if !d.cfg.Enabled {
		rec.Skipped = append(rec.Skipped, "notifier:disabled")
		return nil, nil
	}

	var (
		payload  domain.Payload
		rendered bool
		out      []domain.NotificationJob
		errs     []error
	)
	for i := range d.routes {
		r := &d.routes[i]
		name := r.Channel.Name()
		if !a.Severity.AtLeast(r.MinSeverity) {
			rec.Skipped = append(rec.Skipped, name+":severity")
			continue
		}
		if d.persistedDuplicate(ctx, key, name, now) {
			rec.Skipped = append(rec.Skipped, name+":duplicate")
			d.emit(eventbus.NotifyDeduped, NotificationEvent{Channel: name, DedupKey: key, Protocol: ev.Protocol, ProposalID: ev.ProposalID, At: now})
			continue
		}
		if !rendered {
			payload = Render(ev, a, prop, d.cfg.Protocols[ev.Protocol], d.cfg.Location, now)
			rendered = true
		}
		job := &domain.NotificationJob{
			ID:         uuid.NewString(),
			Channel:    name,
			Recipients: append([]string(nil), r.Recipients...),
			Payload:    payload,
			DedupKey:   key,
			Day:        day,
			Status:     domain.JobPending,
			Severity:   a.Severity,
			Protocol:   ev.Protocol,
			ProposalID: ev.ProposalID,
			Kind:       ev.Kind,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		snap := *job
		switch err := d.enqueue(ctx, job); {
		case errors.Is(err, errDuplicate):
			rec.Skipped = append(rec.Skipped, name+":duplicate")
			d.emit(eventbus.NotifyDeduped, NotificationEvent{Channel: name, DedupKey: key, Protocol: ev.Protocol, ProposalID: ev.ProposalID, At: now})
		case err != nil:
			rec.Skipped = append(rec.Skipped, name+":"+err.Error())
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		default:
			rec.Channels = append(rec.Channels, name)
			out = append(out, snap)
			d.emit(eventbus.NotifyQueued, NotificationEvent{JobID: job.ID, Channel: name, DedupKey: key, Protocol: ev.Protocol, ProposalID: ev.ProposalID, At: now})
		}
	}
	return out, errors.Join(errs...)
}

var errDuplicate = errors.New("duplicate")

func dedupSlot(key, channel string) string { return key + "|" + channel }

func (d *Dispatcher) persistedDuplicate(ctx context.Context, key, channel string, now time.Time) bool {
	if d.store == nil {
		return false
	}
	until, ok, err := d.store.GetDedup(ctx, dedupSlot(key, channel))
	if err != nil {
		d.log.Warn("dedup lookup failed", logx.String("channel", channel), logx.Err(err))
		return false
	}
	return ok && now.Before(until)
}

// enqueue claims the (key, channel) slot and queues the job. A full queue
// blocks until a worker frees room or ctx ends. A claimed job that cannot be
// queued is dead-lettered and the error is returned.
func (d *Dispatcher) enqueue(ctx context.Context, job *domain.NotificationJob) error {
	slot := dedupSlot(job.DedupKey, job.Channel)

	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	if id, ok := d.active[slot]; ok {
		if cur := d.jobs[id]; cur != nil && cur.Status != domain.JobDeadLettered {
			d.mu.Unlock()
			return errDuplicate
		}
	}
	d.jobs[job.ID] = job
	d.active[slot] = job.ID
	d.inflight++
	if len(d.jobs) > d.cfg.HistoryMax {
		d.evictLocked(job.CreatedAt)
	}
	q, stopping := d.queue, d.sup.Context().Done()
	d.mu.Unlock()

	select {
	case q <- job.ID:
		return nil
	default:
	}
	d.log.Debug("notifier queue full, waiting", logx.String("job", job.ID), logx.String("channel", job.Channel))
	select {
	case q <- job.ID:
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
		d.deadLetter(ctx, job.ID, err)
		return err
	case <-stopping:
		d.deadLetter(ctx, job.ID, ErrStopped)
		return ErrStopped
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, sup *rtsup.Supervisor, q chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q:
			d.deliver(ctx, sup, q, id)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sup *rtsup.Supervisor, q chan string, id string) {
	d.mu.Lock()
	j := d.jobs[id]
	if j == nil || j.Status.Terminal() {
		d.mu.Unlock()
		return
	}
	route := d.byName[j.Channel]
	recipients, payload := undelivered(j), j.Payload
	d.mu.Unlock()
	if route == nil {
		d.deadLetter(ctx, id, fmt.Errorf("channel %q not configured", j.Channel))
		return
	}

	if err := d.limiters[j.Channel].Wait(ctx); err != nil {
		// Shutting down; the job stays pending.
		return
	}

	d.mu.Lock()
	j.Attempts++
	attempt := j.Attempts
	d.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	ok, err := route.Channel.Send(sctx, recipients, payload)
	cancel()
	if err == nil && !ok {
		err = errNotAccepted
	}
	if err == nil {
		d.markSent(ctx, id)
		return
	}
	var partial *channel.PartialError
	if errors.As(err, &partial) {
		d.mu.Lock()
		j.Delivered = append(j.Delivered, partial.Delivered...)
		d.mu.Unlock()
	}
	if ctx.Err() != nil {
		return
	}

	if attempt >= d.cfg.MaxAttempts {
		d.deadLetter(ctx, id, err)
		return
	}

	delay := d.cfg.backoff(attempt)
	now := d.now()
	d.mu.Lock()
	j.Status = domain.JobFailed
	j.LastError = err.Error()
	j.UpdatedAt = now
	d.mu.Unlock()

	d.log.Debug("notify send failed",
		logx.String("job", id),
		logx.String("channel", j.Channel),
		logx.Int("attempt", attempt),
		logx.Int("max", d.cfg.MaxAttempts),
		logx.Duration("retry_in", delay),
		logx.Err(err),
	)
	d.emit(eventbus.NotifyRetry, NotificationEvent{JobID: id, Channel: j.Channel, DedupKey: j.DedupKey, Protocol: j.Protocol, ProposalID: j.ProposalID, Attempt: attempt, At: now, Error: err.Error()})

	sup.After("retry."+id, delay, func(c context.Context) {
		select {
		case q <- id:
		case <-c.Done():
		}
	})
}

func (d *Dispatcher) markSent(ctx context.Context, id string) {
	now := d.now()
	d.mu.Lock()
	j := d.jobs[id]
	j.Status = domain.JobSent
	j.Delivered = append([]string(nil), j.Recipients...)
	j.LastError = ""
	j.UpdatedAt = now
	d.inflight--
	snap := *j
	d.mu.Unlock()

	if d.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistDeadline)
		if err := d.store.PutDedup(pctx, dedupSlot(snap.DedupKey, snap.Channel), nextMidnight(now, d.cfg.Location)); err != nil {
			d.log.Warn("dedup persist failed", logx.String("job", id), logx.Err(err))
		}
		cancel()
	}
	d.log.Info("notification sent",
		logx.String("job", id),
		logx.String("channel", snap.Channel),
		logx.String("protocol", snap.Protocol),
		logx.String("proposal", snap.ProposalID),
		logx.Int("attempts", snap.Attempts),
	)
	d.emit(eventbus.NotifySent, NotificationEvent{JobID: id, Channel: snap.Channel, DedupKey: snap.DedupKey, Protocol: snap.Protocol, ProposalID: snap.ProposalID, Attempt: snap.Attempts, At: now})
}

func (d *Dispatcher) deadLetter(ctx context.Context, id string, cause error) {
	now := d.now()
	d.mu.Lock()
	j := d.jobs[id]
	if j == nil || j.Status.Terminal() {
		d.mu.Unlock()
		return
	}
	j.Status = domain.JobDeadLettered
	j.LastError = cause.Error()
	j.UpdatedAt = now
	d.inflight--
	// Free the slot so the change can be dispatched again later today.
	slot := dedupSlot(j.DedupKey, j.Channel)
	if d.active[slot] == id {
		delete(d.active, slot)
	}
	snap := *j
	snap.Delivered = append([]string(nil), j.Delivered...)
	d.mu.Unlock()

	derr := &domain.DeliveryError{Channel: snap.Channel, JobID: id, Err: cause}
	d.log.Error("notification dead-lettered",
		logx.String("job", id),
		logx.String("channel", snap.Channel),
		logx.String("protocol", snap.Protocol),
		logx.String("proposal", snap.ProposalID),
		logx.Int("attempts", snap.Attempts),
		logx.Err(derr),
	)
	d.emit(eventbus.NotifyDeadLettered, NotificationEvent{JobID: id, Channel: snap.Channel, DedupKey: snap.DedupKey, Protocol: snap.Protocol, ProposalID: snap.ProposalID, Attempt: snap.Attempts, At: now, Error: cause.Error()})

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistDeadline)
	defer cancel()
	if d.store != nil {
		if err := d.store.PutDeadLetter(pctx, snap); err != nil {
			d.log.Warn("dead letter persist failed", logx.String("job", id), logx.Err(err))
		}
	}
	if d.sink != nil {
		if err := d.sink.DeadLetter(pctx, snap); err != nil {
			d.log.Warn("dead letter sink failed", logx.String("job", id), logx.Err(err))
		}
	}
}

func (d *Dispatcher) recordChange(ctx context.Context, rec domain.ChangeRecord) {
	if d.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistDeadline)
	defer cancel()
	if err := d.store.AppendChange(pctx, rec); err != nil {
		d.log.Warn("change record persist failed", logx.String("event", rec.Event.Key()), logx.Err(err))
	}
}

// Jobs returns the retained jobs, newest first. An empty status returns all.
func (d *Dispatcher) Jobs(status domain.JobStatus) []domain.NotificationJob {
	d.mu.Lock()
	out := make([]domain.NotificationJob, 0, len(d.jobs))
	for _, j := range d.jobs {
		if status != "" && j.Status != status {
			continue
		}
		cp := *j
		cp.Recipients = append([]string(nil), j.Recipients...)
		cp.Delivered = append([]string(nil), j.Delivered...)
		out = append(out, cp)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

func (d *Dispatcher) Job(id string) (domain.NotificationJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return domain.NotificationJob{}, false
	}
	cp := *j
	cp.Delivered = append([]string(nil), j.Delivered...)
	return cp, true
}

// undelivered returns the recipients of j not reached yet. Callers hold d.mu.
func undelivered(j *domain.NotificationJob) []string {
	if len(j.Delivered) == 0 {
		return j.Recipients
	}
	done := make(map[string]bool, len(j.Delivered))
	for _, r := range j.Delivered {
		done[r] = true
	}
	out := make([]string, 0, len(j.Recipients))
	for _, r := range j.Recipients {
		if !done[r] {
			out = append(out, r)
		}
	}
	return out
}

// evictLocked drops terminal jobs older than the window, then the oldest
// terminal jobs until the cap holds. Live jobs are never evicted.
func (d *Dispatcher) evictLocked(now time.Time) {
	cutoff := now.Add(-d.cfg.HistoryWindow)
	var terminal []*domain.NotificationJob
	for id, j := range d.jobs {
		if !j.Status.Terminal() {
			continue
		}
		if j.UpdatedAt.Before(cutoff) {
			d.dropLocked(id, j)
			continue
		}
		terminal = append(terminal, j)
	}
	over := len(d.jobs) - d.cfg.HistoryMax
	if over <= 0 {
		return
	}
	sort.Slice(terminal, func(i, k int) bool { return terminal[i].CreatedAt.Before(terminal[k].CreatedAt) })
	for i := 0; i < over && i < len(terminal); i++ {
		d.dropLocked(terminal[i].ID, terminal[i])
	}
}

func (d *Dispatcher) dropLocked(id string, j *domain.NotificationJob) {
	delete(d.jobs, id)
	slot := dedupSlot(j.DedupKey, j.Channel)
	if d.active[slot] == id {
		delete(d.active, slot)
	}
}

func (d *Dispatcher) emit(typ string, ev NotificationEvent) {
	eventbus.Emit(d.bus, typ, ev)
}

func nextMidnight(now time.Time, loc *time.Location) time.Time {
	y, m, day := now.In(loc).Date()
	return time.Date(y, m, day+1, 0, 0, 0, 0, loc)
}
