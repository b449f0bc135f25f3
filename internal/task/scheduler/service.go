package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"

	"govwatch/internal/domain"
	rtsup "govwatch/internal/runtime/supervisor"
	logx "govwatch/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	runner Runner
	node   *snowflake.Node

	c       *cron.Cron
	entries []entry
	sup     *rtsup.Supervisor
	stopped bool

	active    map[string]*CycleInfo
	history   []domain.CycleRecord
	triggered uint64
	completed uint64

	now func() time.Time
}

func New(cfg Config, runner Runner, log logx.Logger) (*Service, error) {
	if runner == nil {
		return nil, fmt.Errorf("scheduler: runner required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: cycle id node: %w", err)
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		runner: runner,
		node:   node,
		active: map[string]*CycleInfo{},
		now:    time.Now,
	}, nil
}

// Start registers the daily and interval entries and starts cron. Cycles run on
// a supervisor derived from ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if s.stopped {
		return ErrStopped
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.cfg.Location))
	s.entries = nil

	if s.cfg.Enabled {
		if err := s.registerLocked(); err != nil {
			s.c = nil
			s.sup.Cancel()
			return err
		}
	}
	s.c.Start()
	s.log.Info("service started",
		logx.String("tz", s.cfg.Location.String()),
		logx.Bool("enabled", s.cfg.Enabled),
		logx.Int("schedules", len(s.entries)),
	)
	for _, e := range s.entries {
		if next := s.c.Entry(e.id).Next; !next.IsZero() {
			s.log.Debug("schedule registered", logx.String("name", e.name), logx.String("spec", e.spec), logx.Time("next", next))
		}
	}

	if s.cfg.Enabled && s.cfg.RunOnStart {
		s.launchLocked(TriggerStartup)
	}
	return nil
}

func (s *Service) registerLocked() error {
	if at := strings.TrimSpace(s.cfg.DailyAt); at != "" {
		spec, err := DailySpec(at)
		if err != nil {
			return fmt.Errorf("scheduler: daily_at: %w", err)
		}
		id, err := s.c.AddFunc(spec, func() { s.fire(TriggerDaily) })
		if err != nil {
			return fmt.Errorf("scheduler: daily_at: %w", err)
		}
		s.entries = append(s.entries, entry{name: TriggerDaily, spec: spec, id: id})
	}
	if iv := strings.TrimSpace(s.cfg.Interval); iv != "" {
		ps, err := ParseSchedule(iv)
		if err != nil {
			return fmt.Errorf("scheduler: interval: %w", err)
		}
		job := cron.FuncJob(func() { s.fire(TriggerInterval) })
		e := entry{name: TriggerInterval, spec: ps.Spec()}
		if ps.Kind == SpecInterval {
			var sched cron.Schedule
			sched, e.spread = intervalWithSpread(ps.Every, s.now().In(s.cfg.Location))
			e.id = s.c.Schedule(sched, job)
		} else {
			id, err := s.c.AddJob(ps.Cron, job)
			if err != nil {
				return fmt.Errorf("scheduler: interval: %w", err)
			}
			e.id = id
		}
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *Service) fire(trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.sup == nil {
		return
	}
	s.launchLocked(trigger)
}

// Trigger starts a cycle in the background and returns its id. reason is
// recorded as "manual:<reason>" unless it already names a trigger kind.
func (s *Service) Trigger(_ context.Context, reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrStopped
	}
	if s.sup == nil {
		return "", ErrNotStarted
	}
	return s.launchLocked(triggerName(reason)), nil
}

// RunNow runs one cycle synchronously on ctx. It does not need Start but
// fails with ErrStopped once Stop was called.
func (s *Service) RunNow(ctx context.Context, reason string) (domain.CycleRecord, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return domain.CycleRecord{}, ErrStopped
	}
	id := s.node.Generate().String()
	s.triggered++
	s.mu.Unlock()
	return s.run(ctx, id, triggerName(reason)), nil
}

func triggerName(reason string) string {
	reason = strings.TrimSpace(reason)
	switch {
	case reason == "":
		return TriggerManual
	case reason == TriggerManual || strings.HasPrefix(reason, TriggerManual+":"):
		return reason
	default:
		return TriggerManual + ":" + reason
	}
}

func (s *Service) launchLocked(trigger string) string {
	id := s.node.Generate().String()
	s.triggered++
	s.sup.Go0("cycle."+id, func(ctx context.Context) {
		s.run(ctx, id, trigger)
	})
	return id
}

func (s *Service) run(parent context.Context, id, trigger string) domain.CycleRecord {
	started := s.now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.CycleDeadline)
	defer cancel()

	info := &CycleInfo{ID: id, Trigger: trigger, StartedAt: started, Deadline: started.Add(s.cfg.CycleDeadline), State: StateRunning}
	s.mu.Lock()
	s.active[id] = info
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		if a, ok := s.active[id]; ok {
			a.State = StateCancelling
		}
		s.mu.Unlock()
	})
	defer stop()

	s.log.Info("cycle triggered", logx.String("cycle", id), logx.String("trigger", trigger))
	rec := s.runner.RunCycle(ctx, id, trigger)

	s.mu.Lock()
	delete(s.active, id)
	s.completed++
	s.history = append(s.history, rec)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append([]domain.CycleRecord(nil), s.history[over:]...)
	}
	s.mu.Unlock()

	counts := rec.Counts()
	s.log.Info("cycle finished",
		logx.String("cycle", id),
		logx.String("trigger", trigger),
		logx.String("state", rec.State),
		logx.Int("ok", counts[domain.UnitOK]),
		logx.Int("degraded", counts[domain.UnitDegraded]),
		logx.Int("failed", counts[domain.UnitFailed]),
		logx.Int("cancelled", counts[domain.UnitCancelled]),
		logx.Duration("took", s.now().Sub(started)),
	)
	return rec
}

// Stop halts triggers and cancels in-flight cycles, waiting for them up to ctx.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	c, sup := s.c, s.sup
	for _, a := range s.active {
		a.State = StateCancelling
	}
	s.mu.Unlock()
	s.log.Info("stop requested")

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	return err
}

// State is Idle with no active cycle, Cancelling when any active cycle is being
// cancelled, and Running otherwise.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Service) stateLocked() State {
	if len(s.active) == 0 {
		return StateIdle
	}
	for _, a := range s.active {
		if a.State == StateCancelling {
			return StateCancelling
		}
	}
	return StateRunning
}

// ActiveCycles returns in-flight cycles, oldest first.
func (s *Service) ActiveCycles() []CycleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

func (s *Service) activeLocked() []CycleInfo {
	out := make([]CycleInfo, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// History returns finished cycles seen by this process, newest first.
func (s *Service) History() []domain.CycleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CycleRecord, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		out = append(out, s.history[i])
	}
	return out
}
