// Package engine runs refresh cycles: every configured unit is fetched,
// proposal units are diffed, classified and dispatched, and state is committed
// only for units that finish before the cycle context ends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"govwatch/internal/classify"
	"govwatch/internal/detect"
	"govwatch/internal/domain"
	"govwatch/internal/eventbus"
	"govwatch/internal/storage"
	"govwatch/pkg/keylock"
	logx "govwatch/pkg/logx"
)

var tracer = otel.Tracer("govwatch/engine")

type Engine struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	fetch    Fetcher
	detector *detect.Detector
	classify Classifier
	notify   Notifier
	store    storage.Store

	locks keylock.Map

	now func() time.Time
}

func New(cfg Config, fetch Fetcher, detector *detect.Detector, cls Classifier, notify Notifier, store storage.Store, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if detector == nil {
		detector = detect.New()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "engine")),
		bus:      bus,
		fetch:    fetch,
		detector: detector,
		classify: cls,
		notify:   notify,
		store:    store,
		now:      time.Now,
	}
}

func (e *Engine) Units() []Unit { return append([]Unit(nil), e.cfg.Units...) }

// Restore loads the persisted last-known proposal sets into the detector.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	docs, err := e.store.ListProtocolStates(ctx)
	if err != nil {
		return fmt.Errorf("restore protocol state: %w", err)
	}
	for _, doc := range docs {
		e.detector.Restore(doc)
	}
	e.log.Info("protocol state restored", logx.Int("protocols", len(docs)))
	return nil
}

// RunCycle runs every unit with at most Concurrency in flight. One unit failing
// never stops the others. The record is persisted even when ctx has ended.
func (e *Engine) RunCycle(ctx context.Context, cycleID, trigger string) domain.CycleRecord {
	ctx, span := tracer.Start(ctx, "engine.cycle")
	span.SetAttributes(attribute.String("cycle", cycleID), attribute.String("trigger", trigger))
	defer span.End()

	started := e.now()
	rec := domain.CycleRecord{
		CycleID:       cycleID,
		Trigger:       trigger,
		StartedAt:     started,
		State:         CycleRunning,
		PerUnitStatus: make(map[string]domain.UnitStatus, len(e.cfg.Units)),
	}
	eventbus.Emit(e.bus, eventbus.CycleStarted, CycleEvent{CycleID: cycleID, Trigger: trigger, Units: len(e.cfg.Units)})

	run := classify.NewRun(e.cfg.ClassifyBudget)
	e.redeliverDeferred(ctx, cycleID, run)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.cfg.Concurrency)
	for _, u := range e.cfg.Units {
		g.Go(func() error {
			st := e.runUnitSafe(ctx, cycleID, run, u)
			mu.Lock()
			rec.PerUnitStatus[u.Key()] = st
			mu.Unlock()
			eventbus.Emit(e.bus, eventbus.UnitFinished, UnitEvent{CycleID: cycleID, Unit: u.Key(), Status: st})
			return nil
		})
	}
	_ = g.Wait()

	rec.FinishedAt = e.now()
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		rec.State = CycleDeadline
	case ctx.Err() != nil:
		rec.State = CycleCancelled
	default:
		rec.State = CycleCompleted
	}
	span.SetAttributes(attribute.String("state", rec.State))

	if e.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
		if err := e.store.AppendCycle(pctx, rec); err != nil {
			e.log.Warn("cycle record not persisted", logx.String("cycle", cycleID), logx.Err(err))
		}
		cancel()
	}
	eventbus.Emit(e.bus, eventbus.CycleFinished, CycleEvent{
		CycleID: cycleID,
		Trigger: trigger,
		Units:   len(e.cfg.Units),
		State:   rec.State,
		Counts:  rec.Counts(),
		Took:    rec.FinishedAt.Sub(started),
	})
	return rec
}

// redeliverDeferred reclassifies events that a previous cycle could not afford
// and dispatches them with the fresh verdict.
func (e *Engine) redeliverDeferred(ctx context.Context, cycleID string, run *classify.Run) {
	if e.classify == nil {
		return
	}
	items := e.classify.DrainDeferred(0)
	if len(items) == 0 {
		return
	}
	e.log.Debug("reclassifying deferred events", logx.String("cycle", cycleID), logx.Int("events", len(items)))
	for _, d := range items {
		if ctx.Err() != nil {
			return
		}
		a := e.classify.Classify(ctx, run, d.Request())
		if a.Placeholder {
			continue
		}
		e.dispatch(ctx, cycleID, d.Event, a, d.Proposal)
	}
}

func (e *Engine) runUnitSafe(ctx context.Context, cycleID string, run *classify.Run, u Unit) (st domain.UnitStatus) {
	start := e.now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("unit panic",
				logx.String("cycle", cycleID),
				logx.String("unit", u.Key()),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			st = domain.UnitStatus{State: domain.UnitFailed, Error: fmt.Sprintf("panic: %v", r), Took: e.now().Sub(start)}
		}
	}()
	st = e.RunUnit(ctx, cycleID, run, u)
	st.Took = e.now().Sub(start)
	return st
}
