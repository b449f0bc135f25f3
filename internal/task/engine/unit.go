package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"govwatch/internal/classify"
	"govwatch/internal/detect"
	"govwatch/internal/domain"
	"govwatch/internal/eventbus"
	"govwatch/internal/provider"
	logx "govwatch/pkg/logx"
)

// RunUnit refreshes one unit under its key lock. Cache, detector and protocol
// document are written only after every step succeeded and ctx is still live.
func (e *Engine) RunUnit(ctx context.Context, cycleID string, run *classify.Run, u Unit) domain.UnitStatus {
	if ctx.Err() != nil {
		return domain.UnitStatus{State: domain.UnitCancelled, Error: ctx.Err().Error()}
	}
	unlock := e.locks.Lock(u.Key())
	defer unlock()
	if ctx.Err() != nil {
		return domain.UnitStatus{State: domain.UnitCancelled, Error: ctx.Err().Error()}
	}

	ctx, span := tracer.Start(ctx, "engine.unit")
	span.SetAttributes(attribute.String("unit", u.Key()))
	defer span.End()
	log := e.log.With(logx.String("cycle", cycleID), logx.String("unit", u.Key()))

	res, err := e.fetch.Resolve(ctx, u.Protocol, u.Class)
	st := domain.UnitStatus{Attempts: res.AttemptStrings()}
	if err != nil {
		if ctx.Err() != nil {
			st.State = domain.UnitCancelled
			st.Error = ctx.Err().Error()
			return st
		}
		if errors.Is(err, domain.ErrSourceUnavailable) && unserved(res) {
			st.State = domain.UnitSkipped
			st.Error = "no provider serves this unit"
			return st
		}
		st.State = domain.UnitFailed
		st.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
		log.Warn("unit failed", logx.Err(err), logx.Strings("attempts", st.Attempts))
		return st
	}
	st.SourceName = res.Snapshot.SourceName
	st.SourceTier = res.Tier
	st.State = domain.UnitOK
	if res.Degraded {
		st.State = domain.UnitDegraded
	}

	var plan *detect.Plan
	if u.Class == domain.ClassProposals {
		plan, err = e.detectAndDispatch(ctx, cycleID, run, res)
		if err != nil {
			if ctx.Err() != nil {
				st.State = domain.UnitCancelled
				st.Error = ctx.Err().Error()
				return st
			}
			st.State = domain.UnitFailed
			st.Error = err.Error()
			log.Warn("unit failed", logx.Err(err))
			return st
		}
		st.Changes = len(plan.Events)
	}

	if ctx.Err() != nil {
		st.State = domain.UnitCancelled
		st.Error = ctx.Err().Error()
		st.Changes = 0
		return st
	}

	e.fetch.Commit(res)
	if plan != nil {
		plan.Commit()
		if e.store != nil {
			if err := e.store.SaveProtocolState(context.WithoutCancel(ctx), plan.Document()); err != nil {
				st.Error = fmt.Sprintf("persist protocol state: %v", err)
				log.Warn("protocol state not persisted", logx.Err(err))
			}
		}
	}
	log.Debug("unit finished",
		logx.String("status", string(st.State)),
		logx.String("source", st.SourceName),
		logx.Int("changes", st.Changes),
	)
	return st
}

func (e *Engine) detectAndDispatch(ctx context.Context, cycleID string, run *classify.Run, res provider.Result) (*detect.Plan, error) {
	recs, err := res.Snapshot.Proposals()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.ProposalRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}

	protocol := res.Snapshot.Protocol
	plan := e.detector.Plan(protocol, recs)
	for _, ev := range plan.Events {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		prop := byID[ev.ProposalID]
		a := domain.PlaceholderAssessment(ev, e.now())
		if e.classify != nil {
			a = e.classify.Classify(ctx, run, classify.Request{Event: ev, Proposal: prop, ProtocolName: e.displayName(protocol)})
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := e.dispatch(ctx, cycleID, ev, a, prop); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// dispatch hands one change to the notifier. An error means at least one
// channel did not get a job; the unit must then fail so the detector keeps
// the change for the next cycle. Channels that did get a job dedup the retry.
func (e *Engine) dispatch(ctx context.Context, cycleID string, ev domain.ChangeEvent, a domain.ImpactAssessment, prop domain.ProposalRecord) error {
	jobs := 0
	if e.notify != nil {
		out, err := e.notify.DispatchProposal(ctx, ev, a, prop)
		if err != nil {
			e.log.Warn("change not dispatched",
				logx.String("cycle", cycleID),
				logx.String("event", ev.Key()),
				logx.Err(err),
			)
			return fmt.Errorf("dispatch %s: %w", ev.Key(), err)
		}
		jobs = len(out)
	}
	e.log.Info("change detected",
		logx.String("cycle", cycleID),
		logx.String("protocol", ev.Protocol),
		logx.String("proposal", ev.ProposalID),
		logx.String("kind", string(ev.Kind)),
		logx.String("severity", string(a.Severity)),
		logx.Int("jobs", jobs),
	)
	eventbus.Emit(e.bus, eventbus.ChangeDetected, ChangeEvent{CycleID: cycleID, Event: ev, Assessment: a, Jobs: jobs})
	return nil
}

func (e *Engine) displayName(protocol string) string {
	if n := e.cfg.Names[protocol]; n != "" {
		return n
	}
	return protocol
}

// unserved reports whether no candidate exists or every candidate declined the unit.
func unserved(res provider.Result) bool {
	for _, a := range res.Attempts {
		if a.Outcome != provider.OutcomeUnsupported {
			return false
		}
	}
	return true
}
