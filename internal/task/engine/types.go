package engine

import (
	"context"
	"time"

	"govwatch/internal/classify"
	"govwatch/internal/domain"
	"govwatch/internal/provider"
)

// Cycle end states recorded on domain.CycleRecord.
const (
	CycleRunning   = "running"
	CycleCompleted = "completed"
	CycleCancelled = "cancelled"
	CycleDeadline  = "deadline_exceeded"
)

// Unit is one (protocol, class) pair refreshed per cycle.
type Unit struct {
	Protocol string
	Class    domain.MetricClass
}

func (u Unit) Key() string { return domain.UnitKey(u.Protocol, u.Class) }

// Config controls cycle execution.
//
// The global cycle deadline is applied by the caller's context.
type Config struct {
	// Concurrency caps units in flight per cycle. Default 8.
	Concurrency int
	Units       []Unit
	// ClassifyBudget caps analyzer calls per cycle. 0 means unlimited.
	ClassifyBudget int
	// Names maps protocol ids to display names used in analyzer prompts.
	Names map[string]string
	// PersistTimeout bounds writing the cycle record after the cycle context ended. Default 5s.
	PersistTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	return c
}

// Fetcher resolves units. Resolve never writes the cache; Commit does.
type Fetcher interface {
	Resolve(ctx context.Context, protocol string, class domain.MetricClass) (provider.Result, error)
	Commit(r provider.Result)
}

type Classifier interface {
	Classify(ctx context.Context, run *classify.Run, req classify.Request) domain.ImpactAssessment
	DrainDeferred(n int) []classify.Deferred
}

type Notifier interface {
	DispatchProposal(ctx context.Context, ev domain.ChangeEvent, a domain.ImpactAssessment, prop domain.ProposalRecord) ([]domain.NotificationJob, error)
}

// CycleEvent is the payload of cycle.started and cycle.finished.
type CycleEvent struct {
	CycleID string                   `json:"cycleId"`
	Trigger string                   `json:"trigger"`
	Units   int                      `json:"units"`
	State   string                   `json:"state,omitempty"`
	Counts  map[domain.UnitState]int `json:"counts,omitempty"`
	Took    time.Duration            `json:"took,omitempty"`
}

// UnitEvent is the payload of unit.finished.
type UnitEvent struct {
	CycleID string            `json:"cycleId"`
	Unit    string            `json:"unit"`
	Status  domain.UnitStatus `json:"status"`
}

// ChangeEvent is the payload of change.detected.
type ChangeEvent struct {
	CycleID    string                  `json:"cycleId"`
	Event      domain.ChangeEvent      `json:"event"`
	Assessment domain.ImpactAssessment `json:"assessment"`
	Jobs       int                     `json:"jobs"`
}
