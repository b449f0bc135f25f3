package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"govwatch/internal/domain"
)

var (
	ErrStopped    = errors.New("scheduler stopped")
	ErrNotStarted = errors.New("scheduler not started")
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Trigger names recorded on cycles.
const (
	TriggerDaily    = "daily"
	TriggerInterval = "interval"
	TriggerStartup  = "startup"
	TriggerManual   = "manual"
)

// State is the scheduler lifecycle seen by operators.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateCancelling State = "cancelling"
)

// Runner executes one refresh cycle. It must honour ctx and always return a
// record, even when every unit was cancelled.
type Runner interface {
	RunCycle(ctx context.Context, cycleID, trigger string) domain.CycleRecord
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cycleID, trigger string) domain.CycleRecord

func (f RunnerFunc) RunCycle(ctx context.Context, cycleID, trigger string) domain.CycleRecord {
	return f(ctx, cycleID, trigger)
}

// Config controls triggers. Location defaults to time.Local.
//
// Defaults:
//   - DailyAt: "09:00" (set by config)
//   - CycleDeadline: 5m
//   - HistorySize: 50
type Config struct {
	Enabled       bool
	DailyAt       string
	Interval      string
	Location      *time.Location
	RunOnStart    bool
	CycleDeadline time.Duration
	NodeID        int64
	HistorySize   int
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.CycleDeadline <= 0 {
		c.CycleDeadline = 5 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	return c
}

// CycleInfo describes an in-flight cycle.
type CycleInfo struct {
	ID        string    `json:"id"`
	Trigger   string    `json:"trigger"`
	StartedAt time.Time `json:"startedAt"`
	Deadline  time.Time `json:"deadline"`
	State     State     `json:"state"`
}

// ScheduleInfo describes a registered cron entry.
type ScheduleInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitzero"`
	Prev time.Time `json:"prev,omitzero"`
	// Spread is the random delay added to the first run of an interval entry.
	Spread time.Duration `json:"spread,omitempty"`
}

type Snapshot struct {
	State     State          `json:"state"`
	Timezone  string         `json:"timezone"`
	Active    []CycleInfo    `json:"active"`
	Schedules []ScheduleInfo `json:"schedules"`
	Triggered uint64         `json:"triggered"`
	Completed uint64         `json:"completed"`
	LastCycle *CycleSummary  `json:"lastCycle,omitempty"`
}

// CycleSummary is the short form of a finished cycle.
type CycleSummary struct {
	ID         string                   `json:"id"`
	Trigger    string                   `json:"trigger"`
	State      string                   `json:"state"`
	StartedAt  time.Time                `json:"startedAt"`
	FinishedAt time.Time                `json:"finishedAt"`
	Units      map[domain.UnitState]int `json:"units"`
}

func summarize(rec domain.CycleRecord) *CycleSummary {
	return &CycleSummary{
		ID:         rec.CycleID,
		Trigger:    rec.Trigger,
		State:      rec.State,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Units:      rec.Counts(),
	}
}

type entry struct {
	name   string
	spec   string
	id     cron.EntryID
	spread time.Duration
}
