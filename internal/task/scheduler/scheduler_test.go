package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govwatch/internal/domain"
	logx "govwatch/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		spec  string
		src   string
	}{
		{in: "30m", kind: SpecInterval, every: 30 * time.Minute, spec: "@every 30m0s", src: "duration"},
		{in: "06:00", kind: SpecInterval, every: 6 * time.Hour, spec: "@every 6h0m0s", src: "hhmm"},
		{in: "every: 00:45", kind: SpecInterval, every: 45 * time.Minute, src: "hhmm"},
		{in: "*/30 * * * *", kind: SpecCron, spec: "*/30 * * * *", src: "cron"},
		{in: "@hourly", kind: SpecCron, spec: "@hourly", src: "cron"},
		{in: "cron: 0 */2 * * *", kind: SpecCron, spec: "0 */2 * * *", src: "cron"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			ps, err := ParseSchedule(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ps.Kind)
			assert.Equal(t, tt.src, ps.Source)
			if tt.every > 0 {
				assert.Equal(t, tt.every, ps.Every)
			}
			if tt.spec != "" {
				assert.Equal(t, tt.spec, ps.Spec())
			}
		})
	}

	for _, bad := range []string{"", "0m", "00:00", "12:75", "soon", "* * *", "every:"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, "schedule %q", bad)
	}
}

func TestParseDailyAt(t *testing.T) {
	t.Parallel()
	h, m, err := ParseDailyAt("09:05")
	require.NoError(t, err)
	assert.Equal(t, 9, h)
	assert.Equal(t, 5, m)

	h, m, err = ParseDailyAt(" 7:30 ")
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 30, m)

	for _, bad := range []string{"25:00", "24:00", "12:60", "9", "noon", "", "09:5"} {
		_, _, err := ParseDailyAt(bad)
		assert.Error(t, err, "daily %q", bad)
	}

	spec, err := DailySpec("23:59")
	require.NoError(t, err)
	assert.Equal(t, "59 23 * * *", spec)
}

func TestTriggerName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "manual", triggerName(""))
	assert.Equal(t, "manual", triggerName("manual"))
	assert.Equal(t, "manual:api", triggerName("manual:api"))
	assert.Equal(t, "manual:filedrop", triggerName("filedrop"))
}

func TestIntervalSpreadBounds(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for range 20 {
		sched, spread := intervalWithSpread(10*time.Minute, now)
		require.GreaterOrEqual(t, spread, time.Duration(0))
		require.Less(t, spread, maxStartupSpread)
		first := sched.Next(now)
		assert.Equal(t, now.Add(10*time.Minute+spread), first)
		// later runs follow the base period
		assert.Equal(t, first.Truncate(time.Second).Add(10*time.Minute), sched.Next(first))
	}

	_, spread := intervalWithSpread(5*time.Second, now)
	assert.Less(t, spread, 5*time.Second)
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	block chan struct{}
	seen  chan string
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{seen: make(chan string, 16)}
}

func (r *recordingRunner) RunCycle(ctx context.Context, id, trigger string) domain.CycleRecord {
	r.mu.Lock()
	r.calls = append(r.calls, trigger)
	block := r.block
	r.mu.Unlock()
	r.seen <- id

	state := "completed"
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			state = "cancelled"
		}
	}
	return domain.CycleRecord{CycleID: id, Trigger: trigger, State: state, PerUnitStatus: map[string]domain.UnitStatus{}}
}

func (r *recordingRunner) triggers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerRunsCycleAndRecordsHistory(t *testing.T) {
	t.Parallel()
	r := newRecordingRunner()
	s, err := New(Config{HistorySize: 2}, r, logx.Nop())
	require.NoError(t, err)

	_, err = s.Trigger(context.Background(), "api")
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	ids := map[string]bool{}
	for range 3 {
		id, err := s.Trigger(context.Background(), "api")
		require.NoError(t, err)
		require.NotEmpty(t, id)
		ids[id] = true
	}
	assert.Len(t, ids, 3, "cycle ids are unique")

	waitFor(t, func() bool { return s.Snapshot().Completed == 3 })
	assert.Len(t, s.History(), 2, "history is capped")
	assert.Equal(t, StateIdle, s.State())
	for _, tr := range r.triggers() {
		assert.Equal(t, "manual:api", tr)
	}
	snap := s.Snapshot()
	require.NotNil(t, snap.LastCycle)
	assert.Equal(t, "completed", snap.LastCycle.State)
	assert.Equal(t, uint64(3), snap.Triggered)
}

func TestRunOnStartAndSchedules(t *testing.T) {
	t.Parallel()
	r := newRecordingRunner()
	s, err := New(Config{Enabled: true, DailyAt: "09:00", Interval: "30m", RunOnStart: true, Location: time.UTC}, r, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	<-r.seen
	assert.Equal(t, []string{TriggerStartup}, r.triggers())

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 2)
	assert.Equal(t, TriggerDaily, snap.Schedules[0].Name)
	assert.Equal(t, "0 9 * * *", snap.Schedules[0].Spec)
	assert.Equal(t, 9, snap.Schedules[0].Next.Hour())
	assert.Equal(t, "@every 30m0s", snap.Schedules[1].Spec)
	assert.Equal(t, "UTC", snap.Timezone)
}

func TestDisabledRegistersNothing(t *testing.T) {
	t.Parallel()
	r := newRecordingRunner()
	s, err := New(Config{Enabled: false, DailyAt: "09:00", RunOnStart: true}, r, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	assert.Empty(t, s.Snapshot().Schedules)
	assert.Empty(t, r.triggers())
}

func TestStartRejectsBadDailyAt(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Enabled: true, DailyAt: "25:00"}, newRecordingRunner(), logx.Nop())
	require.NoError(t, err)
	require.Error(t, s.Start(context.Background()))
}

func TestDeadlineMarksCycleCancelling(t *testing.T) {
	t.Parallel()
	r := newRecordingRunner()
	r.block = make(chan struct{})
	s, err := New(Config{CycleDeadline: 30 * time.Millisecond}, r, logx.Nop())
	require.NoError(t, err)

	done := make(chan domain.CycleRecord, 1)
	go func() {
		rec, err := s.RunNow(context.Background(), "")
		assert.NoError(t, err)
		done <- rec
	}()
	<-r.seen
	assert.Contains(t, []State{StateRunning, StateCancelling}, s.State())

	rec := <-done
	assert.Equal(t, "cancelled", rec.State)
	assert.Equal(t, "manual", rec.Trigger)
	assert.Equal(t, StateIdle, s.State())
}

func TestStopCancelsActiveCycles(t *testing.T) {
	t.Parallel()
	r := newRecordingRunner()
	r.block = make(chan struct{})
	s, err := New(Config{}, r, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	_, err = s.Trigger(context.Background(), "")
	require.NoError(t, err)
	<-r.seen
	require.Len(t, s.ActiveCycles(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	hist := s.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "cancelled", hist[0].State)

	_, err = s.Trigger(context.Background(), "")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestNewRejectsBadNode(t *testing.T) {
	t.Parallel()
	_, err := New(Config{NodeID: 4096}, newRecordingRunner(), logx.Nop())
	require.Error(t, err)
	_, err = New(Config{}, nil, logx.Nop())
	require.Error(t, err)
}

func TestRunNowAfterStopIsRejected(t *testing.T) {
	t.Parallel()
	r := newRecordingRunner()
	s, err := New(Config{}, r, logx.Nop())
	require.NoError(t, err)

	rec, err := s.RunNow(context.Background(), "once")
	require.NoError(t, err)
	assert.Equal(t, "manual:once", rec.Trigger)

	require.NoError(t, s.Stop(context.Background()))
	_, err = s.RunNow(context.Background(), "once")
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, []string{"manual:once"}, r.triggers())
	assert.Len(t, s.History(), 1)
}
