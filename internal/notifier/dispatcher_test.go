package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govwatch/internal/domain"
	"govwatch/internal/eventbus"
	"govwatch/internal/notifier/channel"
	"govwatch/internal/storage"
	logx "govwatch/pkg/logx"
)

type recordingSink struct {
	mu   sync.Mutex
	jobs []domain.NotificationJob
}

func (r *recordingSink) DeadLetter(_ context.Context, j domain.NotificationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func fastConfig() Config {
	return Config{
		Enabled:     true,
		Workers:     2,
		RatePerSec:  1000,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		Protocols:   map[string]ProtocolInfo{"ethereum": {DisplayName: "Ethereum", ProposalKind: "EIP"}},
	}
}

func change7702() (domain.ChangeEvent, domain.ImpactAssessment) {
	ev := domain.ChangeEvent{
		Protocol: "ethereum", ProposalID: "7702", Kind: domain.ChangeStatusChanged,
		PreviousStatus: domain.StatusDraft, NewStatus: domain.StatusFinal,
		DetectedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), Title: "Set EOA account code",
	}
	return ev, domain.ImpactAssessment{EventKey: ev.Key(), Severity: domain.SeverityHigh, Summary: "EOA delegation ships"}
}

func startDispatcher(t *testing.T, cfg Config, routes []Route, store storage.Store, sink DeadLetterSink, bus eventbus.Bus) *Dispatcher {
	t.Helper()
	d := New(cfg, routes, logx.Nop(), bus, store, sink)
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func waitStatus(t *testing.T, d *Dispatcher, id string, want domain.JobStatus) domain.NotificationJob {
	t.Helper()
	var j domain.NotificationJob
	require.Eventually(t, func() bool {
		var ok bool
		j, ok = d.Job(id)
		return ok && j.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return j
}

func TestFailTwiceThenSucceed(t *testing.T) {
	t.Parallel()
	slack := channel.NewFake(channel.Slack)
	slack.FailNext(2)
	store := storage.NewMemory(0)
	d := startDispatcher(t, fastConfig(), []Route{{Channel: slack, Recipients: []string{"#gov"}}}, store, nil, nil)

	ev, a := change7702()
	jobs, err := d.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobPending, jobs[0].Status)

	j := waitStatus(t, d, jobs[0].ID, domain.JobSent)
	assert.Equal(t, 3, j.Attempts)
	assert.Equal(t, 3, slack.Attempts())
	require.Len(t, slack.Sent(), 1)
	assert.Contains(t, slack.Sent()[0].Payload.Subject, "EIP-7702")

	_, ok, err := store.GetDedup(context.Background(), dedupSlot(j.DedupKey, channel.Slack))
	require.NoError(t, err)
	assert.True(t, ok, "sent key must be persisted")
}

func TestFailThriceDeadLetters(t *testing.T) {
	t.Parallel()
	email := channel.NewFake(channel.Email)
	email.FailAlways(errors.New("550 mailbox unavailable"))
	store := storage.NewMemory(0)
	sink := &recordingSink{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	d := startDispatcher(t, fastConfig(), []Route{{Channel: email, Recipients: []string{"ops@example.com"}}}, store, sink, bus)
	ev, a := change7702()
	jobs, err := d.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	j := waitStatus(t, d, jobs[0].ID, domain.JobDeadLettered)
	assert.Equal(t, 3, j.Attempts)
	assert.Contains(t, j.LastError, "550")
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	dl, err := store.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, j.ID, dl[0].ID)
	assert.Zero(t, d.Pending())

	seen := map[string]int{}
	timeout := time.After(time.Second)
	for seen[eventbus.NotifyDeadLettered] == 0 {
		select {
		case e := <-events:
			seen[e.Type]++
		case <-timeout:
			t.Fatalf("no dead letter event, saw %v", seen)
		}
	}
	assert.Equal(t, 1, seen[eventbus.NotifyQueued])
	assert.Equal(t, 2, seen[eventbus.NotifyRetry])

	// A dead-lettered key can be dispatched again the same day.
	email.FailAlways(nil)
	again, err := d.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	require.Len(t, again, 1)
	waitStatus(t, d, again[0].ID, domain.JobSent)
}

func TestDailyDedupPerChannel(t *testing.T) {
	t.Parallel()
	slack := channel.NewFake(channel.Slack)
	desktop := channel.NewFake(channel.Desktop)
	store := storage.NewMemory(0)
	d := startDispatcher(t, fastConfig(), []Route{{Channel: slack}, {Channel: desktop}}, store, nil, nil)
	day := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return day }

	ev, a := change7702()
	first, err := d.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, first[0].DedupKey, first[1].DedupKey)

	// Same change, same day: nothing new even while the first jobs are pending.
	second, err := d.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	assert.Empty(t, second)

	for _, j := range first {
		waitStatus(t, d, j.ID, domain.JobSent)
	}
	third, err := d.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	assert.Empty(t, third)

	// Next day the key changes.
	d.now = func() time.Time { return day.Add(24 * time.Hour) }
	next, err := d.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.NotEqual(t, first[0].DedupKey, next[0].DedupKey)

	changes, err := store.RecentChanges(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, changes, 4, "every dispatch is recorded")
	assert.Contains(t, changes[1].Skipped, "slack:duplicate")
}

func TestDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory(0)
	ev, a := change7702()

	first := channel.NewFake(channel.Slack)
	d1 := startDispatcher(t, fastConfig(), []Route{{Channel: first}}, store, nil, nil)
	jobs, err := d1.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	waitStatus(t, d1, jobs[0].ID, domain.JobSent)

	second := channel.NewFake(channel.Slack)
	d2 := startDispatcher(t, fastConfig(), []Route{{Channel: second}}, store, nil, nil)
	again, err := d2.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Zero(t, second.Attempts())
}

func TestSeverityGate(t *testing.T) {
	t.Parallel()
	email := channel.NewFake(channel.Email)
	slack := channel.NewFake(channel.Slack)
	store := storage.NewMemory(0)
	d := startDispatcher(t, fastConfig(), []Route{
		{Channel: email, MinSeverity: domain.SeverityCritical},
		{Channel: slack, MinSeverity: domain.SeverityLow},
	}, store, nil, nil)

	ev, a := change7702()
	jobs, err := d.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, channel.Slack, jobs[0].Channel)

	changes, err := store.RecentChanges(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, []string{"slack"}, changes[0].Channels)
	assert.Equal(t, []string{"email:severity"}, changes[0].Skipped)
}

func TestDisabledRecordsOnly(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory(0)
	cfg := fastConfig()
	cfg.Enabled = false
	d := New(cfg, []Route{{Channel: channel.NewFake(channel.Slack)}}, logx.Nop(), nil, store, nil)
	d.Start(context.Background())

	ev, a := change7702()
	jobs, err := d.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	changes, err := store.RecentChanges(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestDispatchBeforeStartIsRejected(t *testing.T) {
	t.Parallel()
	d := New(fastConfig(), []Route{{Channel: channel.NewFake(channel.Slack)}}, logx.Nop(), nil, nil, nil)
	ev, a := change7702()
	_, err := d.Dispatch(context.Background(), ev, a)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	c := Config{}.withDefaults()
	assert.Equal(t, 2*time.Second, c.backoff(1))
	assert.Equal(t, 8*time.Second, c.backoff(2))
	assert.Equal(t, 32*time.Second, c.backoff(3))
	assert.Equal(t, 32*time.Second, c.backoff(7))
}

func TestHistoryEviction(t *testing.T) {
	t.Parallel()
	d := New(Config{Enabled: true, HistoryMax: 2, HistoryWindow: time.Hour}, nil, logx.Nop(), nil, nil, nil)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	add := func(id string, st domain.JobStatus, age time.Duration) {
		d.jobs[id] = &domain.NotificationJob{ID: id, Channel: "slack", DedupKey: id, Status: st,
			CreatedAt: now.Add(-age), UpdatedAt: now.Add(-age)}
		d.active[dedupSlot(id, "slack")] = id
	}
	add("old-sent", domain.JobSent, 2*time.Hour)
	add("pending", domain.JobPending, 3*time.Hour)
	add("a", domain.JobSent, 30*time.Minute)
	add("b", domain.JobDeadLettered, 10*time.Minute)

	d.mu.Lock()
	d.evictLocked(now)
	d.mu.Unlock()

	ids := map[string]bool{}
	for _, j := range d.Jobs("") {
		ids[j.ID] = true
	}
	assert.False(t, ids["old-sent"], "expired")
	assert.True(t, ids["pending"], "live jobs are never evicted")
	assert.False(t, ids["a"], "oldest terminal evicted for the cap")
	assert.True(t, ids["b"])
	assert.NotContains(t, d.active, dedupSlot("a", "slack"))

	assert.Len(t, d.Jobs(domain.JobPending), 1)
}

func TestNextMidnight(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	now := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC) // 03:00 on May 2 in loc
	assert.Equal(t, time.Date(2024, 5, 3, 0, 0, 0, 0, loc), nextMidnight(now, loc))
}

// gatedChannel holds every send until release is closed.
type gatedChannel struct {
	started chan struct{}
	release chan struct{}
}

func newGatedChannel() *gatedChannel {
	return &gatedChannel{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedChannel) Name() string { return channel.Slack }

func (g *gatedChannel) Send(ctx context.Context, _ []string, _ domain.Payload) (bool, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func changeFor(id string) (domain.ChangeEvent, domain.ImpactAssessment) {
	ev, a := change7702()
	ev.ProposalID = id
	a.EventKey = ev.Key()
	return ev, a
}

func TestPartialDeliveryRetriesOnlyMissedRecipients(t *testing.T) {
	t.Parallel()
	slack := channel.NewFake(channel.Slack)
	slack.FailRecipient("#ops", 1)
	d := startDispatcher(t, fastConfig(), []Route{{Channel: slack, Recipients: []string{"#gov", "#ops"}}}, storage.NewMemory(0), nil, nil)

	ev, a := change7702()
	jobs, err := d.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	j := waitStatus(t, d, jobs[0].ID, domain.JobSent)
	assert.Equal(t, 2, j.Attempts)
	assert.ElementsMatch(t, []string{"#gov", "#ops"}, j.Delivered)

	got := map[string]int{}
	for _, s := range slack.Sent() {
		for _, r := range s.Recipients {
			got[r]++
		}
	}
	assert.Equal(t, map[string]int{"#gov": 1, "#ops": 1}, got, "each recipient gets the message once")
}

func TestFullQueueDeadLettersAndReportsError(t *testing.T) {
	t.Parallel()
	gate := newGatedChannel()
	store := storage.NewMemory(0)
	sink := &recordingSink{}
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	d := startDispatcher(t, cfg, []Route{{Channel: gate}}, store, sink, nil)

	ev1, a1 := changeFor("1001")
	first, err := d.Dispatch(context.Background(), ev1, a1)
	require.NoError(t, err)
	select {
	case <-gate.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first job")
	}

	ev2, a2 := changeFor("1002")
	second, err := d.Dispatch(context.Background(), ev2, a2)
	require.NoError(t, err)

	ev3, a3 := changeFor("1003")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	third, err := d.Dispatch(ctx, ev3, a3)
	cancel()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, third)

	dead := d.Jobs(domain.JobDeadLettered)
	require.Len(t, dead, 1)
	assert.Equal(t, "1003", dead[0].ProposalID)
	dl, err := store.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, dl, 1)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	close(gate.release)
	waitStatus(t, d, first[0].ID, domain.JobSent)
	waitStatus(t, d, second[0].ID, domain.JobSent)

	again, err := d.Dispatch(context.Background(), ev3, a3)
	require.NoError(t, err)
	require.Len(t, again, 1)
	waitStatus(t, d, again[0].ID, domain.JobSent)
}

func TestStopDeadLettersRetryingJobs(t *testing.T) {
	t.Parallel()
	email := channel.NewFake(channel.Email)
	email.FailAlways(errors.New("421 try again later"))
	store := storage.NewMemory(0)
	sink := &recordingSink{}
	cfg := fastConfig()
	cfg.BackoffBase = 2 * time.Second
	cfg.BackoffMax = 2 * time.Second
	d := New(cfg, []Route{{Channel: email, Recipients: []string{"ops@example.com"}}}, logx.Nop(), nil, store, sink)
	d.Start(context.Background())

	ev, a := change7702()
	jobs, err := d.Dispatch(context.Background(), ev, a)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	waitStatus(t, d, jobs[0].ID, domain.JobFailed)
	assert.Equal(t, 1, email.Attempts())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	d.Stop(ctx)

	j, ok := d.Job(jobs[0].ID)
	require.True(t, ok)
	assert.Equal(t, domain.JobDeadLettered, j.Status)
	assert.Equal(t, ErrStopped.Error(), j.LastError)
	assert.Zero(t, d.Pending())
	assert.Equal(t, 1, sink.count())
	dl, err := store.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, jobs[0].ID, dl[0].ID)
}

func TestDrainTimeoutCoversRetries(t *testing.T) {
	t.Parallel()
	d := New(Config{Enabled: true}, nil, logx.Nop(), nil, nil, nil)
	// 10s send, then 2s+10s and 8s+10s for the two retries.
	assert.Equal(t, 40*time.Second, d.DrainTimeout())
}
