package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"govwatch/internal/api"
	"govwatch/internal/cache"
	"govwatch/internal/classify"
	"govwatch/internal/config"
	"govwatch/internal/domain"
	"govwatch/internal/eventbus"
	"govwatch/internal/notifier"
	"govwatch/internal/producer/filedrop"
	"govwatch/internal/provider"
	rtsup "govwatch/internal/runtime/supervisor"
	"govwatch/internal/storage"
	"govwatch/internal/task/engine"
	"govwatch/internal/task/scheduler"
	"govwatch/internal/telemetry"
	logx "govwatch/pkg/logx"
)

// Options carries build metadata and test hooks.
type Options struct {
	Version string
	// Logger overrides the logging service built from config.
	Logger logx.Logger
}

// App owns every component and their lifecycle.
type App struct {
	cfg     *config.Config
	version string

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sup  *rtsup.Supervisor

	store    storage.Store
	redis    *redis.Client
	cache    *cache.Store
	orch     *provider.Orchestrator
	classify *classify.Client
	notif    *notifier.Dispatcher
	engine   *engine.Engine
	sched    *scheduler.Service
	api      *api.Server
	tel      *telemetry.Telemetry
	watchers []*filedrop.Watcher
}

// NewApp loads and validates the config file, then builds the app.
func NewApp(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetLogger(logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts)
}

// New builds every component from an already validated config. Nothing is
// started; resources opened here are released by Stop or Close.
func New(ctx context.Context, cfg *config.Config, opts Options) (a *App, err error) {
	if cfg == nil {
		return nil, domain.InvalidConfig("config", "missing")
	}
	a = &App{cfg: cfg, version: opts.Version, bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if !opts.Logger.IsZero() {
		a.log = opts.Logger
	} else {
		a.logs, a.log = logx.New(mapLoggingConfig(cfg))
	}
	appLog := a.log.With(logx.String("comp", "app"))

	if a.tel, err = telemetry.Setup(ctx, mapTelemetryConfig(cfg, opts.Version)); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, a.log); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	appLog.Info("storage ready", logx.String("driver", orDefault(sc.Driver, "memory")))

	if a.redis, err = openRedis(ctx, cfg); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	if a.cache, err = buildCache(cfg, a.redis, a.log); err != nil {
		return nil, err
	}

	pc := mapProviderConfig(cfg)
	sources, drops, err := buildSources(cfg, &http.Client{Timeout: pc.Timeout + 5*time.Second})
	if err != nil {
		return nil, err
	}
	a.orch = provider.New(pc, sources, buildLimiter(cfg), a.cache, a.log, a.bus)

	analyzer, err := buildAnalyzer(cfg)
	if err != nil {
		return nil, err
	}
	a.classify = classify.New(mapClassifyConfig(cfg), analyzer, a.log)

	loc, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	routes, err := buildRoutes(cfg, ncfg.SendTimeout)
	if err != nil {
		return nil, err
	}
	var sink notifier.DeadLetterSink
	if s := strings.TrimSpace(cfg.Notifier.DeadLetterStream); s != "" && a.redis != nil {
		sink = notifier.NewRedisStream(a.redis, s, 0)
	}
	a.notif = notifier.New(ncfg, routes, a.log, a.bus, a.store, sink)

	a.engine = engine.New(mapEngineConfig(cfg), a.orch, nil, a.classify, a.notif, a.store, a.log, a.bus)

	schedCfg, err := mapSchedulerConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	if a.sched, err = scheduler.New(schedCfg, a.engine, a.log); err != nil {
		return nil, err
	}

	for _, d := range drops {
		src := d.Source
		a.watchers = append(a.watchers, filedrop.NewWatcher(d.Dir, 0, a.log, func(protocols []string) {
			id, err := a.sched.Trigger(context.Background(), "filedrop:"+src)
			if err != nil {
				appLog.Debug("drop trigger ignored", logx.String("source", src), logx.Err(err))
				return
			}
			appLog.Info("cycle triggered by drop",
				logx.String("source", src),
				logx.Strings("protocols", protocols),
				logx.String("cycle", id),
			)
		}))
	}

	if cfg.API.Enabled {
		a.api = api.New(mapAPIConfig(cfg), api.Deps{
			Scheduler:     a.sched,
			Providers:     a.orch,
			Notifications: a.notif,
			Snapshots:     a.cache,
			Store:         a.store,
			Version:       opts.Version,
			StartedAt:     time.Now(),
		}, a.log)
	}

	a.log = appLog
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Handler exposes the API router; nil when the API is disabled.
func (a *App) Handler() http.Handler {
	if a.api == nil {
		return nil
	}
	return a.api.Handler()
}

// APIAddr is the bound API address once started.
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Start restores detector state and starts notifier, scheduler, watchers and API.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return nil
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.restore(runCtx)
	a.logEvents()

	a.notif.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	for _, w := range a.watchers {
		a.sup.Go("filedrop.watch", w.Run)
	}
	if a.api != nil {
		if err := a.api.Start(runCtx); err != nil {
			return err
		}
	}

	a.log.Info("app started",
		logx.String("version", a.version),
		logx.Int("units", len(a.engine.Units())),
		logx.Int("providers", len(a.orch.Sources())),
		logx.Strings("channels", a.notif.Channels()),
	)
	return nil
}

// RunOnce runs a single cycle synchronously. The app must not be started;
// Stop afterwards drains the notifications the cycle queued.
func (a *App) RunOnce(ctx context.Context) (domain.CycleRecord, error) {
	if a.sup != nil {
		return domain.CycleRecord{}, errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	runCtx := a.sup.Context()

	a.restore(runCtx)
	a.logEvents()
	a.notif.Start(runCtx)
	return a.sched.RunNow(runCtx, "once")
}

func (a *App) restore(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.engine.Restore(rctx); err != nil {
		a.log.Warn("detector state not restored", logx.Err(err))
	}
}

// logEvents mirrors bus events into the debug log.
func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// StopTimeout bounds a graceful Stop: fixed steps plus the notifier drain.
func (a *App) StopTimeout() time.Duration {
	return 11*time.Second + a.notif.DrainTimeout()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// API first so no new manual triggers arrive, then the scheduler cancels
	// in-flight cycles, then the notifier drains what they queued.
	step("api", 2*time.Second, func(c context.Context) error {
		if a.api == nil {
			return nil
		}
		return a.api.Stop(c)
	})
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("notifier", a.notif.DrainTimeout(), func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("telemetry", 2*time.Second, a.tel.Shutdown)

	a.log.Info("stopped")
	a.Close()
	return nil
}

// Close releases storage, redis and log sinks. Stop calls it.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
	if a.store != nil {
		_ = a.store.Close()
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
