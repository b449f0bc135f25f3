package app

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"govwatch/internal/api"
	"govwatch/internal/cache"
	"govwatch/internal/classify"
	"govwatch/internal/config"
	"govwatch/internal/domain"
	"govwatch/internal/notifier"
	"govwatch/internal/notifier/channel"
	"govwatch/internal/producer"
	"govwatch/internal/producer/filedrop"
	"govwatch/internal/producer/htmltable"
	"govwatch/internal/producer/jsonapi"
	"govwatch/internal/provider"
	"govwatch/internal/ratelimit"
	"govwatch/internal/storage"
	"govwatch/internal/task/engine"
	"govwatch/internal/task/scheduler"
	"govwatch/internal/telemetry"
	logx "govwatch/pkg/logx"
)

const defaultDailyAt = "09:00"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         sc.DSN,
		BusyTimeout: busy,
		HistorySize: sc.HistorySize,
	}, nil
}

// openRedis dials the shared redis client when cache.redis is configured.
// It returns (nil, nil) otherwise.
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	r := cfg.Cache.Redis
	if r == nil {
		return nil, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return cache.NewRedisClient(dialCtx, cache.RedisOptions{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		Prefix:   r.Prefix,
	})
}

func buildCache(cfg *config.Config, rc *redis.Client, log logx.Logger) (*cache.Store, error) {
	ttl, err := cfg.Cache.TTLTable()
	if err != nil {
		return nil, err
	}
	var mirror cache.Mirror
	if rc != nil {
		r := cfg.Cache.Redis
		mirror = cache.NewRedisMirror(rc, r.Prefix, config.DurationOr(r.MirrorTTL, 0))
	}
	return cache.New(cache.Config{TTL: ttl}, log, mirror), nil
}

func buildLimiter(cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Budget{
		Calls:  cfg.RateLimit.SafetyCeiling,
		Window: config.DurationOr(cfg.RateLimit.SafetyWindow, time.Minute),
	})
}

func mapProviderConfig(cfg *config.Config) provider.Config {
	return provider.Config{
		Timeout:      config.DurationOr(cfg.Fetch.Timeout, 10*time.Second),
		DisableAfter: cfg.Fetch.DisableAfter,
		CooldownBase: config.DurationOr(cfg.Fetch.CooldownBase, time.Minute),
		CooldownMax:  config.DurationOr(cfg.Fetch.CooldownMax, 30*time.Minute),
	}
}

// dropDir is a filedrop directory whose writes trigger a cycle.
type dropDir struct {
	Source string
	Dir    string
}

// buildSources turns provider config into orchestrator sources. Watched
// filedrop directories are returned separately.
func buildSources(cfg *config.Config, hc *http.Client) ([]provider.Source, []dropDir, error) {
	var (
		out   []provider.Source
		watch []dropDir
	)
	for i, p := range cfg.Providers {
		classes := make([]domain.MetricClass, 0, len(p.Classes))
		for _, c := range p.Classes {
			classes = append(classes, domain.MetricClass(strings.ToLower(strings.TrimSpace(c))))
		}

		var prod producer.Producer
		switch p.Kind {
		case "jsonapi":
			paths := make(map[domain.MetricClass]string, len(p.Paths))
			for k, v := range p.Paths {
				paths[domain.MetricClass(strings.ToLower(k))] = v
			}
			prod = jsonapi.New(jsonapi.Config{
				Name:         p.Name,
				BaseURL:      p.BaseURL,
				APIKey:       p.APIKey,
				APIKeyHeader: p.APIKeyHeader,
				Headers:      p.Headers,
				Paths:        paths,
				IDs:          p.IDs,
			}, hc)
		case "htmltable":
			prod = htmltable.New(mapHTMLTable(p), hc)
		case "filedrop":
			prod = filedrop.New(p.Name, p.Dir)
			if p.Watch && !p.Disabled {
				watch = append(watch, dropDir{Source: p.Name, Dir: p.Dir})
			}
		default:
			return nil, nil, domain.InvalidConfig(fmt.Sprintf("providers[%d].kind", i), "unknown provider kind %q", p.Kind)
		}

		out = append(out, provider.Source{
			Name:       p.Name,
			Tier:       domain.Tier(p.Tier),
			Classes:    classes,
			Protocols:  p.Protocols,
			RateBudget: p.RateBudget,
			Window:     config.DurationOr(p.Window, time.Minute),
			BaseURL:    p.BaseURL,
			Disabled:   p.Disabled,
			Producer:   prod,
		})
	}
	return out, watch, nil
}

func mapHTMLTable(p config.ProviderConfig) htmltable.Config {
	hc := htmltable.DefaultConfig()
	hc.Name = p.Name
	hc.URL = p.BaseURL
	h := p.HTML
	if h == nil {
		return hc
	}
	if h.Table != "" {
		hc.Table = h.Table
	}
	col := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	col(&hc.IDColumn, h.IDColumn)
	col(&hc.TitleColumn, h.TitleColumn)
	col(&hc.AuthorColumn, h.AuthorColumn)
	col(&hc.StatusColumn, h.StatusColumn)
	hc.TableStatuses = h.TableStatuses
	hc.IDPrefix = h.IDPrefix
	hc.LinkBase = h.LinkBase
	return hc
}

func buildAnalyzer(cfg *config.Config) (classify.Analyzer, error) {
	c := cfg.Classifier
	openAI := func() *classify.OpenAI {
		o := c.OpenAI
		return classify.NewOpenAI(classify.OpenAIConfig{
			APIKey:     o.APIKey,
			BaseURL:    o.BaseURL,
			Model:      o.Model,
			MaxTokens:  o.MaxTokens,
			MaxRetries: -1,
		})
	}
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "", "keyword":
		return classify.NewKeyword(), nil
	case "openai":
		if c.OpenAI == nil {
			return nil, domain.InvalidConfig("classifier.openai", "required for backend openai")
		}
		return openAI(), nil
	case "chain":
		if c.OpenAI == nil {
			return nil, domain.InvalidConfig("classifier.openai", "required for backend chain")
		}
		return classify.Chain(openAI(), classify.NewKeyword()), nil
	default:
		return nil, domain.InvalidConfig("classifier.backend", "unknown backend %q", c.Backend)
	}
}

func mapClassifyConfig(cfg *config.Config) classify.Config {
	return classify.Config{
		Timeout:     config.DurationOr(cfg.Classifier.Timeout, 15*time.Second),
		DeferredMax: cfg.Classifier.DeferredMax,
	}
}

func mapNotifierConfig(cfg *config.Config, loc *time.Location) (notifier.Config, error) {
	n := cfg.Notifier
	var nc notifier.Config
	for _, d := range []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"notifier.backoff_base", n.BackoffBase, &nc.BackoffBase},
		{"notifier.backoff_max", n.BackoffMax, &nc.BackoffMax},
		{"notifier.send_timeout", n.SendTimeout, &nc.SendTimeout},
		{"notifier.history_window", n.HistoryWindow, &nc.HistoryWindow},
	} {
		v, err := config.ParseDurationField(d.field, d.raw)
		if err != nil {
			return notifier.Config{}, err
		}
		*d.dst = v
	}

	nc.Enabled = n.Enabled
	nc.Workers = n.Workers
	nc.QueueSize = n.QueueSize
	nc.RatePerSec = n.RatePerSec
	nc.MaxAttempts = n.MaxAttempts
	nc.BackoffFactor = n.BackoffFactor
	nc.HistoryMax = n.HistoryMax
	nc.Location = loc
	nc.Protocols = make(map[string]notifier.ProtocolInfo, len(cfg.Protocols))
	for _, p := range cfg.Protocols {
		nc.Protocols[p.Name] = notifier.ProtocolInfo{DisplayName: p.DisplayName, ProposalKind: p.ProposalKind}
	}
	return nc, nil
}

// buildRoutes creates one route per enabled channel.
func buildRoutes(cfg *config.Config, sendTimeout time.Duration) ([]notifier.Route, error) {
	ch := cfg.Notifier.Channels
	var routes []notifier.Route
	add := func(c channel.Channel, recipients []string, minSeverity string) {
		sev, _ := domain.ParseSeverity(minSeverity)
		routes = append(routes, notifier.Route{Channel: c, Recipients: recipients, MinSeverity: sev})
	}

	if e := ch.Email; e != nil && e.Enabled {
		c, err := channel.NewEmail(channel.EmailConfig{
			Host:     e.Host,
			Port:     e.Port,
			Username: e.Username,
			Password: e.Password,
			From:     e.From,
		})
		if err != nil {
			return nil, fmt.Errorf("notifier.channels.email: %w", err)
		}
		add(c, e.Recipients, e.MinSeverity)
	}
	if s := ch.Slack; s != nil && s.Enabled {
		c, err := channel.NewSlack(channel.SlackConfig{
			WebhookURL: s.WebhookURL,
			Username:   s.Username,
			IconEmoji:  s.IconEmoji,
			Timeout:    sendTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("notifier.channels.slack: %w", err)
		}
		add(c, s.Recipients, s.MinSeverity)
	}
	if d := ch.Desktop; d != nil && d.Enabled {
		add(channel.NewDesktop(), nil, d.MinSeverity)
	}
	if t := ch.Telegram; t != nil && t.Enabled {
		c, err := channel.NewTelegram(channel.TelegramConfig{Token: t.Token, Timeout: sendTimeout})
		if err != nil {
			return nil, fmt.Errorf("notifier.channels.telegram: %w", err)
		}
		chats := make([]string, 0, len(t.ChatIDs))
		for _, id := range t.ChatIDs {
			chats = append(chats, strconv.FormatInt(id, 10))
		}
		add(c, chats, t.MinSeverity)
	}
	return routes, nil
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	ec := engine.Config{
		Concurrency:    cfg.Scheduler.Concurrency,
		ClassifyBudget: cfg.Classifier.Budget,
		Names:          make(map[string]string, len(cfg.Protocols)),
	}
	for _, p := range cfg.Protocols {
		if p.DisplayName != "" {
			ec.Names[p.Name] = p.DisplayName
		}
		for _, c := range p.Classes {
			ec.Units = append(ec.Units, engine.Unit{Protocol: p.Name, Class: domain.MetricClass(strings.ToLower(strings.TrimSpace(c)))})
		}
	}
	return ec
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, domain.InvalidConfig("scheduler.timezone", "%v", err)
	}
	return loc, nil
}

func mapSchedulerConfig(cfg *config.Config, loc *time.Location) (scheduler.Config, error) {
	s := cfg.Scheduler
	deadline, err := config.ParseDurationOrDefault("scheduler.cycle_deadline", s.CycleDeadline, 5*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	dailyAt := strings.TrimSpace(s.DailyAt)
	if dailyAt == "" {
		dailyAt = defaultDailyAt
	}
	return scheduler.Config{
		Enabled:       s.Enabled,
		DailyAt:       dailyAt,
		Interval:      s.Interval,
		Location:      loc,
		RunOnStart:    s.RunOnStart,
		CycleDeadline: deadline,
		NodeID:        s.NodeID,
		HistorySize:   s.HistorySize,
	}, nil
}

func mapAPIConfig(cfg *config.Config) api.Config {
	ac := api.Config{
		Addr:          cfg.API.Addr,
		Token:         cfg.API.Token,
		AllowInsecure: cfg.API.AllowInsecure,
		Pprof:         cfg.API.Pprof,
	}
	if tc := mapTelemetryConfig(cfg, ""); tc.Enabled() {
		ac.ServiceName = tc.ServiceName
	}
	return ac
}

func mapTelemetryConfig(cfg *config.Config, version string) telemetry.Config {
	name := strings.TrimSpace(cfg.Telemetry.ServiceName)
	if name == "" {
		name = "govwatch"
	}
	return telemetry.Config{
		Endpoint:       strings.TrimSpace(cfg.Telemetry.Endpoint),
		ServiceName:    name,
		ServiceVersion: version,
		Headers:        cfg.Telemetry.Headers,
	}
}
