package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"govwatch/internal/domain"
	"govwatch/internal/task/scheduler"
	logx "govwatch/pkg/logx"
)

// DefaultTTLs is the baseline cache TTL table. Entries in cache.ttl override it.
func DefaultTTLs() map[domain.MetricClass]time.Duration {
	return map[domain.MetricClass]time.Duration{
		domain.ClassMarket:      5 * time.Minute,
		domain.ClassNetwork:     10 * time.Minute,
		domain.ClassProposals:   60 * time.Minute,
		domain.ClassDeFi:        15 * time.Minute,
		domain.ClassDevelopment: 60 * time.Minute,
		domain.ClassSocial:      30 * time.Minute,
	}
}

// TTLTable merges the configured TTLs over DefaultTTLs.
func (c CacheConfig) TTLTable() (map[domain.MetricClass]time.Duration, error) {
	out := DefaultTTLs()
	var errs []error
	for k, raw := range c.TTL {
		class := domain.MetricClass(strings.ToLower(strings.TrimSpace(k)))
		field := "cache.ttl." + k
		if !class.Valid() {
			errs = append(errs, domain.InvalidConfig(field, "unknown metric class"))
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			errs = append(errs, domain.InvalidConfig(field, "invalid duration %q", raw))
			continue
		}
		if d <= 0 {
			errs = append(errs, domain.InvalidConfig(field, "ttl must be > 0"))
			continue
		}
		out[class] = d
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Validate checks the whole configuration and returns every problem found,
// joined. Each problem wraps domain.ErrConfigurationInvalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return domain.InvalidConfig("config", "missing")
	}
	v := &validator{}

	if !logx.ValidLevel(cfg.Logging.Level) {
		v.add("logging.level", "unknown level %q", cfg.Logging.Level)
	}

	v.scheduler(cfg.Scheduler)

	if _, err := cfg.Cache.TTLTable(); err != nil {
		v.errs = append(v.errs, err)
	}
	if r := cfg.Cache.Redis; r != nil {
		if strings.TrimSpace(r.Addr) == "" {
			v.add("cache.redis.addr", "required when cache.redis is set")
		}
		v.duration("cache.redis.mirror_ttl", r.MirrorTTL)
	}

	if cfg.RateLimit.SafetyCeiling < 0 {
		v.add("rate_limit.safety_ceiling", "must be >= 0")
	}
	v.duration("rate_limit.safety_window", cfg.RateLimit.SafetyWindow)

	v.duration("fetch.timeout", cfg.Fetch.Timeout)
	v.duration("fetch.cooldown_base", cfg.Fetch.CooldownBase)
	v.duration("fetch.cooldown_max", cfg.Fetch.CooldownMax)
	if cfg.Fetch.DisableAfter < 0 {
		v.add("fetch.disable_after", "must be >= 0")
	}

	served := v.providers(cfg.Providers)
	v.protocols(cfg.Protocols, served)
	v.classifier(cfg.Classifier)
	v.notifier(cfg.Notifier, cfg.Cache.Redis != nil)
	v.storage(cfg.Storage)

	if a := cfg.API; a.Enabled {
		switch addr := strings.TrimSpace(a.Addr); {
		case addr == "":
			v.add("api.addr", "required when api is enabled")
		case strings.TrimSpace(a.Token) == "" && !a.AllowInsecure && !isLoopbackAddr(addr):
			v.add("api.addr", "non-loopback addr %q requires api.token or api.allow_insecure", addr)
		}
	}

	if len(v.errs) == 0 {
		return nil
	}
	return errors.Join(v.errs...)
}

type validator struct {
	errs []error
}

func (v *validator) add(field, format string, args ...any) {
	v.errs = append(v.errs, domain.InvalidConfig(field, format, args...))
}

func (v *validator) duration(field, raw string) {
	if _, err := ParseDurationField(field, raw); err != nil {
		v.errs = append(v.errs, &domain.ConfigError{Field: field, Reason: strings.TrimPrefix(err.Error(), field+": ")})
	}
}

func (v *validator) severity(field, raw string) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	if _, ok := domain.ParseSeverity(raw); !ok {
		v.add(field, "unknown severity %q", raw)
	}
}

func (v *validator) scheduler(s SchedulerConfig) {
	if strings.TrimSpace(s.DailyAt) != "" {
		if _, _, err := scheduler.ParseDailyAt(s.DailyAt); err != nil {
			v.add("scheduler.daily_at", "%v", err)
		}
	}
	if strings.TrimSpace(s.Interval) != "" {
		if _, err := scheduler.ParseSchedule(s.Interval); err != nil {
			v.add("scheduler.interval", "%v", err)
		}
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			v.add("scheduler.timezone", "%v", err)
		}
	}
	if s.Concurrency < 0 {
		v.add("scheduler.concurrency", "must be >= 0")
	}
	if s.NodeID < 0 || s.NodeID > 1023 {
		v.add("scheduler.node_id", "must be within 0..1023")
	}
	v.duration("scheduler.cycle_deadline", s.CycleDeadline)
}

// providers validates the list and returns which classes each protocol can be served for.
// The key "*" holds classes served for every protocol.
func (v *validator) providers(list []ProviderConfig) map[string]map[domain.MetricClass]bool {
	served := map[string]map[domain.MetricClass]bool{}
	mark := func(protocol string, c domain.MetricClass) {
		if served[protocol] == nil {
			served[protocol] = map[domain.MetricClass]bool{}
		}
		served[protocol][c] = true
	}

	seen := map[string]bool{}
	for i, p := range list {
		base := fmt.Sprintf("providers[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			v.add(base+".name", "required")
		} else if seen[name] {
			v.add(base+".name", "duplicate provider %q", name)
		}
		seen[name] = true

		if !domain.Tier(p.Tier).Valid() {
			v.add(base+".tier", "must be premium or free, got %q", p.Tier)
		}
		if p.RateBudget < 0 {
			v.add(base+".rate_budget", "must be >= 0")
		}
		v.duration(base+".window", p.Window)
		if len(p.Classes) == 0 {
			v.add(base+".classes", "at least one class is required")
		}

		var classes []domain.MetricClass
		for _, c := range p.Classes {
			mc := domain.MetricClass(c)
			if !mc.Valid() {
				v.add(base+".classes", "unknown metric class %q", c)
				continue
			}
			classes = append(classes, mc)
		}

		switch p.Kind {
		case "jsonapi":
			if strings.TrimSpace(p.BaseURL) == "" {
				v.add(base+".base_url", "required for jsonapi")
			}
			for _, c := range classes {
				if strings.TrimSpace(p.Paths[string(c)]) == "" {
					v.add(base+".paths."+string(c), "path template required for class %s", c)
				}
			}
		case "htmltable":
			if strings.TrimSpace(p.BaseURL) == "" {
				v.add(base+".base_url", "required for htmltable")
			}
			v.proposalsOnly(base, classes)
		case "filedrop":
			if strings.TrimSpace(p.Dir) == "" {
				v.add(base+".dir", "required for filedrop")
			}
			v.proposalsOnly(base, classes)
		default:
			v.add(base+".kind", "unknown provider kind %q", p.Kind)
		}

		if p.Disabled {
			continue
		}
		targets := p.Protocols
		if len(targets) == 0 {
			targets = []string{"*"}
		}
		for _, proto := range targets {
			for _, c := range classes {
				mark(proto, c)
			}
		}
	}
	return served
}

func (v *validator) proposalsOnly(base string, classes []domain.MetricClass) {
	for _, c := range classes {
		if c != domain.ClassProposals {
			v.add(base+".classes", "%s only serves proposals, got %s", base, c)
		}
	}
}

func (v *validator) protocols(list []ProtocolConfig, served map[string]map[domain.MetricClass]bool) {
	if len(list) == 0 {
		v.add("protocols", "at least one protocol is required")
		return
	}
	seen := map[string]bool{}
	for i, p := range list {
		base := fmt.Sprintf("protocols[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			v.add(base+".name", "required")
			continue
		}
		if strings.Contains(name, "/") {
			v.add(base+".name", "must not contain '/'")
		}
		if seen[name] {
			v.add(base+".name", "duplicate protocol %q", name)
		}
		seen[name] = true
		if len(p.Classes) == 0 {
			v.add(base+".classes", "at least one class is required")
		}
		for _, c := range p.Classes {
			mc := domain.MetricClass(c)
			if !mc.Valid() {
				v.add(base+".classes", "unknown metric class %q", c)
				continue
			}
			if !served["*"][mc] && !served[name][mc] {
				v.add(base+".classes", "no enabled provider serves %s", domain.UnitKey(name, mc))
			}
		}
	}
}

func (v *validator) classifier(c ClassifierConfig) {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "", "keyword":
	case "openai", "chain":
		if c.OpenAI == nil || strings.TrimSpace(c.OpenAI.APIKey) == "" {
			v.add("classifier.openai.api_key", "required for backend %q", c.Backend)
		}
	default:
		v.add("classifier.backend", "unknown backend %q", c.Backend)
	}
	v.duration("classifier.timeout", c.Timeout)
	if c.Budget < 0 {
		v.add("classifier.budget", "must be >= 0")
	}
	if c.DeferredMax < 0 {
		v.add("classifier.deferred_max", "must be >= 0")
	}
}

func (v *validator) notifier(n NotifierConfig, hasRedis bool) {
	v.duration("notifier.backoff_base", n.BackoffBase)
	v.duration("notifier.backoff_max", n.BackoffMax)
	v.duration("notifier.send_timeout", n.SendTimeout)
	v.duration("notifier.history_window", n.HistoryWindow)
	if n.MaxAttempts < 0 {
		v.add("notifier.max_attempts", "must be >= 0")
	}
	if n.BackoffFactor < 0 {
		v.add("notifier.backoff_factor", "must be >= 0")
	}
	if n.DeadLetterStream != "" && !hasRedis {
		v.add("notifier.dead_letter_stream", "requires cache.redis")
	}

	ch := n.Channels
	if e := ch.Email; e != nil && e.Enabled {
		if strings.TrimSpace(e.Host) == "" {
			v.add("notifier.channels.email.host", "required")
		}
		if strings.TrimSpace(e.From) == "" {
			v.add("notifier.channels.email.from", "required")
		}
		if len(e.Recipients) == 0 {
			v.add("notifier.channels.email.recipients", "at least one recipient is required")
		}
		v.severity("notifier.channels.email.min_severity", e.MinSeverity)
	}
	if s := ch.Slack; s != nil && s.Enabled {
		if strings.TrimSpace(s.WebhookURL) == "" {
			v.add("notifier.channels.slack.webhook_url", "required")
		}
		v.severity("notifier.channels.slack.min_severity", s.MinSeverity)
	}
	if d := ch.Desktop; d != nil && d.Enabled {
		v.severity("notifier.channels.desktop.min_severity", d.MinSeverity)
	}
	if t := ch.Telegram; t != nil && t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			v.add("notifier.channels.telegram.token", "required")
		}
		if len(t.ChatIDs) == 0 {
			v.add("notifier.channels.telegram.chat_ids", "at least one chat id is required")
		}
		v.severity("notifier.channels.telegram.min_severity", t.MinSeverity)
	}
}

func (v *validator) storage(s StorageConfig) {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			v.add("storage.path", "required for driver %q", s.Driver)
		}
	case "postgres", "pgx":
		if strings.TrimSpace(s.DSN) == "" {
			v.add("storage.dsn", "required for driver %q", s.Driver)
		}
	default:
		v.add("storage.driver", "unknown driver %q", s.Driver)
	}
	v.duration("storage.busy_timeout", s.BusyTimeout)
	if s.HistorySize < 0 {
		v.add("storage.history_size", "must be >= 0")
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
