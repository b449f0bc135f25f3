package config

// Config is the whole configuration surface. It is decoded once at startup,
// validated, and then treated as immutable: components receive it (or a typed
// slice of it) through their constructors.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Cache      CacheConfig      `json:"cache"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Fetch      FetchConfig      `json:"fetch"`
	Providers  []ProviderConfig `json:"providers"`
	Protocols  []ProtocolConfig `json:"protocols"`
	Classifier ClassifierConfig `json:"classifier"`
	Notifier   NotifierConfig   `json:"notifier"`
	Storage    StorageConfig    `json:"storage"`
	API        APIConfig        `json:"api"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls refresh triggers and cycle execution.
//
// Defaults:
//   - daily_at: "09:00"
//   - concurrency: 8
//   - cycle_deadline: "5m"
//   - history_size: 200
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// DailyAt is "HH:MM" in Timezone.
	DailyAt string `json:"daily_at"`
	// Interval is an optional extra trigger: cron, "@every 30m", "30m" or "HH:MM" interval.
	Interval      string `json:"interval,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	Concurrency   int    `json:"concurrency,omitempty"`
	CycleDeadline string `json:"cycle_deadline,omitempty"`
	RunOnStart    bool   `json:"run_on_start,omitempty"`
	// NodeID seeds cycle ids (0..1023).
	NodeID      int64 `json:"node_id,omitempty"`
	HistorySize int   `json:"history_size,omitempty"`
}

// CacheConfig holds the TTL table (class -> duration) and an optional redis mirror.
type CacheConfig struct {
	TTL   map[string]string `json:"ttl"`
	Redis *RedisConfig      `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	// MirrorTTL bounds how long mirrored snapshots live in redis. Default 24h.
	MirrorTTL string `json:"mirror_ttl,omitempty"`
}

// RateLimitConfig caps sources whose budget is zero or unknown.
type RateLimitConfig struct {
	SafetyCeiling int    `json:"safety_ceiling,omitempty"`
	SafetyWindow  string `json:"safety_window,omitempty"`
}

// FetchConfig controls per-call timeouts and provider disablement.
type FetchConfig struct {
	Timeout      string `json:"timeout,omitempty"`
	DisableAfter int    `json:"disable_after,omitempty"`
	CooldownBase string `json:"cooldown_base,omitempty"`
	CooldownMax  string `json:"cooldown_max,omitempty"`
}

// ProviderConfig declares one data source. Order inside a tier is the list order.
//
// Kind selects the producer implementation:
//   - "jsonapi": HTTP JSON endpoint per class (paths templated with {protocol} and {id})
//   - "htmltable": proposal index page scraped with CSS selectors
//   - "filedrop": proposal documents dropped in a directory by external scripts
type ProviderConfig struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Tier      string   `json:"tier"`
	Classes   []string `json:"classes"`
	Protocols []string `json:"protocols,omitempty"`

	RateBudget int    `json:"rate_budget,omitempty"`
	Window     string `json:"window,omitempty"`

	BaseURL      string            `json:"base_url,omitempty"`
	APIKey       string            `json:"api_key,omitempty"`
	APIKeyHeader string            `json:"api_key_header,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Paths        map[string]string `json:"paths,omitempty"`
	IDs          map[string]string `json:"ids,omitempty"`
	Disabled     bool              `json:"disabled,omitempty"`

	HTML *HTMLTableConfig `json:"html,omitempty"`

	Dir   string `json:"dir,omitempty"`
	Watch bool   `json:"watch,omitempty"`
}

// HTMLTableConfig describes how to read a proposal index page.
//
// Columns are zero-based and default to id=0, title=1, author=2, status=-1.
// A negative column is ignored. Without a status column the status comes from
// TableStatuses[tableIndex].
type HTMLTableConfig struct {
	Table         string   `json:"table,omitempty"`
	IDColumn      *int     `json:"id_column,omitempty"`
	TitleColumn   *int     `json:"title_column,omitempty"`
	AuthorColumn  *int     `json:"author_column,omitempty"`
	StatusColumn  *int     `json:"status_column,omitempty"`
	TableStatuses []string `json:"table_statuses,omitempty"`
	IDPrefix      string   `json:"id_prefix,omitempty"`
	LinkBase      string   `json:"link_base,omitempty"`
}

type ProtocolConfig struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name,omitempty"`
	ProposalKind string   `json:"proposal_kind,omitempty"`
	Classes      []string `json:"classes"`
}

// ClassifierConfig selects the impact analyzer.
//
// Backend: "keyword" (default), "openai", or "chain" (openai, falling back to keyword).
type ClassifierConfig struct {
	Backend     string        `json:"backend,omitempty"`
	Timeout     string        `json:"timeout,omitempty"`
	Budget      int           `json:"budget,omitempty"`
	DeferredMax int           `json:"deferred_max,omitempty"`
	OpenAI      *OpenAIConfig `json:"openai,omitempty"`
}

type OpenAIConfig struct {
	APIKey    string `json:"api_key,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// NotifierConfig controls delivery.
//
// Defaults:
//   - max_attempts: 3
//   - backoff_base: "2s", backoff_factor: 4, backoff_max: "32s"
//   - history_window: "48h"
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	BackoffBase   string `json:"backoff_base,omitempty"`
	BackoffFactor int    `json:"backoff_factor,omitempty"`
	BackoffMax    string `json:"backoff_max,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	HistoryWindow string `json:"history_window,omitempty"`
	HistoryMax    int    `json:"history_max,omitempty"`
	// DeadLetterStream, when set and cache.redis is configured, receives dead-lettered jobs.
	DeadLetterStream string         `json:"dead_letter_stream,omitempty"`
	Channels         ChannelsConfig `json:"channels"`
}

type ChannelsConfig struct {
	Email    *EmailConfig    `json:"email,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`
	Desktop  *DesktopConfig  `json:"desktop,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type EmailConfig struct {
	Enabled     bool     `json:"enabled"`
	Host        string   `json:"host"`
	Port        int      `json:"port,omitempty"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	From        string   `json:"from"`
	Recipients  []string `json:"recipients"`
	MinSeverity string   `json:"min_severity,omitempty"`
}

type SlackConfig struct {
	Enabled     bool     `json:"enabled"`
	WebhookURL  string   `json:"webhook_url"`
	Username    string   `json:"username,omitempty"`
	IconEmoji   string   `json:"icon_emoji,omitempty"`
	Recipients  []string `json:"recipients,omitempty"`
	MinSeverity string   `json:"min_severity,omitempty"`
}

type DesktopConfig struct {
	Enabled     bool   `json:"enabled"`
	MinSeverity string `json:"min_severity,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool    `json:"enabled"`
	Token       string  `json:"token"`
	ChatIDs     []int64 `json:"chat_ids"`
	MinSeverity string  `json:"min_severity,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data" }
//	"storage": { "driver": "sqlite", "path": "./data/govwatch.db" }
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// APIConfig controls the operator HTTP surface.
//
// Prefer binding to localhost; set a token when exposing it elsewhere.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	// AllowInsecure permits a non-loopback addr without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ (behind the token).
	Pprof bool `json:"pprof,omitempty"`
}

type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Headers     string `json:"headers,omitempty"`
}
