package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govwatch/internal/domain"
)

func TestLoadValidYAML(t *testing.T) {
	t.Setenv("GOVWATCH_TEST_CG_KEY", "secret-key")
	m := NewConfigManager(filepath.Join("testdata", "valid.yaml"))
	m.SetEnvFiles(filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	assert.Equal(t, "secret-key", cfg.Providers[0].APIKey)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)

	ttl, err := cfg.Cache.TTLTable()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, ttl[domain.ClassMarket])
	assert.Equal(t, 60*time.Minute, ttl[domain.ClassProposals], "defaults survive partial overrides")
	assert.Equal(t, 15*time.Minute, ttl[domain.ClassDeFi])
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	raw, err := os.ReadFile(filepath.Join("testdata", "valid.yaml"))
	require.NoError(t, err)
	patched := strings.Replace(string(raw), "${GOVWATCH_TEST_CG_KEY}", "${GOVWATCH_TEST_DOTENV_KEY}", 1)
	cfgPath := filepath.Join(dir, "govwatch.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(patched), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GOVWATCH_TEST_DOTENV_KEY=from-dotenv\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("GOVWATCH_TEST_DOTENV_KEY") })

	cfg, err := NewConfigManager(cfgPath).Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Providers[0].APIKey)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := decode("cfg.json", []byte(`{"logging":{"level":"info"},"bogus":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	_, err := decode("cfg.json", []byte(`{} {}`))
	require.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		Providers: []ProviderConfig{{
			Name: "p1", Kind: "jsonapi", Tier: "premium", Classes: []string{"market"},
			BaseURL: "https://api.example", Paths: map[string]string{"market": "/m/{id}"},
		}},
		Protocols: []ProtocolConfig{{Name: "ethereum", Classes: []string{"market"}}},
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	t.Parallel()
	require.NoError(t, Validate(validConfig()))
}

func TestValidateReportsConfigurationInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		edit  func(c *Config)
		field string
	}{
		{"malformed ttl", func(c *Config) { c.Cache.TTL = map[string]string{"market": "soon"} }, "cache.ttl.market"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = map[string]string{"market": "0s"} }, "cache.ttl.market"},
		{"unknown ttl class", func(c *Config) { c.Cache.TTL = map[string]string{"weather": "1m"} }, "cache.ttl.weather"},
		{"bad tier", func(c *Config) { c.Providers[0].Tier = "gold" }, "providers[0].tier"},
		{"missing path", func(c *Config) { c.Providers[0].Paths = nil }, "providers[0].paths.market"},
		{"unserved class", func(c *Config) { c.Protocols[0].Classes = []string{"network"} }, "protocols[0].classes"},
		{"bad daily time", func(c *Config) { c.Scheduler.DailyAt = "25:00" }, "scheduler.daily_at"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"openai without key", func(c *Config) { c.Classifier.Backend = "openai" }, "classifier.openai.api_key"},
		{"email without recipients", func(c *Config) {
			c.Notifier.Channels.Email = &EmailConfig{Enabled: true, Host: "smtp", From: "a@b"}
		}, "notifier.channels.email.recipients"},
		{"bad severity", func(c *Config) {
			c.Notifier.Channels.Desktop = &DesktopConfig{Enabled: true, MinSeverity: "loud"}
		}, "notifier.channels.desktop.min_severity"},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "tape" }, "storage.driver"},
		{"dead letter stream without redis", func(c *Config) { c.Notifier.DeadLetterStream = "dl" }, "notifier.dead_letter_stream"},
		{"public api without token", func(c *Config) { c.API = APIConfig{Enabled: true, Addr: "0.0.0.0:8080"} }, "api.addr"},
		{"api without addr", func(c *Config) { c.API = APIConfig{Enabled: true} }, "api.addr"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.edit(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfigurationInvalid)
			assert.True(t, hasField(err, tt.field), "expected field %s in %v", tt.field, err)
		})
	}
}

func hasField(err error, field string) bool {
	var ce *domain.ConfigError
	if errors.As(err, &ce) && ce.Field == field {
		return true
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			if hasField(e, field) {
				return true
			}
		}
	}
	return false
}

func TestDurationOr(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 3*time.Second, DurationOr("", 3*time.Second))
	assert.Equal(t, time.Minute, DurationOr("1m", 3*time.Second))
	assert.Equal(t, 3*time.Second, DurationOr("nope", 3*time.Second))
}
