package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"govwatch/internal/domain"
	logx "govwatch/pkg/logx"
)

// ConfigManager reads, expands and validates the configuration file once.
// The committed *Config is never mutated afterwards.
type ConfigManager struct {
	path     string
	envFiles []string

	mu  sync.RWMutex
	cfg *Config

	log logx.Logger
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetEnvFiles overrides the dotenv files loaded before parsing.
// By default ".env" next to the config file is used when it exists.
func (m *ConfigManager) SetEnvFiles(files ...string) { m.envFiles = files }

func (m *ConfigManager) Path() string { return m.path }

// Parse decodes the file strictly (unknown keys are errors) and expands ${VAR}
// references in secret fields. It does not validate.
func (m *ConfigManager) Parse() (*Config, error) {
	if err := m.loadEnv(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, b)
}

func decode(path string, b []byte) (*Config, error) {
	jb, format, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	expandSecrets(&cfg)
	return &cfg, nil
}

// Load parses, validates and commits the configuration.
// Validation failures wrap domain.ErrConfigurationInvalid.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigurationInvalid, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	if !m.log.IsZero() {
		m.log.Debug("config loaded",
			logx.String("path", m.path),
			logx.Int("providers", len(cfg.Providers)),
			logx.Int("protocols", len(cfg.Protocols)),
		)
	}
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) loadEnv() error {
	files := m.envFiles
	if len(files) == 0 {
		files = []string{filepath.Join(filepath.Dir(m.path), ".env")}
	}
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		// godotenv never overrides variables already present in the environment.
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", f, err)
		}
		if !m.log.IsZero() {
			m.log.Debug("env file loaded", logx.String("path", f))
		}
	}
	return nil
}

// expandSecrets resolves ${VAR} in fields that usually hold credentials.
// Only these fields are expanded so literal '$' elsewhere is left alone.
func expandSecrets(cfg *Config) {
	ex := func(s *string) {
		if strings.Contains(*s, "$") {
			*s = os.ExpandEnv(*s)
		}
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		ex(&p.APIKey)
		ex(&p.BaseURL)
		for k, v := range p.Headers {
			ex(&v)
			p.Headers[k] = v
		}
	}
	if r := cfg.Cache.Redis; r != nil {
		ex(&r.Addr)
		ex(&r.Password)
	}
	if o := cfg.Classifier.OpenAI; o != nil {
		ex(&o.APIKey)
		ex(&o.BaseURL)
		if o.APIKey == "" {
			o.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	ch := &cfg.Notifier.Channels
	if ch.Email != nil {
		ex(&ch.Email.Username)
		ex(&ch.Email.Password)
	}
	if ch.Slack != nil {
		ex(&ch.Slack.WebhookURL)
	}
	if ch.Telegram != nil {
		ex(&ch.Telegram.Token)
	}
	ex(&cfg.Storage.DSN)
	ex(&cfg.API.Token)
	ex(&cfg.Telemetry.Endpoint)
	ex(&cfg.Telemetry.Headers)
}
