package storage

import (
	"fmt"
	"strings"

	logx "govwatch/pkg/logx"
)

// Open initializes the configured backend. An empty driver or "none" returns
// an in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return NewMemory(cfg.HistorySize), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
