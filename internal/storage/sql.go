package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"govwatch/internal/domain"
	logx "govwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqlStore serves both sqlite and postgres. Statements are built with
// squirrel so only the placeholder format differs between them.
type sqlStore struct {
	db          *sql.DB
	log         logx.Logger
	qb          sq.StatementBuilderType
	historySize int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return newSQLStore(db, sq.Question, cfg, log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newSQLStore(db, sq.Dollar, cfg, log)
}

func newSQLStore(db *sql.DB, ph sq.PlaceholderFormat, cfg Config, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{
		db:          db,
		log:         log,
		qb:          sq.StatementBuilder.PlaceholderFormat(ph),
		historySize: cfg.HistorySize,
		pruneEvery:  500,
	}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, b sq.Sqlizer) error {
	q, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *sqlStore) SaveProtocolState(ctx context.Context, doc domain.ProtocolDocument) error {
	doc.Count = len(doc.Items)
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.exec(ctx, s.qb.Insert("protocol_state").
		Columns("protocol", "generated_at", "item_count", "doc").
		Values(doc.Protocol, doc.GeneratedAt.UnixMilli(), doc.Count, string(raw)).
		Suffix("ON CONFLICT (protocol) DO UPDATE SET generated_at = excluded.generated_at, item_count = excluded.item_count, doc = excluded.doc"))
}

func (s *sqlStore) LoadProtocolState(ctx context.Context, protocol string) (domain.ProtocolDocument, bool, error) {
	q, args, err := s.qb.Select("doc").From("protocol_state").Where(sq.Eq{"protocol": protocol}).ToSql()
	if err != nil {
		return domain.ProtocolDocument{}, false, err
	}
	var raw string
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProtocolDocument{}, false, nil
	}
	if err != nil {
		return domain.ProtocolDocument{}, false, err
	}
	var doc domain.ProtocolDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return domain.ProtocolDocument{}, false, fmt.Errorf("decode protocol state %s: %w", protocol, err)
	}
	return doc, true, nil
}

func (s *sqlStore) ListProtocolStates(ctx context.Context) ([]domain.ProtocolDocument, error) {
	return queryJSON[domain.ProtocolDocument](ctx, s, s.qb.Select("doc").From("protocol_state").OrderBy("protocol"))
}

func (s *sqlStore) AppendCycle(ctx context.Context, rec domain.CycleRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.exec(ctx, s.qb.Insert("cycles").
		Columns("cycle_id", "started_at", "state", "record").
		Values(rec.CycleID, rec.StartedAt.UnixMilli(), rec.State, string(raw)).
		Suffix("ON CONFLICT (cycle_id) DO UPDATE SET state = excluded.state, record = excluded.record"))
	if err != nil {
		return err
	}
	if s.historySize > 0 {
		keep := s.qb.Select("cycle_id").From("cycles").OrderBy("started_at DESC").Limit(uint64(s.historySize))
		return s.exec(ctx, s.qb.Delete("cycles").Where(sq.Expr("cycle_id NOT IN (?)", keep)))
	}
	return nil
}

func (s *sqlStore) RecentCycles(ctx context.Context, limit int) ([]domain.CycleRecord, error) {
	b := s.qb.Select("record").From("cycles").OrderBy("started_at DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return queryJSON[domain.CycleRecord](ctx, s, b)
}

func (s *sqlStore) AppendChange(ctx context.Context, rec domain.ChangeRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.exec(ctx, s.qb.Insert("changes").
		Columns("at", "protocol", "proposal_id", "kind", "severity", "record").
		Values(rec.At.UnixMilli(), rec.Event.Protocol, rec.Event.ProposalID, string(rec.Event.Kind), string(rec.Assessment.Severity), string(raw)))
}

func (s *sqlStore) RecentChanges(ctx context.Context, limit int) ([]domain.ChangeRecord, error) {
	b := s.qb.Select("record").From("changes").OrderBy("at DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return queryJSON[domain.ChangeRecord](ctx, s, b)
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	err := s.exec(ctx, s.qb.Insert("dedup").
		Columns("dedup_key", "expires_at").
		Values(key, until.UnixMilli()).
		Suffix("ON CONFLICT (dedup_key) DO UPDATE SET expires_at = excluded.expires_at"))
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_ = s.exec(pctx, s.qb.Delete("dedup").Where(sq.Lt{"expires_at": time.Now().UnixMilli()}))
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	q, args, err := s.qb.Select("expires_at").From("dedup").
		Where(sq.Eq{"dedup_key": key}).
		Where(sq.GtOrEq{"expires_at": time.Now().UnixMilli()}).
		ToSql()
	if err != nil {
		return time.Time{}, false, err
	}
	var ms int64
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) PutDeadLetter(ctx context.Context, job domain.NotificationJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	at := job.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return s.exec(ctx, s.qb.Insert("dead_letters").
		Columns("job_id", "channel", "at", "job").
		Values(job.ID, job.Channel, at.UnixMilli(), string(raw)).
		Suffix("ON CONFLICT (job_id) DO UPDATE SET at = excluded.at, job = excluded.job"))
}

func (s *sqlStore) DeadLetters(ctx context.Context, limit int) ([]domain.NotificationJob, error) {
	b := s.qb.Select("job").From("dead_letters").OrderBy("at DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return queryJSON[domain.NotificationJob](ctx, s, b)
}

// queryJSON runs a single-column query and decodes each row as JSON.
func queryJSON[T any](ctx context.Context, s *sqlStore, b sq.SelectBuilder) ([]T, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			s.log.Warn("skipping undecodable row", logx.Err(err))
			continue
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
