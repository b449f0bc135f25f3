package storage

import (
	"context"
	"errors"
	"time"

	"govwatch/internal/domain"
)

var ErrClosed = errors.New("storage closed")

const defaultHistorySize = 200

// Config configures storage.
type Config struct {
	Driver string
	// Path is a directory for "file" and a database file for "sqlite".
	Path        string
	DSN         string
	BusyTimeout time.Duration
	// HistorySize caps the fetch-history document. 0 means 200.
	HistorySize int
}

// Store is the persistence API used by the engine.
type Store interface {
	SaveProtocolState(ctx context.Context, doc domain.ProtocolDocument) error
	LoadProtocolState(ctx context.Context, protocol string) (domain.ProtocolDocument, bool, error)
	ListProtocolStates(ctx context.Context) ([]domain.ProtocolDocument, error)

	AppendCycle(ctx context.Context, rec domain.CycleRecord) error
	// RecentCycles returns up to limit records, newest first.
	RecentCycles(ctx context.Context, limit int) ([]domain.CycleRecord, error)

	AppendChange(ctx context.Context, rec domain.ChangeRecord) error
	// RecentChanges returns up to limit change records, newest first.
	RecentChanges(ctx context.Context, limit int) ([]domain.ChangeRecord, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	PutDeadLetter(ctx context.Context, job domain.NotificationJob) error
	// DeadLetters returns up to limit jobs, newest first.
	DeadLetters(ctx context.Context, limit int) ([]domain.NotificationJob, error)

	Close() error
}
