package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"govwatch/internal/domain"
)

type memStore struct {
	mu          sync.Mutex
	historySize int
	protocols   map[string]domain.ProtocolDocument
	cycles      []domain.CycleRecord
	changes     []domain.ChangeRecord
	dedup       map[string]time.Time
	dead        []domain.NotificationJob
}

// NewMemory returns a process-local Store.
func NewMemory(historySize int) Store {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &memStore{
		historySize: historySize,
		protocols:   map[string]domain.ProtocolDocument{},
		dedup:       map[string]time.Time{},
	}
}

func (m *memStore) SaveProtocolState(_ context.Context, doc domain.ProtocolDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.Items = append([]domain.ProposalRecord(nil), doc.Items...)
	m.protocols[doc.Protocol] = doc
	return nil
}

func (m *memStore) LoadProtocolState(_ context.Context, protocol string) (domain.ProtocolDocument, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.protocols[protocol]
	return doc, ok, nil
}

func (m *memStore) ListProtocolStates(_ context.Context) ([]domain.ProtocolDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ProtocolDocument, 0, len(m.protocols))
	for _, d := range m.protocols {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol < out[j].Protocol })
	return out, nil
}

func (m *memStore) AppendCycle(_ context.Context, rec domain.CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = appendCapped(m.cycles, rec, m.historySize)
	return nil
}

func (m *memStore) RecentCycles(_ context.Context, limit int) ([]domain.CycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.cycles, limit), nil
}

func (m *memStore) AppendChange(_ context.Context, rec domain.ChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = appendCapped(m.changes, rec, m.historySize*10)
	return nil
}

func (m *memStore) RecentChanges(_ context.Context, limit int) ([]domain.ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.changes, limit), nil
}

func (m *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	return nil
}

func (m *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	if ok && until.Before(time.Now()) {
		delete(m.dedup, key)
		return time.Time{}, false, nil
	}
	return until, ok, nil
}

func (m *memStore) PutDeadLetter(_ context.Context, job domain.NotificationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, job)
	return nil
}

func (m *memStore) DeadLetters(_ context.Context, limit int) ([]domain.NotificationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.dead, limit), nil
}

func (m *memStore) Close() error { return nil }

func appendCapped[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if max > 0 && len(s) > max {
		s = append(s[:0:0], s[len(s)-max:]...)
	}
	return s
}

// newestFirst copies the last limit items of s in reverse order.
func newestFirst[T any](s []T, limit int) []T {
	if limit <= 0 || limit > len(s) {
		limit = len(s)
	}
	out := make([]T, 0, limit)
	for i := len(s) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s[i])
	}
	return out
}
