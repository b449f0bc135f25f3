package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"govwatch/internal/domain"
	logx "govwatch/pkg/logx"
)

// fileStore lays files out under one directory:
//
//	protocols/<protocol>.json   ProtocolDocument, rewritten atomically
//	fetch_history.json          []CycleRecord, capped, rewritten atomically
//	changes.jsonl               ChangeRecord per line
//	dead_letters.jsonl          NotificationJob per line
//	dedup.snapshot.json         compacted dedup marks
//	dedup.journal.jsonl         dedup marks since the last compaction
type fileStore struct {
	log logx.Logger
	dir string

	historySize int

	mu sync.Mutex

	changesFile *os.File
	deadFile    *os.File
	history     []domain.CycleRecord

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

const dedupCompactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Join(dir, "protocols"), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:               log,
		dir:               dir,
		historySize:       cfg.HistorySize,
		dedupSnapshotPath: filepath.Join(dir, "dedup.snapshot.json"),
		dedup:             map[string]int64{},
	}

	if err := readJSON(s.historyPath(), &s.history); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("fetch history unreadable; starting empty", logx.Err(err))
		s.history = nil
	}

	journalPath := filepath.Join(dir, "dedup.journal.jsonl")
	if err := readJSON(s.dedupSnapshotPath, &s.dedup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("dedup snapshot unreadable", logx.Err(err))
	}
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup)

	var err error
	if s.changesFile, err = openAppend(filepath.Join(dir, "changes.jsonl")); err != nil {
		return nil, err
	}
	if s.deadFile, err = openAppend(filepath.Join(dir, "dead_letters.jsonl")); err != nil {
		_ = s.changesFile.Close()
		return nil, err
	}
	if s.dedupJournalFile, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.changesFile.Close()
		_ = s.deadFile.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) protocolPath(protocol string) string {
	return filepath.Join(s.dir, "protocols", protocol+".json")
}

func (s *fileStore) historyPath() string { return filepath.Join(s.dir, "fetch_history.json") }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.changesFile, &s.deadFile, &s.dedupJournalFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) SaveProtocolState(_ context.Context, doc domain.ProtocolDocument) error {
	if strings.ContainsAny(doc.Protocol, `/\`) || strings.TrimSpace(doc.Protocol) == "" {
		return fmt.Errorf("invalid protocol name %q", doc.Protocol)
	}
	doc.Count = len(doc.Items)
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.protocolPath(doc.Protocol), doc)
}

func (s *fileStore) LoadProtocolState(_ context.Context, protocol string) (domain.ProtocolDocument, bool, error) {
	var doc domain.ProtocolDocument
	s.mu.Lock()
	defer s.mu.Unlock()
	err := readJSON(s.protocolPath(protocol), &doc)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.ProtocolDocument{}, false, nil
	}
	if err != nil {
		return domain.ProtocolDocument{}, false, fmt.Errorf("read protocol state %s: %w", protocol, err)
	}
	return doc, true, nil
}

func (s *fileStore) ListProtocolStates(ctx context.Context) ([]domain.ProtocolDocument, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "protocols"))
	if err != nil {
		return nil, err
	}
	var out []domain.ProtocolDocument
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		doc, ok, err := s.LoadProtocolState(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.log.Warn("skipping unreadable protocol state", logx.String("file", name), logx.Err(err))
			continue
		}
		if ok {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol < out[j].Protocol })
	return out, nil
}

func (s *fileStore) AppendCycle(_ context.Context, rec domain.CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := appendCapped(append([]domain.CycleRecord(nil), s.history...), rec, s.historySize)
	if err := writeJSONAtomic(s.historyPath(), next); err != nil {
		return err
	}
	s.history = next
	return nil
}

func (s *fileStore) RecentCycles(_ context.Context, limit int) ([]domain.CycleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.history, limit), nil
}

func (s *fileStore) AppendChange(_ context.Context, rec domain.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.changesFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.changesFile).Encode(rec)
}

func (s *fileStore) PutDeadLetter(_ context.Context, job domain.NotificationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.deadFile).Encode(job)
}

func (s *fileStore) DeadLetters(_ context.Context, limit int) ([]domain.NotificationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := readJSONLines[domain.NotificationJob](filepath.Join(s.dir, "dead_letters.jsonl"))
	if err != nil {
		return nil, err
	}
	return newestFirst(all, limit), nil
}

func (s *fileStore) RecentChanges(_ context.Context, limit int) ([]domain.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := readJSONLines[domain.ChangeRecord](filepath.Join(s.dir, "changes.jsonl"))
	if err != nil {
		return nil, err
	}
	return newestFirst(all, limit), nil
}

// readJSONLines decodes one value per line. Torn or malformed lines are skipped.
func readJSONLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			continue
		}
		all = append(all, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return all, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return ErrClosed
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%dedupCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok || ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)
	if err := writeJSONAtomic(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournalFile.Seek(0, 2)
	return err
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
