// Package cache holds the current MetricSnapshot per (protocol, class) and
// decides freshness from a per-class TTL table.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"govwatch/internal/domain"
	"govwatch/pkg/keylock"
	logx "govwatch/pkg/logx"
)

const (
	fallbackTTL    = 5 * time.Minute
	mirrorDeadline = 2 * time.Second
)

// Mirror persists snapshots outside the process so a restarted engine still has
// stale values to serve in degraded mode.
type Mirror interface {
	Save(ctx context.Context, snap domain.MetricSnapshot) error
	Load(ctx context.Context, protocol string, class domain.MetricClass) (domain.MetricSnapshot, bool, error)
}

type Config struct {
	TTL map[domain.MetricClass]time.Duration
}

// Entry is a read-only view used by the API.
type Entry struct {
	Snapshot domain.MetricSnapshot `json:"snapshot"`
	TTL      time.Duration         `json:"ttl"`
	Stale    bool                  `json:"stale"`
}

type Store struct {
	ttl    map[domain.MetricClass]time.Duration
	locks  keylock.Map
	mu     sync.RWMutex
	snaps  map[string]domain.MetricSnapshot
	mirror Mirror
	log    logx.Logger

	now func() time.Time
}

// New builds a Store. mirror may be nil.
func New(cfg Config, log logx.Logger, mirror Mirror) *Store {
	ttl := make(map[domain.MetricClass]time.Duration, len(cfg.TTL))
	for k, v := range cfg.TTL {
		ttl[k] = v
	}
	return &Store{
		ttl:    ttl,
		snaps:  map[string]domain.MetricSnapshot{},
		mirror: mirror,
		log:    log.With(logx.String("comp", "cache")),
		now:    time.Now,
	}
}

// TTL returns the freshness window for class.
func (s *Store) TTL(class domain.MetricClass) time.Duration {
	if d, ok := s.ttl[class]; ok && d > 0 {
		return d
	}
	return fallbackTTL
}

// Get returns the snapshot while it is fresh. It reports not-found once the
// TTL has strictly elapsed since FetchedAt.
func (s *Store) Get(protocol string, class domain.MetricClass) (domain.MetricSnapshot, bool) {
	key := domain.UnitKey(protocol, class)
	unlock := s.locks.RLock(key)
	defer unlock()

	snap, ok := s.load(key)
	if !ok {
		return domain.MetricSnapshot{}, false
	}
	if s.now().Sub(snap.FetchedAt) > s.TTL(class) {
		return domain.MetricSnapshot{}, false
	}
	return snap, true
}

// GetStale returns the last written snapshot regardless of age. When nothing is
// held in memory it falls back to the mirror.
func (s *Store) GetStale(protocol string, class domain.MetricClass) (domain.MetricSnapshot, bool) {
	key := domain.UnitKey(protocol, class)
	unlock := s.locks.RLock(key)
	snap, ok := s.load(key)
	unlock()
	if ok || s.mirror == nil {
		return snap, ok
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorDeadline)
	defer cancel()
	snap, ok, err := s.mirror.Load(ctx, protocol, class)
	if err != nil {
		s.log.Warn("cache mirror load failed", logx.String("key", key), logx.Err(err))
		return domain.MetricSnapshot{}, false
	}
	if !ok {
		return domain.MetricSnapshot{}, false
	}

	unlock = s.locks.Lock(key)
	defer unlock()
	// A concurrent Put wins over the mirrored copy.
	if cur, ok := s.load(key); ok {
		return cur, true
	}
	s.store(key, snap)
	return snap, true
}

// Put replaces the current snapshot. The mirror write is best effort.
func (s *Store) Put(protocol string, class domain.MetricClass, snap domain.MetricSnapshot) {
	snap.Protocol = protocol
	snap.Class = class
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = s.now()
	}
	key := domain.UnitKey(protocol, class)

	unlock := s.locks.Lock(key)
	s.store(key, snap)
	unlock()

	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorDeadline)
	defer cancel()
	if err := s.mirror.Save(ctx, snap); err != nil {
		s.log.Warn("cache mirror save failed", logx.String("key", key), logx.Err(err))
	}
}

// Entries lists every held snapshot with its staleness, sorted by key.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, Entry{Snapshot: snap})
	}
	s.mu.RUnlock()

	now := s.now()
	for i := range out {
		ttl := s.TTL(out[i].Snapshot.Class)
		out[i].TTL = ttl
		out[i].Stale = now.Sub(out[i].Snapshot.FetchedAt) > ttl
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Snapshot.Key() < out[j].Snapshot.Key() })
	return out
}

// Lookup returns the held snapshot and whether it is stale.
func (s *Store) Lookup(protocol string, class domain.MetricClass) (Entry, bool) {
	snap, ok := s.GetStale(protocol, class)
	if !ok {
		return Entry{}, false
	}
	ttl := s.TTL(class)
	return Entry{Snapshot: snap, TTL: ttl, Stale: s.now().Sub(snap.FetchedAt) > ttl}, true
}

func (s *Store) load(key string) (domain.MetricSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[key]
	return snap, ok
}

func (s *Store) store(key string, snap domain.MetricSnapshot) {
	s.mu.Lock()
	s.snaps[key] = snap
	s.mu.Unlock()
}
