// Package keylock provides per-key read/write mutexes.
//
// Entries are reference counted and removed once nobody holds or waits on them,
// so the map stays proportional to the number of keys in use.
package keylock

import "sync"

type entry struct {
	mu   sync.RWMutex
	refs int
}

// Map is a set of RWMutexes addressed by string key. The zero value is ready to use.
type Map struct {
	mu sync.Mutex
	m  map[string]*entry
}

func (l *Map) acquire(key string) *entry {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*entry)
	}
	e := l.m[key]
	if e == nil {
		e = &entry{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()
	return e
}

func (l *Map) release(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, key)
	}
	l.mu.Unlock()
}

// Lock takes the exclusive lock for key and returns its release func.
func (l *Map) Lock(key string) (unlock func()) {
	e := l.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.release(key, e)
	}
}

// RLock takes a shared lock for key and returns its release func.
func (l *Map) RLock(key string) (unlock func()) {
	e := l.acquire(key)
	e.mu.RLock()
	return func() {
		e.mu.RUnlock()
		l.release(key, e)
	}
}

// TryLock takes the exclusive lock only if it is free.
func (l *Map) TryLock(key string) (unlock func(), ok bool) {
	e := l.acquire(key)
	if !e.mu.TryLock() {
		l.release(key, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		l.release(key, e)
	}, true
}

// Len reports the number of keys currently held or awaited.
func (l *Map) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
