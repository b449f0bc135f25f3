package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestLockIsExclusivePerKey(t *testing.T) {
	t.Parallel()
	var (
		l       Map
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("ethereum/proposals")
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen.Load() != 1 {
		t.Fatalf("observed %d holders at once", maxSeen.Load())
	}
	if l.Len() != 0 {
		t.Fatalf("entries leaked: %d", l.Len())
	}
}

func TestTryLock(t *testing.T) {
	t.Parallel()
	var l Map
	unlock := l.Lock("a")
	if _, ok := l.TryLock("a"); ok {
		t.Fatal("TryLock should fail while held")
	}
	u2, ok := l.TryLock("b")
	if !ok {
		t.Fatal("independent key should be free")
	}
	u2()
	unlock()
	u3, ok := l.TryLock("a")
	if !ok {
		t.Fatal("TryLock should succeed after unlock")
	}
	u3()
}

func TestReadersShare(t *testing.T) {
	t.Parallel()
	var l Map
	r1 := l.RLock("k")
	r2 := l.RLock("k")
	if _, ok := l.TryLock("k"); ok {
		t.Fatal("writer must wait for readers")
	}
	r1()
	r2()
	if l.Len() != 0 {
		t.Fatalf("entries leaked: %d", l.Len())
	}
}
