package filedrop

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "govwatch/pkg/logx"
)

const (
	defaultDebounce    = 500 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher reports which protocols received a new document. Bursts of writes
// are coalesced so partial writes are not picked up.
type Watcher struct {
	dir      string
	debounce time.Duration
	log      logx.Logger
	onDrop   func(protocols []string)

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

func NewWatcher(dir string, debounce time.Duration, log logx.Logger, onDrop func(protocols []string)) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		log:      log.With(logx.String("comp", "filedrop"), logx.String("dir", dir)),
		onDrop:   onDrop,
		pending:  map[string]struct{}{},
	}
}

// Run watches until ctx is done. A broken watcher is recreated with backoff.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	defer w.stopTimer()

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		w.log.Warn("drop watcher restarting", logx.Err(err), logx.Duration("backoff", wait))
		if backoff < restartBackoffMax {
			backoff = min(backoff*2, restartBackoffMax)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (w *Watcher) watchOnce(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.log.Debug("watching drop directory")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if p, ok := ProtocolOf(ev.Name); ok {
				w.schedule(p)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			return err
		}
	}
}

func (w *Watcher) schedule(protocol string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[protocol] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	protocols := make([]string, 0, len(w.pending))
	for p := range w.pending {
		protocols = append(protocols, p)
	}
	w.pending = map[string]struct{}{}
	w.timer = nil
	w.mu.Unlock()

	if len(protocols) == 0 || w.onDrop == nil {
		return
	}
	sort.Strings(protocols)
	w.log.Info("proposal documents dropped", logx.Strings("protocols", protocols))
	w.onDrop(protocols)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
}
