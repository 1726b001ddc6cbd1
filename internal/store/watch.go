package store

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Store whenever its data file changes on disk outside
// of the Store's own write path — a user editing data.jsonl directly, or
// the ledger syncer / sync orchestrator rewriting it underneath a
// long-lived daemon instance. Debounced: rapid-fire writes (a rename
// followed by a chmod, common with atomic-rewrite editors) collapse into
// one reload.
type Watcher struct {
	store    *Store
	fsw      *fsnotify.Watcher
	log      *slog.Logger
	debounce time.Duration
	done     chan struct{}
}

// WatchStore starts watching store's data file and directory for external
// modification. Call Close to stop.
func WatchStore(s *Store, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors and `git checkout`
	// commonly replace the file via rename, which drops a direct watch.
	if err := fsw.Add(s.dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{store: s, fsw: fsw, log: log, debounce: 200 * time.Millisecond, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	reload := func() {
		if err := w.store.Reload(); err != nil {
			w.log.Warn("store: reload after external change failed", "error", err)
		}
	}
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.store.dataPath && ev.Name != w.store.ephemeralPath {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("store: watch error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
