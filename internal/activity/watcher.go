package activity

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a path must be quiet before its change is
// recorded.
const DefaultDebounce = 500 * time.Millisecond

// WatcherConfig configures a [Watcher].
type WatcherConfig struct {
	Dirs     []string
	Debounce time.Duration

	// Changes receives one entry per settled change. Required.
	Changes *Tracker

	// OnChange runs on the watcher goroutine after a change settles.
	// Optional; must not block.
	OnChange func(path, op string)

	Logger *slog.Logger
}

// Watcher records changes to files under a set of directories. Rapid
// successive events on the same path are collapsed into one change.
type Watcher struct {
	cfg     WatcherConfig
	fsw     *fsnotify.Watcher
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	pending map[string]pendingChange
}

type pendingChange struct {
	op   string
	last time.Time
}

// NewWatcher returns a watcher. It does not watch anything until Start.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Changes == nil {
		return nil, errors.New("activity: WatcherConfig.Changes is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:     cfg,
		fsw:     fsw,
		logger:  cfg.Logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		pending: make(map[string]pendingChange),
	}, nil
}

// Recent implements executor.ContextSource.
func (w *Watcher) Recent(now time.Time) []string {
	return w.cfg.Changes.Recent(now)
}

// Start adds each configured directory and its subdirectories and begins
// watching. Directories that cannot be watched are logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	watched := 0
	for _, dir := range w.cfg.Dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if path != dir && ignored(path) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				w.logger.Warn("cannot watch directory", "dir", path, "error", err)
				return nil
			}
			watched++
			return nil
		})
		if err != nil {
			w.logger.Warn("cannot walk watch directory", "dir", dir, "error", err)
		}
	}
	w.logger.Info("data change watcher started", "dirs", len(w.cfg.Dirs), "watched", watched)

	go w.run(ctx)
	return nil
}

// Stop ends watching and waits for the watcher goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.fsw.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("closing file watcher", "error", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.cfg.Debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ignored(ev.Name) {
		return
	}

	var op string
	switch {
	case ev.Has(fsnotify.Create):
		op = "created"
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Debug("cannot watch new directory", "dir", ev.Name, "error", err)
			}
			return
		}
	case ev.Has(fsnotify.Write):
		op = "modified"
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		op = "removed"
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	// A create followed by writes is still a creation.
	if prev, ok := w.pending[ev.Name]; ok && prev.op == "created" && op == "modified" {
		op = prev.op
	}
	w.pending[ev.Name] = pendingChange{op: op, last: time.Now()}
}

// flush records pending changes that have been quiet for the debounce
// interval.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var settled []string
	ops := make(map[string]string)
	for path, p := range w.pending {
		if now.Sub(p.last) >= w.cfg.Debounce {
			settled = append(settled, path)
			ops[path] = p.op
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		op := ops[path]
		w.cfg.Changes.Record(op + " " + w.display(path))
		w.logger.Debug("data change", "path", path, "op", op)
		if w.cfg.OnChange != nil {
			w.cfg.OnChange(path, op)
		}
	}
}

// display returns path relative to the watch root containing it.
func (w *Watcher) display(path string) string {
	for _, dir := range w.cfg.Dirs {
		if rel, err := filepath.Rel(dir, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return path
}

// ignored reports hidden entries, editor swap files and temp files.
func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".tmp")
}
