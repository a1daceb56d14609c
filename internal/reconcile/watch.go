package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/annexmap"
	"pkt.systems/syncabletree/internal/clock"
	"pkt.systems/syncabletree/internal/loggingutil"
	"pkt.systems/syncabletree/internal/storage"
)

// Watch defaults.
const (
	DefaultWatchInterval = time.Minute
	DefaultWatchDebounce = 2 * time.Second
)

// WatchConfig controls how Watch notices remote changes.
type WatchConfig struct {
	// Dirs are watched recursively with fsnotify. When empty, or when no
	// watcher can be set up, Watch polls every Interval.
	Dirs     []string
	Interval time.Duration
	Debounce time.Duration
	Clock    clock.Clock
}

func (c WatchConfig) withDefaults() WatchConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultWatchInterval
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	return c
}

// Watch calls run once, then again after every settled burst of changes
// until ctx is done. Failures of run are logged and retried on the next
// change, except annexmap persistence errors which end the watch.
func (r *Reconciler) Watch(ctx context.Context, cfg WatchConfig, run func(context.Context) error) error {
	cfg = cfg.withDefaults()
	logger := loggingutil.WithSubsystem(r.logger, "reconcile.watch")
	if err := runOnce(ctx, logger, run); err != nil {
		return err
	}
	var events <-chan struct{}
	if len(cfg.Dirs) > 0 {
		sub, err := watchDirs(cfg.Dirs, logger)
		if err != nil {
			logger.Warn("reconcile.watch.fsnotify_unavailable", "error", err, "interval", cfg.Interval)
		} else {
			defer sub.Close()
			events = sub.Events()
			logger.Info("reconcile.watch.fsnotify", "dirs", strings.Join(cfg.Dirs, ","), "debounce", cfg.Debounce)
		}
	}
	if events == nil {
		logger.Info("reconcile.watch.polling", "interval", cfg.Interval)
	}
	for {
		var tick <-chan time.Time
		if events == nil {
			tick = cfg.Clock.After(cfg.Interval)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case _, ok := <-events:
			if !ok {
				logger.Warn("reconcile.watch.fsnotify_closed", "interval", cfg.Interval)
				events = nil
				continue
			}
			if !settle(ctx, cfg, events) {
				return nil
			}
		}
		if err := runOnce(ctx, logger, run); err != nil {
			return err
		}
	}
}

// settle waits until no event arrived for cfg.Debounce.
func settle(ctx context.Context, cfg WatchConfig, events <-chan struct{}) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case _, ok := <-events:
			if !ok {
				return true
			}
		case <-cfg.Clock.After(cfg.Debounce):
			return true
		}
	}
}

func runOnce(ctx context.Context, logger pslog.Logger, run func(context.Context) error) error {
	err := run(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	var perr *annexmap.PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	logger.Warn("reconcile.watch.run_failed", "error", err)
	return nil
}

type dirWatch struct {
	watcher *fsnotify.Watcher
	roots   []string
	logger  pslog.Logger
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func watchDirs(dirs []string, logger pslog.Logger) (*dirWatch, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("reconcile: create watcher: %w", err)
	}
	w := &dirWatch{
		watcher: watcher,
		logger:  logger,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("reconcile: resolve %s: %w", dir, err)
		}
		w.roots = append(w.roots, abs)
		if err := w.addTree(abs); err != nil {
			watcher.Close()
			return nil, err
		}
	}
	go w.run()
	return w, nil
}

func (w *dirWatch) Events() <-chan struct{} { return w.events }

func (w *dirWatch) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
	})
	return err
}

func (w *dirWatch) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.reserved(p) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("reconcile: watch %s: %w", p, err)
		}
		return nil
	})
}

// reserved reports bookkeeping paths whose changes never warrant a rescan.
func (w *dirWatch) reserved(p string) bool {
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		return storage.IsReserved(filepath.ToSlash(rel))
	}
	return false
}

func (w *dirWatch) run() {
	defer close(w.events)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.reserved(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Debug("reconcile.watch.add_failed", "dir", ev.Name, "error", err)
					}
				}
			}
			w.signal()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("reconcile.watch.error", "error", err)
			w.signal()
		}
	}
}

func (w *dirWatch) signal() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
