package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
)

// reloadDebounce coalesces the burst of filesystem events a single
// save tends to produce into one reload.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and
// hands every valid revision to an apply callback. Revisions that
// fail to load or validate are logged and skipped; the previous
// configuration stays in force.
type Watcher struct {
	path     string
	apply    func(*Config)
	clk      clock.Clock
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	started bool
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher prepares a watcher for the file at path. The apply
// callback runs on the watcher goroutine, so it must not block.
func NewWatcher(path string, apply func(*Config), clk clock.Clock, logger *slog.Logger) (*Watcher, error) {
	if apply == nil {
		return nil, ErrNilApply
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     abs,
		apply:    apply,
		clk:      clk,
		logger:   logger,
		debounce: reloadDebounce,
	}, nil
}

// Start begins watching. Safe to call on a started watcher.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config rollouts
	// replace the file by rename, which silently drops a watch that
	// was set on the file itself.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(runCtx, fsw)
	w.started = true

	w.logger.Info("config watcher started", "path", w.path)
	return nil
}

// Stop halts the watcher, waiting for the event loop to drain until
// ctx expires.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.cancel()
	_ = w.fsw.Close()
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
		w.mu.Lock()
		w.started = false
		w.mu.Unlock()
		w.logger.Info("config watcher stopped")
		return nil
	case <-ctx.Done():
		return ErrWatcherShutdownTimeout
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = w.clk.After(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	w.logger.Info("configuration reloaded", "path", w.path)
	w.apply(cfg)
}
