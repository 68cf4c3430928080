package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watcher reloads a registry when its rule file changes on disk.
type Watcher struct {
	registry *Registry
	path     string
	logger   *slog.Logger

	fsw      *fsnotify.Watcher
	debounce time.Duration
	mu       sync.Mutex
	tmr      *time.Timer
	done     chan struct{}
}

// NewWatcher watches the directory containing path, so editors that
// replace the file atomically are still seen.
func NewWatcher(registry *Registry, path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to resolve rule file: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		registry: registry,
		path:     abs,
		logger:   logger,
		fsw:      fsw,
		debounce: watchDebounce,
		done:     make(chan struct{}),
	}, nil
}

// Run handles events until ctx is cancelled or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule(ctx)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rule watcher error", "error", err)
		}
	}
}

// schedule coalesces bursts of events into one reload.
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	if w.tmr != nil {
		w.tmr.Stop()
	}
	w.tmr = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
}

// reload applies the file. A reload already running may have read the file
// before this change, so a busy registry is retried after another debounce.
func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.logger.Info("rule file changed, reloading", "path", w.path)
	_, err := w.registry.Reload(ctx)
	switch {
	case errors.Is(err, ErrReloadInProgress):
		w.logger.Debug("reload busy, retrying", "path", w.path)
		w.schedule(ctx)
	case err != nil:
		w.logger.Warn("reload after file change failed", "error", err)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.tmr != nil {
		w.tmr.Stop()
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
