package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a configuration file for changes and reloads it. Only the
// fields a running pipeline can safely swap without a restart take effect
// via OnChange — Server and Processor bind sockets and size worker pools at
// Start, so ServerConfig/ProcessorConfig edits require a restart; a reload
// logs "config reloaded" but does not single out or apply those changes.
type Watcher struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	watcher  *fsnotify.Watcher
	onChange func(*Config)
	logger   *slog.Logger
}

// NewWatcher creates a Watcher over path, loading it once up front so
// Config is populated before Start is ever called.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	return &Watcher{
		path:    path,
		cfg:     cfg,
		watcher: fsw,
		logger:  logger,
	}, nil
}

// Config returns the most recently loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers the callback invoked with the freshly reloaded Config
// every time the watched file changes and reparses successfully. Only one
// callback is supported; a later call replaces the prior one.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.onChange = fn
}

// Start blocks, watching the configuration file until ctx is cancelled.
// Rapid successive writes (editors often save in multiple syscalls) are
// debounced so a half-written file is never reloaded.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("starting config file watcher", "path", w.path)

	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("config watcher error", "error", err)

		case <-debounceTimer.C:
			if err := w.reload(); err != nil {
				w.logger.Error("failed to reload config", "error", err)
				continue
			}
			w.logger.Info("config reloaded")
			if w.onChange != nil {
				w.onChange(w.Config())
			}
		}
	}
}

func (w *Watcher) reload() error {
	newCfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.cfg = newCfg
	w.mu.Unlock()
	return nil
}

// Close releases the underlying fsnotify watch. Safe to call after Start
// has already returned via ctx cancellation, since fsnotify.Watcher.Close
// tolerates a second call.
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
