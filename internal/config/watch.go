package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback receives the freshly loaded configuration after the system
// file changes on disk.
type ChangeCallback func(cfg *Config)

// Watcher reloads the configuration when the underlying file is rewritten
// and notifies registered callbacks. Editors and config management tools
// often replace files via rename, so both write and create events trigger a
// reload.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	callbacks []ChangeCallback
	current   *Config

	fsw *fsnotify.Watcher
}

// NewWatcher creates a watcher for the config file at path. The initial
// configuration is loaded immediately.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:    path,
		logger:  logger.With("component", "config"),
		current: Load(path, logger),
		fsw:     fsw,
	}
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Run watches the config file until ctx is cancelled. Reloads are debounced:
// bursts of events within 200ms collapse into one reload.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	if err := w.fsw.Add(w.path); err != nil {
		w.logger.Warn("config watch unavailable", "path", w.path, "error", err)
		<-ctx.Done()
		return
	}

	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		case <-reload:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg := Load(w.path, w.logger)

	w.mu.Lock()
	w.current = cfg
	callbacks := make([]ChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", "path", w.path)
	for _, cb := range callbacks {
		cb(cfg)
	}
}
