package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	debounceDelay = 200 * time.Millisecond
	recreateDelay = 50 * time.Millisecond
)

// Watcher watches the config file for changes and delivers reloaded
// configurations to registered callbacks. A change that fails to load
// or validate is logged and dropped; the running config stays in effect.
type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	callbacks  []func(*Config)
	mu         sync.RWMutex
	debounce   map[string]*time.Timer
	debounceMu sync.Mutex
}

// NewWatcher creates a new config file watcher.
func NewWatcher() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsWatcher: fsw,
		debounce:  make(map[string]*time.Timer),
	}, nil
}

// Watch starts watching the given config file until ctx is done.
func (w *Watcher) Watch(ctx context.Context, path string) {
	logger := zerolog.Ctx(ctx)

	if err := w.fsWatcher.Add(path); err != nil {
		logger.Warn().Err(err).Str("file", path).Msg("failed to watch config file")
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = w.fsWatcher.Close()
				return

			case event, ok := <-w.fsWatcher.Events:
				if !ok {
					return
				}

				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
					event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
					logger.Debug().
						Str("file", event.Name).
						Str("op", event.Op.String()).
						Msg("config change detected")

					// Debounce: only reload after no changes for debounceDelay
					w.debounceReload(ctx, event.Name)

					// Re-add file if it was removed/renamed (common with atomic writes)
					if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
						time.Sleep(recreateDelay) // Wait for file recreation
						_ = w.fsWatcher.Add(event.Name)
					}
				}

			case err, ok := <-w.fsWatcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("fsnotify error")
			}
		}
	}()
}

// debounceReload ensures a reload only fires after debounceDelay of inactivity.
func (w *Watcher) debounceReload(ctx context.Context, file string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounce[file]; exists {
		timer.Stop()
	}

	w.debounce[file] = time.AfterFunc(debounceDelay, func() {
		w.reload(ctx, file)

		w.debounceMu.Lock()
		delete(w.debounce, file)
		w.debounceMu.Unlock()
	})
}

func (w *Watcher) reload(ctx context.Context, file string) {
	logger := zerolog.Ctx(ctx)

	cfg, err := Load(file)
	if err != nil {
		logger.Warn().Err(err).Str("file", file).Msg("config reload rejected")
		return
	}

	logger.Info().Str("file", file).Msg("config reloaded")

	w.mu.RLock()
	callbacks := w.callbacks
	w.mu.RUnlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}

// OnReload registers a callback invoked with each successfully reloaded config.
func (w *Watcher) OnReload(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsWatcher.Close()
}
