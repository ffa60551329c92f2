package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the config file into a Store when it changes on disk.
// A document that fails to parse or validate is logged and ignored; the
// previous configuration stays active.
type Watcher struct {
	path     string
	store    *Store
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	onReload func(generation uint64)
}

// NewWatcher creates a watcher for path. The parent directory is watched so
// atomic rename-on-save keeps working.
func NewWatcher(path string, store *Store, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		store:    store,
		debounce: DefaultDebounce,
		logger:   logger,
		watcher:  fw,
	}, nil
}

// OnReload registers a callback run after each accepted reload.
func (w *Watcher) OnReload(fn func(generation uint64)) {
	w.onReload = fn
}

// Start begins watching in the background.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
	w.logger.Info("config watcher started", "path", w.path)
}

// Stop ends the watch loop and releases the watcher.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous configuration",
			"path", w.path,
			"error", err,
		)
		return
	}

	previous, _ := w.store.Get()
	generation := w.store.Set(cfg)
	w.logger.Info("config reloaded",
		"generation", generation,
		"camera", cfg.CameraName,
		"acquisition_changed", AcquisitionChanged(previous, cfg),
	)
	if w.onReload != nil {
		w.onReload(generation)
	}
}
