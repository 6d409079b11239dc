package skillsregistry

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Registry's taxonomy file whenever it changes on disk,
// so operators can add/re-weight related skills without restarting the
// daemon. Mirrors internal/config.Watcher's debounce-free fsnotify loop.
type Watcher struct {
	path     string
	registry *Registry
	logger   *slog.Logger
}

func NewWatcher(path string, registry *Registry, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, registry: registry, logger: logger}
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := w.registry.Load(w.path); err != nil {
					w.logger.Error("skill taxonomy reload failed", "error", err)
					continue
				}
				w.logger.Info("skill taxonomy reloaded", "path", w.path)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("skill taxonomy watcher error", "error", err)
			}
		}
	}()
	return nil
}
