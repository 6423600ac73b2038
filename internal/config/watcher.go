package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mil-ad/hotspotd/internal/logging"
)

const reloadDebounce = 300 * time.Millisecond

var logger = logging.Module("config")

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	path     string
	onChange func(*Config)
	debounce time.Duration
}

// NewWatcher creates a watcher that hands every successfully parsed
// config to onChange. Parse errors are logged and the old config stays.
func NewWatcher(path string, onChange func(*Config)) *Watcher {
	if path == "" {
		path = Path()
	}
	return &Watcher{path: path, onChange: onChange, debounce: reloadDebounce}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Editors replace the file, so watch the directory and filter by name.
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			cfg, err := Load(w.path)
			if err != nil {
				logger.WithError(err).Warn("Config reload failed, keeping current config")
				continue
			}
			logger.WithField("path", w.path).Info("Config reloaded")
			w.onChange(cfg)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Config watcher error")
		}
	}
}
