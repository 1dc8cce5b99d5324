package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch watches dataDir's config.json for changes and invokes onChange with
// the freshly reloaded Config each time it's replaced. Save writes via a
// tmp-file-then-rename, which fsnotify reports as a Create on the directory
// rather than a Write on the file itself, so the watch is registered on
// dataDir and filtered down to config.json's own path.
//
// Runs until ctx is canceled. A watcher-creation failure is returned; any
// later error surfaces only as a log line; a temporarily missing or
// unparsable file on a given event is carried over to the next one.
func Watch(ctx context.Context, dataDir string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := w.Add(dataDir); err != nil {
		_ = w.Close()
		return err
	}

	target := path(dataDir)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !(event.Op&(fsnotify.Write|fsnotify.Create) != 0) {
					continue
				}
				cfg, err := Load(dataDir)
				if err != nil {
					slog.Warn("config_reload_failed", slog.String("path", target), slog.String("error", err.Error()))
					continue
				}
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config_watch_error", slog.String("path", target), slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}
