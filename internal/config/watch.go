package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/kmxunan/0C-sub003/internal/logger"
)

// WatchFile calls onChange each time the file at path is written or
// replaced. It runs until ctx is cancelled.
//
// The parent directory is watched so that editors saving through a rename
// keep triggering reloads.
func WatchFile(ctx context.Context, path string, onChange func()) error {
	log := logger.WithComponent("config_watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	log.Info().Str("path", target).Msg("watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			log.Info().Str("path", target).Str("op", event.Op.String()).Msg("file changed")
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watcher error")
		}
	}
}
