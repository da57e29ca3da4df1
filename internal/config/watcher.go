// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/skald-audio/skald/internal/log"
)

// debounce coalesces the editor write-rename-chmod bursts into one reload.
const debounce = 200 * time.Millisecond

// Watch re-loads the configuration whenever the file at path changes and
// hands the result to onChange. Reload errors are logged and skipped; the
// previous configuration stays in effect. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace files via rename, which drops
	// a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logger := log.WithComponent("config")
	target := filepath.Clean(path)

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")

		case <-fire:
			cfg, err := Load(path)
			if err != nil {
				logger.Error().Err(err).Str("path", path).Msg("config reload failed, keeping previous")
				continue
			}
			logger.Info().Str("path", path).Msg("configuration reloaded")
			onChange(cfg)
		}
	}
}
