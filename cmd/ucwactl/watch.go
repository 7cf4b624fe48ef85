package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/ucwa-go/events"
)

// configWatcher re-reads the config file when it changes and hands the new
// event poll tuning to apply. The parent directory is watched so editors
// that replace the file on save are followed.
type configWatcher struct {
	w     *fsnotify.Watcher
	path  string
	base  settings
	log   *slog.Logger
	apply func(events.PollOptions)
}

// newConfigWatcher starts watching path. base is the configuration the file
// is overlaid onto on every reload.
func newConfigWatcher(path string, base settings, logger *slog.Logger, apply func(events.PollOptions)) (*configWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch config: %w", err)
	}
	return &configWatcher{w: w, path: abs, base: base, log: logger, apply: apply}, nil
}

// run delivers reloads until ctx is done, then closes the watcher.
func (cw *configWatcher) run(ctx context.Context) {
	defer func() { _ = cw.w.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				cw.reload()
			}
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			cw.log.Warn("ucwactl.config.watch_error", slog.String("err", err.Error()))
		}
	}
}

func (cw *configWatcher) reload() {
	s := cw.base
	if err := loadFileConfig(cw.path, &s); err != nil {
		cw.log.Warn("ucwactl.config.reload_failed", slog.String("path", cw.path), slog.String("err", err.Error()))
		return
	}
	opts := s.Client.PollOptions()
	cw.log.Info("ucwactl.config.reloaded",
		slog.Int("low", opts.Low),
		slog.Int("medium", opts.Medium),
		slog.Int("priority", opts.Priority),
		slog.Int("timeout", opts.Timeout),
	)
	cw.apply(opts)
}
