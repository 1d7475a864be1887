package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle coalesces the burst of events editors produce for one save.
const settle = 150 * time.Millisecond

// watch runs the scenario, then reruns it with a fresh child each time the
// file changes, until ctx ends. An interrupt is a clean exit.
func (h *harness) watch(ctx context.Context) error {
	path, err := filepath.Abs(h.cfg.Scenario)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("watch scenario: %w", err)}
	}
	defer func() { _ = w.Close() }()

	// Editors often replace the file, so watch its directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return &exitError{code: 1, err: fmt.Errorf("watch scenario: %w", err)}
	}

	for {
		if sc, err := h.loadScenario(); err != nil {
			h.logger.ErrorContext(ctx, "scenario not loaded", slog.String("err", err.Error()))
		} else {
			h.runOnce(ctx, sc)
		}
		if ctx.Err() != nil {
			return nil
		}
		h.logger.InfoContext(ctx, "waiting for scenario changes", slog.String("path", path))
		if !waitForChange(ctx, h.logger, w, path) {
			return nil
		}
	}
}

// waitForChange blocks until path is written or recreated. It returns false
// when ctx ends or the watcher closes.
func waitForChange(ctx context.Context, logger *slog.Logger, w *fsnotify.Watcher, path string) bool {
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return false
		case <-debounce:
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(settle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			logger.DebugContext(ctx, "scenario watcher error", slog.String("err", err.Error()))
		}
	}
}
