package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports one applied (or rejected) reload of the agents file.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
	Err  error
}

// PolicyWatcher reloads the agents file into an Agents holder whenever it changes.
// A file that fails to parse leaves the previous policy in place.
type PolicyWatcher struct {
	path     string
	agents   *Agents
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

func NewPolicyWatcher(path string, agents *Agents, logger *slog.Logger) *PolicyWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyWatcher{
		path:     path,
		agents:   agents,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		events:   make(chan ReloadEvent, 16),
	}
}

func (w *PolicyWatcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the file's directory so editors that replace the file by rename are
// still seen. The watch ends when ctx is done.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	go func() {
		defer fsw.Close()
		defer close(w.events)

		timer := time.NewTimer(time.Hour)
		timer.Stop()
		var lastOp fsnotify.Op
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				lastOp = ev.Op
				timer.Reset(w.debounce)
			case <-timer.C:
				w.reload(lastOp)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("agent policy watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *PolicyWatcher) reload(op fsnotify.Op) {
	evt := ReloadEvent{Path: w.path, Op: op}
	if _, err := os.Stat(w.path); err != nil {
		// moved away mid-save; the following Create reloads it
		return
	}
	policy, err := LoadPolicy(w.path)
	if err != nil {
		evt.Err = err
		w.logger.Error("agent policy reload rejected", "path", w.path, "error", err)
	} else {
		w.agents.Replace(policy)
		w.logger.Info("agent policy reloaded", "path", w.path, "op", op.String(), "agents", len(policy.Agents))
	}
	select {
	case w.events <- evt:
	default:
	}
}
