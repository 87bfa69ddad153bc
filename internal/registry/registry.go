package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/events"
)

// Registry owns the active configuration snapshot. Readers call Current and
// get a consistent view; reloads build a fresh snapshot off to the side and
// swap the pointer in one atomic step.
type Registry struct {
	path    string
	bus     *events.Bus
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]

	// applyMu serializes Apply and Reload so two concurrent admin writes
	// cannot interleave their persist/reload/rollback steps.
	applyMu sync.Mutex
}

// New builds the initial snapshot from cfg and returns a ready registry.
func New(path string, cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*Registry, error) {
	snap, err := BuildSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	r := &Registry{path: path, bus: bus, logger: logger}
	r.current.Store(snap)
	return r, nil
}

// Current returns the active snapshot. Never nil after New succeeds.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Reload re-reads the config file, rebuilds the snapshot and swaps it in.
// On any failure the previous snapshot stays active.
func (r *Registry) Reload(ctx context.Context) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	return r.reloadLocked(ctx)
}

func (r *Registry) reloadLocked(ctx context.Context) error {
	cfg, err := config.Load(r.path)
	if err != nil {
		return err
	}
	snap, err := BuildSnapshot(cfg)
	if err != nil {
		return err
	}
	r.current.Store(snap)
	r.logger.Info("configuration reloaded",
		"monitors", len(cfg.Monitors),
		"groups", len(cfg.Groups),
		"pages", len(cfg.StatusPages),
	)
	r.bus.Publish(ctx, events.TopicConfigReloaded, events.ConfigReloadedEvent{At: time.Now()})
	return nil
}

// Apply validates a candidate document, persists it to disk, then reloads
// from the persisted file. If persisting the candidate succeeds but the
// reload fails, the previous document is written back so disk and memory
// stay consistent.
func (r *Registry) Apply(ctx context.Context, candidate *config.Config) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	candidate.ApplyDefaults()
	if _, err := BuildSnapshot(candidate); err != nil {
		return err
	}

	previous := r.Current().Config()
	if err := config.Save(r.path, candidate); err != nil {
		return err
	}

	if err := r.reloadLocked(ctx); err != nil {
		r.logger.Error("reload after apply failed, rolling back", "error", err)
		if rbErr := config.Save(r.path, previous); rbErr != nil {
			r.logger.Error("rollback write failed", "error", rbErr)
		}
		return err
	}
	return nil
}

// Watch follows the config file with fsnotify and reloads on writes. Editors
// that replace the file (rename + create) drop the watch on the old inode,
// so the path is re-added after such events. A failed reload keeps the old
// snapshot and is only logged.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.path); err != nil {
		return err
	}
	r.logger.Info("watching configuration file", "path", r.path)

	// Debounce bursts: editors often emit several events per save.
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()
	trigger := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				// Atomic replace; re-arm the watch on the new inode.
				_ = watcher.Remove(r.path)
				if err := watcher.Add(r.path); err != nil {
					r.logger.Warn("failed to re-watch config file", "error", err)
					continue
				}
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case <-trigger:
			if err := r.Reload(ctx); err != nil {
				r.logger.Error("hot reload rejected, keeping previous configuration", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("config watcher error", "error", err)
		}
	}
}
