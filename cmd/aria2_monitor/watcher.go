package main

import (
	"context"
	"sync"

	"github.com/italolelis/aria2_monitor/internal/aria2"
	"github.com/italolelis/aria2_monitor/internal/logctx"
)

var watchedKinds = []aria2.EventKind{
	aria2.EventStart,
	aria2.EventPause,
	aria2.EventStop,
	aria2.EventComplete,
	aria2.EventError,
	aria2.EventBtComplete,
}

// watcher registers lifecycle listeners once per gid and forgets downloads once they stop, so a
// long running watch does not grow the monitor's registry without bound.
type watcher struct {
	monitor *aria2.Monitor
	forward aria2.Handler

	mu      sync.Mutex
	watched map[string]struct{}
}

func newWatcher(m *aria2.Monitor, forward aria2.Handler) *watcher {
	return &watcher{
		monitor: m,
		forward: forward,
		watched: make(map[string]struct{}),
	}
}

func (w *watcher) watch(ctx context.Context, task *aria2.Task) {
	gid := task.GID()

	w.mu.Lock()
	if _, ok := w.watched[gid]; ok {
		w.mu.Unlock()

		return
	}

	w.watched[gid] = struct{}{}
	w.mu.Unlock()

	// the listeners outlive ctx, which may belong to an API request
	ctx = context.WithoutCancel(ctx)
	logger := logctx.LoggerFromContext(logctx.WithGID(ctx, gid))

	for _, kind := range watchedKinds {
		w.monitor.On(kind, gid, func(ev aria2.Event) {
			status := ev.Task.Status()

			switch ev.Kind {
			case aria2.EventError:
				logger.Error("download failed",
					"name", status.Name(),
					"error_code", status.ErrorCode,
					"error_message", status.ErrorMessage,
				)
			default:
				logger.Info("download "+string(ev.Kind), "name", status.Name(), "status", status.String())
			}

			if w.forward != nil {
				w.forward(ev)
			}

			switch {
			case ev.Kind == aria2.EventComplete && len(status.FollowedBy) > 0:
				go func() {
					w.follow(ctx, status.FollowedBy)
					w.forget(gid)
				}()
			case ev.Kind == aria2.EventComplete, ev.Kind == aria2.EventError, ev.Kind == aria2.EventStop:
				w.forget(gid)
			}
		})
	}
}

// follow starts watching the downloads that continue a finished one, such as the torrent
// behind a magnet link.
func (w *watcher) follow(ctx context.Context, gids []string) {
	for _, gid := range gids {
		task, err := w.monitor.GetTask(ctx, gid)
		if err != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to follow download", "gid", gid, "err", err)

			continue
		}

		w.watch(ctx, task)
	}
}

func (w *watcher) forget(gid string) {
	w.monitor.Forget(gid)

	w.mu.Lock()
	delete(w.watched, gid)
	w.mu.Unlock()
}

// relist merges the active downloads into the monitor and watches the new ones.
func (w *watcher) relist(ctx context.Context, client *aria2.Client) {
	tasks, err := client.ListActive(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to list active downloads", "err", err)

		return
	}

	for _, task := range tasks {
		w.watch(ctx, task)
	}
}
