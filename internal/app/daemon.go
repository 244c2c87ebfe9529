package app

import (
	"context"
	"sync/atomic"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

// RunDaemon runs collection cycles on the configured cron schedule until ctx
// is cancelled. It also:
//   - reloads config when the file changes (bad configs are rejected,
//     the running one stays active)
//   - reports readiness and watchdog liveness to systemd when present
//
// Overlapping triggers are skipped while a cycle is in flight.
func (a *App) RunDaemon(ctx context.Context) error {
	var running atomic.Bool

	c := cron.New()
	_, err := c.AddFunc(a.Schedule(), func() {
		if !running.CompareAndSwap(false, true) {
			a.log.Warn("cycle still in flight, skipping trigger")
			return
		}
		defer running.Store(false)

		rep, err := a.RunOnce(ctx, false)
		if err != nil {
			a.log.Error("scheduled cycle failed", logx.Err(err))
			return
		}
		if len(rep.SourceErrors) > 0 {
			a.log.Warn("scheduled cycle completed with source failures",
				logx.Int("failed_sources", len(rep.SourceErrors)))
		}
	})
	if err != nil {
		return err
	}

	c.Start()
	defer func() { <-c.Stop().Done() }()

	watcher := a.watchConfig(ctx)
	if watcher != nil {
		defer watcher.Close()
	}

	_, _ = sd.SdNotify(false, sd.SdNotifyReady)
	stopWatchdog := a.startWatchdog(ctx)
	defer stopWatchdog()

	a.log.Info("daemon started", logx.String("schedule", a.Schedule()))
	<-ctx.Done()
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
	a.log.Info("daemon stopping")
	return nil
}

// watchConfig hot-reloads the config file on change events.
func (a *App) watchConfig(ctx context.Context) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.log.Warn("config watch unavailable", logx.Err(err))
		return nil
	}
	if err := watcher.Add(a.cfgPath); err != nil {
		a.log.Warn("config watch failed", logx.String("path", a.cfgPath), logx.Err(err))
		_ = watcher.Close()
		return nil
	}

	go func() {
		// Editors fire bursts of events; debounce before reloading.
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(500 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.log.Warn("config watch error", logx.Err(err))
			case <-pending:
				pending = nil
				if err := a.Reload(Options{}); err != nil {
					a.log.Error("config reload rejected", logx.Err(err))
				}
			}
		}
	}()
	return watcher
}

// startWatchdog pets the systemd watchdog at half its interval, if enabled.
func (a *App) startWatchdog(ctx context.Context) (stop func()) {
	interval, err := sd.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}

	wctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.C:
				_, _ = sd.SdNotify(false, sd.SdNotifyWatchdog)
			}
		}
	}()
	return cancel
}
