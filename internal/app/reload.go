package app

import (
	"context"
	"fmt"
	"strings"

	"mssqltask/internal/config"
	"mssqltask/pkg/systemd"
	logx "mssqltask/pkg/logx"
)

// reloadLoop applies published configs, diffing each against the previous
// one starting from last, the config the tasks were started with.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, last *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						drained = true
					} else if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			if next == nil {
				continue
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply brings the running app in line with next. Logging, metrics and task
// changes are live; scheduler, storage and notifier changes need a restart.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	change := config.SummarizeConfigChange(prev, next)
	if len(change.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	a.metrics.ObserveReload(true)
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range change.Sections {
		switch s {
		case "logging":
			if a.logs != nil {
				a.logs.Apply(logConfig(next))
			}
		case "metrics":
			if err := a.http.Reconfigure(ctx, httpConfig(next)); err != nil {
				a.log.Warn("metrics reconfigure failed", logx.Err(err))
			}
		case "scheduler", "storage", "notifier":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	for key, n := range change.Workers {
		if t, ok := a.Task(key); ok {
			t.SetMaxWorkers(n)
			a.log.Info("task max_workers updated", logx.Task(key), logx.Int("max_workers", n))
		}
	}

	restart := append(append([]string{}, change.TasksRemoved...), change.TasksChanged...)
	for _, key := range restart {
		sctx, cancel := context.WithTimeout(ctx, a.drain)
		if err := a.stopTask(sctx, key); err != nil {
			a.log.Warn("task stop failed", logx.Task(key), logx.Err(err))
		}
		cancel()
	}
	for _, key := range append(append([]string{}, change.TasksChanged...), change.TasksAdded...) {
		tc, ok := next.Task(key)
		if !ok || !tc.IsEnabled() {
			continue
		}
		if err := a.startTask(tc); err != nil {
			a.log.Error("task start failed", logx.Task(key), logx.Err(err))
		}
	}

	if _, err := systemd.Ready(fmt.Sprintf("%d tasks", len(a.Tasks()))); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("config reloaded", fields...)
}
