package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	rtsup "mssqltask/internal/runtime/supervisor"
	logx "mssqltask/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// WatchRestart is the restart policy for running WatchSession under a supervisor.
var WatchRestart = rtsup.WithRestartBackoff(watchBackoffMin, watchBackoffMax)

// Watch follows the config file until ctx is done, recreating a broken
// watcher with backoff. Hosts with a supervisor run WatchSession directly.
func (m *ConfigManager) Watch(ctx context.Context) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log))
	sup.GoRestart("config.watch", m.WatchSession, WatchRestart)
	<-ctx.Done()
	return sup.Wait(context.Background())
}

// WatchSession watches the directory of the config file, so editors that
// replace the file by rename are seen, and debounces bursts into one Reload.
// It returns nil when ctx is done and an error when the watcher breaks.
func (m *ConfigManager) WatchSession(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	d := &debouncer{wait: reloadDebounce, fn: func() { m.reloadFromWatch(ctx) }}
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				d.kick()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("config watch: error channel closed")
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				d.kick()
			case errors.Is(err, fsnotify.ErrClosed):
				return err
			default:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

func (m *ConfigManager) reloadFromWatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := m.Reload(ctx); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		if m.rejected != nil {
			m.rejected(err)
		}
	}
}

// debouncer runs fn once wait has passed without another kick.
type debouncer struct {
	wait time.Duration
	fn   func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) kick() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
