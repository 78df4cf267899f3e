package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mssqltask/internal/config"
	"mssqltask/internal/dbexec"
	"mssqltask/internal/eventbus"
	"mssqltask/internal/metrics"
	"mssqltask/internal/notifier"
	"mssqltask/internal/observability"
	rtsup "mssqltask/internal/runtime/supervisor"
	"mssqltask/internal/storage"
	"mssqltask/internal/task/orchestrator"
	"mssqltask/internal/task/trigger"
	"mssqltask/pkg/systemd"
	logx "mssqltask/pkg/logx"
)

// App hosts every configured task and the process-wide services around them.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.TicketStore
	exec  dbexec.Executor

	metrics *metrics.Collector
	http    *observability.Server
	notif   *notifier.Service

	loc   *time.Location
	drain time.Duration

	mu       sync.Mutex
	hosts    map[string]*taskHost
	stopping bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(logConfig(cfg))
	a, err := newApp(cfgm, cfg, logSvc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config, logSvc *logx.Service, root logx.Logger) (*App, error) {
	log := root.With(logx.Comp("app"))

	loc, err := trigger.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	drain, err := config.ParseDurationOrDefault("scheduler.drain_timeout", cfg.Scheduler.DrainTimeout, time.Minute)
	if err != nil {
		return nil, err
	}

	var store storage.TicketStore
	if cfg.Storage != nil {
		sc, err := cfg.Storage.Store()
		if err != nil {
			return nil, err
		}
		if store, err = storage.Open(sc, root); err != nil {
			return nil, err
		}
		if store != nil {
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	bus := eventbus.New()
	col := metrics.New()

	notif, err := newNotifier(cfg, bus, root)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		exec:    dbexec.NewRouter(root),
		metrics: col,
		notif:   notif,
		loc:     loc,
		drain:   drain,
		hosts:   map[string]*taskHost{},
	}
	a.http = observability.New(httpConfig(cfg), col.Handler(), a.health, root)
	return a, nil
}

func newNotifier(cfg *config.Config, bus eventbus.Bus, log logx.Logger) (*notifier.Service, error) {
	nc := cfg.Notifier
	if nc == nil || !nc.Enabled {
		return notifier.New(notifier.Config{}, nil, bus, log), nil
	}
	timeout, err := config.ParseDurationField("notifier.timeout", nc.Timeout)
	if err != nil {
		return nil, err
	}
	tg, err := notifier.NewTelegram(nc.Token)
	if err != nil {
		return nil, err
	}
	return notifier.New(notifier.Config{
		Enabled:       true,
		ChatID:        nc.ChatID,
		RatePerSec:    nc.RatePerSec,
		Burst:         nc.Burst,
		RetryMax:      2,
		Timeout:       timeout,
		DedupWindow:   time.Minute,
		MinFailed:     nc.MinFailed,
		PersistErrors: nc.NotifyPersistErrors,
	}, tg, bus, log), nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func httpConfig(cfg *config.Config) observability.Config {
	return observability.Config{
		Enabled:      cfg.Metrics.Enabled,
		Addr:         cfg.Metrics.Addr,
		Path:         cfg.Metrics.Path,
		Pprof:        cfg.Metrics.Pprof,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  time.Minute,
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Bus exposes run events to embedders.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Tasks returns the running task keys in order.
func (a *App) Tasks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.hosts))
	for k := range a.hosts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Task returns the orchestrator of a running task.
func (a *App) Task(key string) (*orchestrator.Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hosts[key]
	if !ok {
		return nil, false
	}
	return h.task, true
}

// Reload reopens the log file and re-reads the config file. Bound to SIGHUP.
func (a *App) Reload(ctx context.Context) error {
	var errs []error
	if a.logs != nil {
		if err := a.logs.Reopen(); err != nil {
			errs = append(errs, err)
		}
	}
	changed, err := a.cfgm.Reload(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	a.log.Info("reload requested", logx.Bool("config_changed", changed))
	return errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))

	if err := a.http.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("metrics http: %w", err)
	}
	a.sup.Go0("metrics.consume", func(c context.Context) { a.metrics.Consume(c, a.bus) })
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
		a.sup.Go0("notifier.consume", func(c context.Context) { a.notif.Consume(c, a.bus) })
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Subscribe before reading the baseline so no commit falls between them.
	sub := a.cfgm.Subscribe(8)
	cfg := a.cfgm.Get()
	for _, tc := range cfg.Tasks {
		if !tc.IsEnabled() {
			a.log.Info("task disabled", logx.Task(tc.Key))
			continue
		}
		if err := a.startTask(tc); err != nil {
			a.cfgm.Unsubscribe(sub)
			return err
		}
	}

	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
	})
	a.cfgm.OnRejected(func(error) { a.metrics.ObserveReload(false) })
	a.sup.GoRestart("config.watch", a.cfgm.WatchSession, config.WatchRestart)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { systemd.Watchdog(c, a.log) })

	status := fmt.Sprintf("%d tasks", len(a.Tasks()))
	if _, err := systemd.Ready(status); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started", logx.Strs("tasks", a.Tasks()))
	return nil
}

func (a *App) startTask(tc config.TaskConfig) error {
	h, err := newTaskHost(a.sup.Context(), tc, hostDeps{
		log:   a.log.With(logx.Comp("task")),
		exec:  a.exec,
		bus:   a.bus,
		store: a.store,
		drain: a.drain,
		loc:   a.loc,
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.hosts[h.key] = h
	a.mu.Unlock()

	eng, task := h.engine, h.task
	if err := a.metrics.TaskGauge("active_workers", "Running chunk workers.", h.key, func() float64 {
		return float64(eng.ActiveWorkers())
	}); err != nil {
		a.log.Warn("metrics gauge", logx.Err(err))
	}
	if err := a.metrics.TaskGauge("task_state", "Orchestrator state (0 stopped, 1 idle, 2 running, 3 finishing, 4 finished).", h.key, func() float64 {
		return float64(task.State())
	}); err != nil {
		a.log.Warn("metrics gauge", logx.Err(err))
	}

	a.sup.Go("task."+h.key, h.run)
	return nil
}

// stopTask finishes a running task and forgets it.
func (a *App) stopTask(ctx context.Context, key string) error {
	a.mu.Lock()
	h, ok := a.hosts[key]
	delete(a.hosts, key)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	err := h.stop(ctx)
	a.metrics.ForgetTask(key)
	return err
}

// health fails when the supervisor saw a fatal error or a task exited on its own.
func (a *App) health() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopping {
		return errors.New("stopping")
	}
	var dead []string
	for k, h := range a.hosts {
		select {
		case <-h.exited:
			dead = append(dead, k)
		default:
		}
	}
	if len(dead) > 0 {
		sort.Strings(dead)
		return fmt.Errorf("tasks not running: %s", strings.Join(dead, ", "))
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(string(reason)); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Tasks first: in-flight runs complete and persist their tickets.
	step(ctx, a.log, "tasks", a.drain+5*time.Second, func(c context.Context) error {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		for _, key := range a.Tasks() {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				if err := a.stopTask(c, key); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(key)
		}
		wg.Wait()
		return errors.Join(errs...)
	})

	a.sup.Cancel()

	step(ctx, a.log, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step(ctx, a.log, "http", 2*time.Second, a.http.Stop)
	step(ctx, a.log, "storage", 2*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step(ctx, a.log, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
