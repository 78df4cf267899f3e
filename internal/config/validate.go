package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mssqltask/internal/dbexec"
	"mssqltask/internal/storage"
	"mssqltask/internal/task/orchestrator"
	"mssqltask/internal/task/trigger"
	logx "mssqltask/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Validate reports every problem it finds, joined and wrapped in ErrInvalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := logx.ParseLevel(cfg.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	if err := logx.ParseFormat(cfg.Logging.Format); err != nil {
		add("logging.format: %v", err)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when file logging is enabled")
	}

	loc, err := trigger.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		add("scheduler.timezone: %v", err)
		loc = time.Local
	}
	if _, err := parseDuration("scheduler.drain_timeout", cfg.Scheduler.DrainTimeout, drainTimeoutRange); err != nil {
		errs = append(errs, err)
	}

	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		add("metrics.path must start with '/'")
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			add("notifier.token is required when the notifier is enabled")
		}
		if n.ChatID == 0 {
			add("notifier.chat_id is required when the notifier is enabled")
		}
		if n.RatePerSec < 0 || n.Burst < 0 || n.MinFailed < 0 {
			add("notifier rate_per_sec, burst and min_failed must be >= 0")
		}
		if _, err := parseDuration("notifier.timeout", n.Timeout, notifyTimeoutRange); err != nil {
			errs = append(errs, err)
		}
	}

	if s := cfg.Storage; s != nil {
		if _, err := s.Store(); err != nil {
			errs = append(errs, err)
		}
	}

	seen := map[string]bool{}
	for i, t := range cfg.Tasks {
		name := t.Key
		if strings.TrimSpace(name) == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if seen[t.Key] {
			add("tasks[%s]: duplicate key", name)
		}
		seen[t.Key] = true
		for _, err := range validateTask(t, loc) {
			errs = append(errs, fmt.Errorf("tasks[%s]: %w", name, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func validateTask(t TaskConfig, loc *time.Location) []error {
	var errs []error
	oc, err := t.Orchestrator()
	if err != nil {
		return append(errs, err)
	}
	if err := orchestrator.ValidateConfig(oc); err != nil {
		errs = append(errs, err)
	}
	if _, err := trigger.PreviewNext(oc.Schedule, loc, time.Now(), 1); err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}
	if t.MaxWorkers < 0 {
		errs = append(errs, errors.New("max_workers must be >= 0"))
	}
	if len(t.Queries) == 0 {
		errs = append(errs, errors.New("at least one query is required"))
	}
	for j, inst := range oc.Instances {
		switch inst.Driver {
		case dbexec.DriverMSSQL, dbexec.DriverPostgres, dbexec.DriverSQLite:
		default:
			errs = append(errs, fmt.Errorf("instances[%d]: %w %q", j, dbexec.ErrUnknownDriver, inst.Driver))
		}
		if strings.TrimSpace(inst.Address) == "" {
			errs = append(errs, fmt.Errorf("instances[%d]: address is required", j))
		}
	}
	return errs
}

// Store converts the storage section.
func (s StorageConfig) Store() (storage.Config, error) {
	bt, err := parseDuration("storage.busy_timeout", s.BusyTimeout, busyTimeoutRange)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	switch driver {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required for driver %q", driver)
		}
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
	}
	keep, err := parseDuration("storage.retention", s.Retention, retentionRange)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: s.Path, BusyTimeout: bt, Retention: keep}, nil
}

// Orchestrator builds the task definition consumed by orchestrator.New.
func (t TaskConfig) Orchestrator() (orchestrator.Config, error) {
	spec, err := t.Schedule.Spec()
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("schedule: %w", err)
	}
	insts, err := t.ResolveInstances()
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		Key:        strings.TrimSpace(t.Key),
		Schedule:   spec,
		Instances:  insts,
		Queries:    append([]string(nil), t.Queries...),
		MaxWorkers: t.MaxWorkers,
		Output: orchestrator.Output{
			Tickets:  t.Output.Tickets,
			Rows:     t.Output.Rows,
			Messages: t.Output.Messages,
		},
		Callback: orchestrator.Callback{Rows: t.Callback.Rows, Messages: t.Callback.Messages},
	}, nil
}
