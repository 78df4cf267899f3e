package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"mssqltask/internal/dbexec"
	"mssqltask/internal/task/schedule"
)

// Spec converts the schedule definition. An empty definition fires every second.
func (s ScheduleConfig) Spec() (schedule.Spec, error) {
	cron := strings.TrimSpace(s.Cron)
	structured := len(s.Weekdays) > 0 || s.PeriodMinutes != 0 || strings.TrimSpace(s.Periodicity) != ""
	if cron != "" && structured {
		return schedule.Spec{}, errors.New("cron and weekdays/period are mutually exclusive")
	}
	if !structured {
		return schedule.Cron(cron), nil
	}
	days, err := schedule.ParseWeekdays(s.Weekdays)
	if err != nil {
		return schedule.Spec{}, err
	}
	p := schedule.Periodicity(strings.ToLower(strings.TrimSpace(s.Periodicity)))
	return schedule.Structured(days, s.PeriodMinutes, p), nil
}

// Instance resolves the descriptor, reading PasswordEnv when set.
func (i InstanceConfig) Instance(connectTimeout time.Duration) dbexec.Instance {
	pw := i.Password
	if env := strings.TrimSpace(i.PasswordEnv); env != "" {
		pw = os.Getenv(env)
	}
	return dbexec.Instance{
		Driver:         i.Driver,
		Address:        i.Address,
		Database:       i.Database,
		Login:          i.Login,
		Password:       pw,
		Title:          i.Title,
		Note:           i.Note,
		Tags:           i.Tags,
		ConnectTimeout: connectTimeout,
	}.Normalize()
}

// Instances resolves every instance of the task.
func (t TaskConfig) ResolveInstances() ([]dbexec.Instance, error) {
	timeout, err := parseDuration(fmt.Sprintf("tasks[%s].connect_timeout", t.Key), t.ConnectTimeout, connectTimeoutRange)
	if err != nil {
		return nil, err
	}
	out := make([]dbexec.Instance, 0, len(t.Instances))
	for _, ic := range t.Instances {
		out = append(out, ic.Instance(timeout))
	}
	return out, nil
}

// Task returns the task named key.
func (c *Config) Task(key string) (TaskConfig, bool) {
	for _, t := range c.Tasks {
		if t.Key == key {
			return t, true
		}
	}
	return TaskConfig{}, false
}
