package config

import (
	"reflect"
	"sort"
	"strings"

	logx "mssqltask/pkg/logx"
)

// Change describes what differs between two configs.
type Change struct {
	// Sections lists the changed top-level sections.
	Sections []string
	// Attrs are safe to log. Tokens and passwords are never included.
	Attrs []logx.Field

	TasksAdded   []string
	TasksRemoved []string
	// TasksChanged differ in anything other than max_workers and need a restart.
	TasksChanged []string
	// Workers holds the new max_workers of tasks whose only change is that limit.
	Workers map[string]int
}

// RestartRequired reports whether applying the change needs the task set or
// process-wide components to be rebuilt.
func (c Change) RestartRequired() bool {
	if len(c.TasksAdded)+len(c.TasksRemoved)+len(c.TasksChanged) > 0 {
		return true
	}
	for _, s := range c.Sections {
		switch s {
		case "scheduler", "storage", "metrics", "notifier":
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs. A nil config is treated as empty.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		c.Sections = append(c.Sections, "logging")
		c.Attrs = append(c.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		strings.TrimSpace(oldCfg.Scheduler.DrainTimeout) != strings.TrimSpace(newCfg.Scheduler.DrainTimeout) {
		c.Sections = append(c.Sections, "scheduler")
		c.Attrs = append(c.Attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		c.Sections = append(c.Sections, "metrics")
		c.Attrs = append(c.Attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		c.Sections = append(c.Sections, "notifier")
		n := NotifierConfig{}
		if newCfg.Notifier != nil {
			n = *newCfg.Notifier
		}
		c.Attrs = append(c.Attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(n.Token) != ""),
			logx.Int("notifier.min_failed", n.MinFailed),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		c.Sections = append(c.Sections, "storage")
		s := StorageConfig{}
		if newCfg.Storage != nil {
			s = *newCfg.Storage
		}
		c.Attrs = append(c.Attrs, logx.String("storage.driver", s.Driver))
	}

	c.diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(c.TasksAdded)+len(c.TasksRemoved)+len(c.TasksChanged)+len(c.Workers) > 0 {
		c.Sections = append(c.Sections, "tasks")
		if len(c.TasksAdded) > 0 {
			c.Attrs = append(c.Attrs, logx.Strs("tasks.added", c.TasksAdded))
		}
		if len(c.TasksRemoved) > 0 {
			c.Attrs = append(c.Attrs, logx.Strs("tasks.removed", c.TasksRemoved))
		}
		if len(c.TasksChanged) > 0 {
			c.Attrs = append(c.Attrs, logx.Strs("tasks.changed", c.TasksChanged))
		}
		if len(c.Workers) > 0 {
			c.Attrs = append(c.Attrs, logx.Any("tasks.max_workers", c.Workers))
		}
	}
	return c
}

func (c *Change) diffTasks(oldTasks, newTasks []TaskConfig) {
	oldBy := make(map[string]TaskConfig, len(oldTasks))
	for _, t := range oldTasks {
		oldBy[t.Key] = t
	}
	newBy := make(map[string]TaskConfig, len(newTasks))
	for _, t := range newTasks {
		newBy[t.Key] = t
		prev, ok := oldBy[t.Key]
		switch {
		case !ok:
			c.TasksAdded = append(c.TasksAdded, t.Key)
		case reflect.DeepEqual(prev, t):
		default:
			onlyWorkers := prev
			onlyWorkers.MaxWorkers = t.MaxWorkers
			if reflect.DeepEqual(onlyWorkers, t) {
				if c.Workers == nil {
					c.Workers = map[string]int{}
				}
				c.Workers[t.Key] = t.MaxWorkers
			} else {
				c.TasksChanged = append(c.TasksChanged, t.Key)
			}
		}
	}
	for _, t := range oldTasks {
		if _, ok := newBy[t.Key]; !ok {
			c.TasksRemoved = append(c.TasksRemoved, t.Key)
		}
	}
	sort.Strings(c.TasksAdded)
	sort.Strings(c.TasksRemoved)
	sort.Strings(c.TasksChanged)
}
