package orchestrator

import (
	"errors"
	"strings"

	"mssqltask/internal/dbexec"
	"mssqltask/internal/task/schedule"
)

// Output selects the roots of persisted files; empty disables a kind.
type Output struct {
	Tickets  string
	Rows     string
	Messages string
}

// Callback selects which payloads are attached to ticket entries.
type Callback struct {
	Rows     bool
	Messages bool
}

// Config is the immutable definition of a task. MaxWorkers is only the
// initial limit; see Task.SetMaxWorkers.
type Config struct {
	Key        string
	Schedule   schedule.Spec
	Instances  []dbexec.Instance
	Queries    []string
	MaxWorkers int
	Output     Output
	Callback   Callback
}

// ValidateConfig checks the parts of cfg that New would reject.
func ValidateConfig(cfg Config) error { return cfg.validate() }

func (c Config) validate() error {
	if strings.TrimSpace(c.Key) == "" {
		return errors.New("task key is required")
	}
	if strings.ContainsAny(c.Key, `/\`) {
		return errors.New("task key must not contain path separators")
	}
	return nil
}
