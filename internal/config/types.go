package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Metrics   MetricsConfig   `json:"metrics"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Tasks     []TaskConfig    `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // console (default) or json
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig applies to every task trigger.
type SchedulerConfig struct {
	// Timezone is an IANA name; empty means local time.
	Timezone string `json:"timezone,omitempty"`
	// DrainTimeout bounds how long shutdown waits for in-flight runs. Default 1m.
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
//
// Prefer binding to localhost; pprof handlers are mounted under /debug/pprof/
// when Pprof is set.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Path    string `json:"path,omitempty"` // default: "/metrics"
	Pprof   bool   `json:"pprof,omitempty"`
}

// NotifierConfig controls Telegram notifications about failed runs.
type NotifierConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
	// RatePerSec limits outgoing messages; default 1.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// MinFailed is the number of failed instances that makes a run worth a
	// notification; default 1.
	MinFailed int `json:"min_failed,omitempty"`
	// NotifyPersistErrors also reports file/ticket persistence errors.
	NotifyPersistErrors bool   `json:"notify_persist_errors,omitempty"`
	Timeout             string `json:"timeout,omitempty"`
}

// StorageConfig adds a ticket store on top of per-task ticket files.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tickets.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`    // sqlite only; e.g. 720h
}

// TaskConfig defines one periodic query task.
type TaskConfig struct {
	Key string `json:"key"`
	// Enabled defaults to true.
	Enabled        *bool            `json:"enabled,omitempty"`
	Schedule       ScheduleConfig   `json:"schedule"`
	Instances      []InstanceConfig `json:"instances"`
	Queries        []string         `json:"queries"`
	MaxWorkers     int              `json:"max_workers"`
	ConnectTimeout string           `json:"connect_timeout,omitempty"`
	Output         OutputConfig     `json:"output"`
	Callback       CallbackConfig   `json:"callback"`
}

func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// ScheduleConfig is either a cron expression or a weekday/period definition.
//
//	schedule: { cron: "0 */5 * * * *" }
//	schedule: { weekdays: [mon, tue], period_minutes: 90, periodicity: once }
type ScheduleConfig struct {
	Cron          string   `json:"cron,omitempty"`
	Weekdays      []string `json:"weekdays,omitempty"`
	PeriodMinutes int      `json:"period_minutes,omitempty"`
	Periodicity   string   `json:"periodicity,omitempty"`
}

type InstanceConfig struct {
	Driver   string `json:"driver,omitempty"` // postgres (default), mssql (alias sqlserver) or sqlite
	Address  string `json:"address"`
	Database string `json:"database,omitempty"`
	Login    string `json:"login,omitempty"`
	Password string `json:"password,omitempty"`
	// PasswordEnv names an environment variable holding the password.
	PasswordEnv string   `json:"password_env,omitempty"`
	Title       string   `json:"title,omitempty"`
	Note        string   `json:"note,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type OutputConfig struct {
	Tickets  string `json:"tickets,omitempty"`
	Rows     string `json:"rows,omitempty"`
	Messages string `json:"messages,omitempty"`
}

type CallbackConfig struct {
	Rows     bool `json:"rows,omitempty"`
	Messages bool `json:"messages,omitempty"`
}
