package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mssqltask/internal/dbexec"
	"mssqltask/internal/task/schedule"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
  drain_timeout: 30s
metrics:
  enabled: true
  addr: 127.0.0.1:0
storage:
  driver: sqlite
  path: ./data/tickets.db
tasks:
  - key: nightly
    schedule:
      weekdays: [mon, fri]
      period_minutes: 90
      periodicity: once
    instances:
      - address: db1:5432
        database: app
        login: reporter
        password_env: NIGHTLY_PW
        tags: [prod, Prod, eu]
      - driver: sqlite
        address: ./local.db
    queries: ["select 1"]
    max_workers: 2
    output:
      tickets: ./out/tickets
    callback:
      rows: true
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("cfg.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Tasks, 1)

	task := cfg.Tasks[0]
	assert.True(t, task.IsEnabled())
	spec, err := task.Schedule.Spec()
	require.NoError(t, err)
	assert.Equal(t, "0 30 1 * * 1,5", spec.String())
	assert.Equal(t, schedule.Once, spec.Periodicity())
}

func TestExampleConfig(t *testing.T) {
	cfg, err := NewConfigManager(filepath.Join("..", "..", "config.example.yaml")).Load()
	require.NoError(t, err)
	require.Len(t, cfg.Tasks, 2)
	assert.False(t, cfg.Tasks[1].IsEnabled())

	spec, err := cfg.Tasks[0].Schedule.Spec()
	require.NoError(t, err)
	assert.Equal(t, "0 30 1 * * 1,2,3,4,5", spec.String())
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	_, err := Decode("cfg.yaml", []byte("tasks: []\nbogus: 1\n"))
	require.Error(t, err)

	_, err = Decode("cfg.json", []byte(`{"tasks":[]}{"tasks":[]}`))
	require.ErrorContains(t, err, "trailing data")

	_, err = Decode("cfg.json", []byte(`{"tasks":[]} 1`))
	require.ErrorContains(t, err, "trailing data")
}

func TestOrchestratorMapping(t *testing.T) {
	t.Setenv("NIGHTLY_PW", "s3cret")
	cfg, err := Decode("cfg.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	oc, err := cfg.Tasks[0].Orchestrator()
	require.NoError(t, err)
	assert.Equal(t, "nightly", oc.Key)
	assert.Equal(t, 2, oc.MaxWorkers)
	assert.Equal(t, "./out/tickets", oc.Output.Tickets)
	assert.True(t, oc.Callback.Rows)
	assert.False(t, oc.Callback.Messages)
	require.Len(t, oc.Instances, 2)

	pg := oc.Instances[0]
	assert.Equal(t, dbexec.DriverPostgres, pg.Driver)
	assert.Equal(t, "s3cret", pg.Password)
	assert.Equal(t, "db1:5432", pg.Title)
	assert.Equal(t, []string{"prod", "eu"}, pg.Tags)
	assert.Equal(t, dbexec.DriverSQLite, oc.Instances[1].Driver)
}

func TestScheduleSpec(t *testing.T) {
	spec, err := ScheduleConfig{}.Spec()
	require.NoError(t, err)
	assert.Equal(t, schedule.DefaultCron, spec.String())

	spec, err = ScheduleConfig{Cron: "0 */5 * * * *"}.Spec()
	require.NoError(t, err)
	assert.Equal(t, "0 */5 * * * *", spec.String())

	_, err = ScheduleConfig{Cron: "* * * * * *", Weekdays: []string{"mon"}}.Spec()
	require.Error(t, err)

	_, err = ScheduleConfig{Weekdays: []string{"someday"}}.Spec()
	require.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud"},
		Scheduler: SchedulerConfig{Timezone: "Nowhere/City"},
		Notifier:  &NotifierConfig{Enabled: true},
		Storage:   &StorageConfig{Driver: "mongo"},
		Tasks: []TaskConfig{
			{Key: "a", Queries: []string{"select 1"}, Instances: []InstanceConfig{{Address: "x"}}},
			{Key: "a", Queries: []string{"select 1"}},
			{Key: "b/c", Queries: []string{"select 1"}},
			{Key: "d", Instances: []InstanceConfig{{Driver: "oracle", Address: "x"}}},
			{Key: "e", Queries: []string{"q"}, Schedule: ScheduleConfig{PeriodMinutes: 30}},
			{Key: "f", Queries: []string{"q"}, Schedule: ScheduleConfig{Cron: "not a cron"}},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, dbexec.ErrUnknownDriver)

	msg := err.Error()
	for _, want := range []string{
		"logging.level",
		"scheduler.timezone",
		"notifier.token",
		"notifier.chat_id",
		"storage.driver",
		"tasks[a]: duplicate key",
		"tasks[b/c]",
		"tasks[d]: at least one query",
		"tasks[e]: schedule",
		"tasks[f]: schedule",
	} {
		assert.Contains(t, msg, want)
	}
	assert.NotContains(t, msg, "tasks[a]: schedule")
}

func TestSummarizeConfigChange(t *testing.T) {
	base := func() *Config {
		return &Config{Tasks: []TaskConfig{
			{Key: "a", Queries: []string{"q"}, MaxWorkers: 2},
			{Key: "b", Queries: []string{"q"}},
		}}
	}

	c := SummarizeConfigChange(base(), base())
	assert.Empty(t, c.Sections)
	assert.False(t, c.RestartRequired())

	next := base()
	next.Tasks[0].MaxWorkers = 5
	next.Logging.Level = "debug"
	c = SummarizeConfigChange(base(), next)
	assert.Equal(t, []string{"logging", "tasks"}, c.Sections)
	assert.Equal(t, map[string]int{"a": 5}, c.Workers)
	assert.False(t, c.RestartRequired())

	next = base()
	next.Tasks[1].Queries = []string{"other"}
	next.Tasks = append(next.Tasks, TaskConfig{Key: "c"})
	next.Tasks = next.Tasks[1:]
	c = SummarizeConfigChange(base(), next)
	assert.Equal(t, []string{"c"}, c.TasksAdded)
	assert.Equal(t, []string{"a"}, c.TasksRemoved)
	assert.Equal(t, []string{"b"}, c.TasksChanged)
	assert.True(t, c.RestartRequired())

	next = base()
	next.Notifier = &NotifierConfig{Token: "secret"}
	c = SummarizeConfigChange(base(), next)
	assert.Equal(t, []string{"notifier"}, c.Sections)
	assert.True(t, c.RestartRequired())
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestManagerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	writeConfig(t, path, `{"tasks":[{"key":"a","queries":["q"],"max_workers":1}]}`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "unchanged content must not republish")

	writeConfig(t, path, `{"tasks":[{"key":"a","queries":["q"],"max_workers":3}]}`)
	changed, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	got := <-ch
	assert.Equal(t, 3, got.Tasks[0].MaxWorkers)

	writeConfig(t, path, `{"tasks":[{"key":"a","queries":[],"max_workers":3}]}`)
	_, err = m.Reload(context.Background())
	require.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 3, m.Get().Tasks[0].MaxWorkers)

	veto := errors.New("vetoed")
	m.SetValidator(func(context.Context, *Config) error { return veto })
	writeConfig(t, path, `{"tasks":[{"key":"a","queries":["q"],"max_workers":4}]}`)
	_, err = m.Reload(context.Background())
	require.ErrorIs(t, err, veto)
	assert.Equal(t, 3, m.Get().Tasks[0].MaxWorkers)
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestManagerWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	writeConfig(t, path, "tasks:\n  - key: a\n    queries: [q]\n")

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)
	rejected := make(chan error, 4)
	m.OnRejected(func(err error) { rejected <- err })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, "tasks:\n  - key: a\n    queries: [q]\n    max_workers: 7\n")

	select {
	case got := <-ch:
		assert.Equal(t, 7, got.Tasks[0].MaxWorkers)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}

	writeConfig(t, path, "tasks:\n  - key: a\n    queries: [q]\n    max_workers: -1\n")
	select {
	case err := <-rejected:
		assert.ErrorIs(t, err, ErrInvalid)
	case <-time.After(5 * time.Second):
		t.Fatal("invalid config not rejected")
	}
	assert.Equal(t, 7, m.Get().Tasks[0].MaxWorkers)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationField("x", " 2s ")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
	_, err = ParseDurationField("x", "soon")
	require.Error(t, err)

	_, err = parseDuration("scheduler.drain_timeout", "100ms", drainTimeoutRange)
	assert.ErrorContains(t, err, "below the minimum")
	_, err = parseDuration("storage.busy_timeout", "2m", busyTimeoutRange)
	assert.ErrorContains(t, err, "exceeds the maximum")
	d, err = parseDuration("scheduler.drain_timeout", "0s", drainTimeoutRange)
	require.NoError(t, err)
	assert.Zero(t, d)
}
