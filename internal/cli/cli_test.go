package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DIR", dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const sample = `
logging:
  level: warn
tasks:
  - key: report
    schedule:
      weekdays: [mon, fri]
      period_minutes: 90
      periodicity: once
    queries:
      - "SELECT 1 AS n UNION ALL SELECT 2"
    max_workers: 2
    callback:
      rows: true
    instances:
      - driver: sqlite
        address: "$DIR/a.db"
        title: alpha
      - driver: sqlite
        address: "$DIR/b.db"
  - key: broken
    enabled: false
    schedule:
      cron: "0 */5 * * * *"
    queries:
      - "SELECT * FROM no_such_table"
    instances:
      - driver: sqlite
        address: "$DIR/c.db"
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, sample)
	out, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, "ok: 2 tasks (1 enabled)\n", out)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	path := writeConfig(t, `
tasks:
  - key: x
    schedule:
      cron: "not a cron"
    queries: []
`)
	_, err := execute(t, "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestCron(t *testing.T) {
	path := writeConfig(t, sample)
	out, err := execute(t, "cron", "-c", path, "report", "-n", "3")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "cron: 0 30 1 * * 1,5", lines[0])
	for _, l := range lines[1:] {
		at, err := time.Parse(time.RFC3339, l)
		require.NoError(t, err, l)
		assert.Contains(t, []time.Weekday{time.Monday, time.Friday}, at.Weekday())
		assert.Equal(t, 1, at.Hour())
		assert.Equal(t, 30, at.Minute())
	}
}

func TestCronUnknownTask(t *testing.T) {
	path := writeConfig(t, sample)
	_, err := execute(t, "cron", "-c", path, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown task "nope"`)
}

func TestOnce(t *testing.T) {
	path := writeConfig(t, sample)
	out, err := execute(t, "once", "-c", path, "report", "--rows")
	require.NoError(t, err)

	dec := json.NewDecoder(strings.NewReader(out))
	var tk struct {
		Task        string `json:"task"`
		UsedWorkers int    `json:"usedWorkers"`
		Entries     []struct {
			Ord   string `json:"ord"`
			Title string `json:"title"`
			Rows  int    `json:"rows"`
			Error string `json:"error"`
		} `json:"entries"`
	}
	require.NoError(t, dec.Decode(&tk))
	assert.Equal(t, "report", tk.Task)
	assert.Equal(t, 2, tk.UsedWorkers)
	require.Len(t, tk.Entries, 2)
	assert.Equal(t, "alpha", tk.Entries[0].Title)
	for _, e := range tk.Entries {
		assert.Equal(t, 2, e.Rows)
		assert.Empty(t, e.Error)
	}

	var data []entryData
	for dec.More() {
		var d entryData
		require.NoError(t, dec.Decode(&d))
		data = append(data, d)
	}
	require.Len(t, data, 2)
	assert.Len(t, data[0].Rows, 2)
}

func TestOnceStrict(t *testing.T) {
	path := writeConfig(t, sample)
	out, err := execute(t, "once", "-c", path, "broken", "--strict")
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, out, "no such table")
	assert.Contains(t, err.Error(), fmt.Sprintf("%d of %d", 1, 1))
}

func TestHistory(t *testing.T) {
	path := writeConfig(t, sample+`
storage:
  driver: sqlite
  path: "$DIR/tickets.db"
`)
	_, err := execute(t, "once", "-c", path, "broken")
	require.NoError(t, err)
	_, err = execute(t, "once", "-c", path, "report")
	require.NoError(t, err)

	out, err := execute(t, "history", "-c", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "START"))
	assert.Contains(t, lines[1], "report")
	assert.Contains(t, lines[2], "broken")
	assert.Contains(t, lines[3], "! 000")
	assert.Contains(t, lines[3], "no such table")

	out, err = execute(t, "history", "-c", path, "report", "-n", "1")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
}

func TestHistoryNeedsSQLite(t *testing.T) {
	path := writeConfig(t, sample)
	_, err := execute(t, "history", "-c", path)
	require.Error(t, err)
}
