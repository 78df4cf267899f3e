package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mssqltask/internal/eventbus"
)

func TestObserveRun(t *testing.T) {
	c := New()
	c.ObserveRun(eventbus.RunSummary{
		Task: "nightly", Instances: 5, Failed: 2, UsedWorkers: 2,
		Rows: 10, Messages: 3, Duration: 1500 * time.Millisecond,
	}, 1700000000)
	c.ObserveRun(eventbus.RunSummary{Task: "nightly", Instances: 5, UsedWorkers: 2}, 1700000060)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("nightly", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("nightly", "ok")))
	assert.Equal(t, 8.0, testutil.ToFloat64(c.instances.WithLabelValues("nightly", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.instances.WithLabelValues("nightly", "failed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.rows.WithLabelValues("nightly")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.messages.WithLabelValues("nightly")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.workers.WithLabelValues("nightly")))
	assert.Equal(t, 1700000060.0, testutil.ToFloat64(c.lastRun.WithLabelValues("nightly")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestTaskGauge(t *testing.T) {
	c := New()
	active := 3.0
	require.NoError(t, c.TaskGauge("active_workers", "Running chunk workers.", "a", func() float64 { return active }))
	require.NoError(t, c.TaskGauge("active_workers", "Running chunk workers.", "b", func() float64 { return 1 }))
	// Re-registering replaces the callback.
	require.NoError(t, c.TaskGauge("active_workers", "Running chunk workers.", "a", func() float64 { return active * 2 }))

	n, err := testutil.GatherAndCount(c.Registry(), "mssqltask_active_workers")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c.ObserveError(eventbus.ErrorInfo{Task: "a", Error: "boom"})
	c.ForgetTask("a")
	n, err = testutil.GatherAndCount(c.Registry(), "mssqltask_active_workers", "mssqltask_task_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConsume(t *testing.T) {
	c := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Consume(ctx, bus)
	}()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.RunError, Data: eventbus.ErrorInfo{Task: "probe"}})
		return testutil.ToFloat64(c.errors.WithLabelValues("probe")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: eventbus.RunSummary{Task: "t", Instances: 1}})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.runs.WithLabelValues("t", "ok")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestObserveReload(t *testing.T) {
	c := New()
	c.ObserveReload(true)
	c.ObserveReload(true)
	c.ObserveReload(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.reloads.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reloads.WithLabelValues("rejected")))
}
