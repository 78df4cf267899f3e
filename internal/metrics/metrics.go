// Package metrics exposes run outcomes as Prometheus metrics.
//
// The collector is fed from the event bus (run.finished, run.error) and from
// gauge callbacks registered by the task host, e.g. the number of active chunk
// workers of each task.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mssqltask/internal/eventbus"
)

const namespace = "mssqltask"

// Collector owns a private registry so tests and multiple hosts never clash
// on the global one.
type Collector struct {
	reg *prometheus.Registry

	runs      *prometheus.CounterVec
	instances *prometheus.CounterVec
	rows      *prometheus.CounterVec
	messages  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	lastRun   *prometheus.GaugeVec
	workers   *prometheus.GaugeVec
	reloads   *prometheus.CounterVec

	mu     sync.Mutex
	gauges map[string]prometheus.Collector
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by task and result (ok, failed).",
		}, []string{"task", "result"}),
		instances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_total",
			Help:      "Instance executions by task and result (ok, failed).",
		}, []string{"task", "result"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows returned by task queries.",
		}, []string{"task"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_messages_total",
			Help:      "Server messages received by task queries.",
		}, []string{"task"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_errors_total",
			Help:      "Errors reported by task orchestrators.",
		}, []string{"task"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from run start to ticket completion.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"task"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last finished run.",
		}, []string{"task"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_used_workers",
			Help:      "Workers used by the last run.",
		}, []string{"task"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Config file reloads by result (applied, rejected).",
		}, []string{"result"}),
		gauges: map[string]prometheus.Collector{},
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.runs, c.instances, c.rows, c.messages, c.errors, c.duration, c.lastRun, c.workers, c.reloads,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// ObserveReload counts a config reload that was applied or rejected.
func (c *Collector) ObserveReload(applied bool) {
	result := "applied"
	if !applied {
		result = "rejected"
	}
	c.reloads.WithLabelValues(result).Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// ObserveRun records a finished run.
func (c *Collector) ObserveRun(s eventbus.RunSummary, finishedAt float64) {
	result := "ok"
	if s.Failed > 0 {
		result = "failed"
	}
	c.runs.WithLabelValues(s.Task, result).Inc()
	c.instances.WithLabelValues(s.Task, "ok").Add(float64(s.Instances - s.Failed))
	c.instances.WithLabelValues(s.Task, "failed").Add(float64(s.Failed))
	c.rows.WithLabelValues(s.Task).Add(float64(s.Rows))
	c.messages.WithLabelValues(s.Task).Add(float64(s.Messages))
	c.duration.WithLabelValues(s.Task).Observe(s.Duration.Seconds())
	c.workers.WithLabelValues(s.Task).Set(float64(s.UsedWorkers))
	c.lastRun.WithLabelValues(s.Task).Set(finishedAt)
}

func (c *Collector) ObserveError(e eventbus.ErrorInfo) {
	c.errors.WithLabelValues(e.Task).Inc()
}

// TaskGauge registers fn as a per-task gauge (e.g. "active_workers").
// Registering the same name and task again replaces the previous callback.
func (c *Collector) TaskGauge(name, help, task string, fn func() float64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"task": task},
	}, fn)

	key := name + "\x00" + task
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.gauges[key]; ok {
		c.reg.Unregister(prev)
	}
	if err := c.reg.Register(g); err != nil {
		return fmt.Errorf("register %s{task=%q}: %w", name, task, err)
	}
	c.gauges[key] = g
	return nil
}

// ForgetTask drops every series labelled with task.
func (c *Collector) ForgetTask(task string) {
	labels := prometheus.Labels{"task": task}
	for _, v := range []*prometheus.CounterVec{c.runs, c.instances, c.rows, c.messages, c.errors} {
		v.DeletePartialMatch(labels)
	}
	c.duration.DeletePartialMatch(labels)
	c.lastRun.DeletePartialMatch(labels)
	c.workers.DeletePartialMatch(labels)

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, g := range c.gauges {
		if strings.HasSuffix(key, "\x00"+task) {
			c.reg.Unregister(g)
			delete(c.gauges, key)
		}
	}
}

// Consume feeds the collector from bus until ctx is done.
func (c *Collector) Consume(ctx context.Context, bus eventbus.Bus) {
	ch, unsubscribe := bus.Subscribe(64, eventbus.RunFinished, eventbus.RunError)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch d := ev.Data.(type) {
			case eventbus.RunSummary:
				c.ObserveRun(d, float64(ev.Time.UnixNano())/1e9)
			case eventbus.ErrorInfo:
				c.ObserveError(d)
			}
		}
	}
}
