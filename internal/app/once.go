package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mssqltask/internal/config"
	"mssqltask/internal/dbexec"
	"mssqltask/internal/storage"
	"mssqltask/internal/task/orchestrator"
	"mssqltask/internal/task/trigger"
	"mssqltask/internal/ticket"
	logx "mssqltask/pkg/logx"
)

// RunOnce executes a single run of the task named key, ignoring its
// schedule, and returns the completed ticket.
func RunOnce(ctx context.Context, cfg *config.Config, key string, log logx.Logger) (*ticket.Ticket, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	tc, ok := cfg.Task(key)
	if !ok {
		return nil, fmt.Errorf("unknown task %q", key)
	}
	drain, err := config.ParseDurationOrDefault("scheduler.drain_timeout", cfg.Scheduler.DrainTimeout, time.Minute)
	if err != nil {
		return nil, err
	}
	var shared storage.TicketStore
	if cfg.Storage != nil {
		sc, err := cfg.Storage.Store()
		if err != nil {
			return nil, err
		}
		if shared, err = storage.Open(sc, log); err != nil {
			return nil, err
		}
		if shared != nil {
			defer func() { _ = shared.Close() }()
		}
	}

	h, err := newTaskHost(ctx, tc, hostDeps{
		log:    log,
		exec:   dbexec.NewRouter(log),
		store:  shared,
		drain:  drain,
		manual: true,
	})
	if err != nil {
		return nil, err
	}
	defer h.cancel()

	var final *ticket.Ticket
	h.task.OnChanged(func(ev orchestrator.Event) {
		if ev.Kind == orchestrator.EventStop {
			final = ev.Ticket
			h.task.Finish(nil)
		}
	})
	var persistErr error
	h.task.OnError(func(err error) {
		if errors.Is(err, orchestrator.ErrPersist) {
			persistErr = errors.Join(persistErr, err)
		}
	})

	runErr := make(chan error, 1)
	go func() { runErr <- h.run(ctx) }()

	m := h.trig.(*trigger.Manual)
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()
	for !m.Started() {
		select {
		case err := <-runErr:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-poll.C:
		}
	}
	m.Fire()

	if err := <-runErr; err != nil {
		return final, err
	}
	if err := h.engine.Shutdown(ctx); err != nil {
		log.Warn("engine shutdown", logx.Err(err))
	}
	if final == nil {
		return nil, errors.New("task finished without completing a run")
	}
	return final, persistErr
}
