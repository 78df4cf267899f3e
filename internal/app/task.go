package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"mssqltask/internal/config"
	"mssqltask/internal/dbexec"
	"mssqltask/internal/eventbus"
	"mssqltask/internal/storage"
	"mssqltask/internal/task/engine"
	"mssqltask/internal/task/orchestrator"
	"mssqltask/internal/task/trigger"
	"mssqltask/internal/ticket"
	logx "mssqltask/pkg/logx"
)

// progressEvery throttles run progress logs; process events arrive per batch.
const progressEvery = 5 * time.Second

// taskHost owns the components of one configured task.
type taskHost struct {
	key    string
	cfg    config.TaskConfig
	log    logx.Logger
	task   *orchestrator.Task
	engine *engine.Service
	trig   trigger.Trigger

	cancel context.CancelFunc
	exited chan struct{}
	err    error // Run result; read after exited is closed
}

type hostDeps struct {
	log    logx.Logger
	exec   dbexec.Executor
	bus    eventbus.Bus
	store  storage.TicketStore // shared, may be nil
	drain  time.Duration
	loc    *time.Location
	manual bool // trigger.Manual instead of cron
}

func newTaskHost(ctx context.Context, tc config.TaskConfig, d hostDeps) (*taskHost, error) {
	oc, err := tc.Orchestrator()
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", tc.Key, err)
	}
	log := d.log.With(logx.Task(oc.Key))

	var trig trigger.Trigger
	if d.manual {
		trig = trigger.NewManual()
	} else {
		trig = trigger.NewCron(oc.Schedule, d.loc, log)
	}

	var files storage.TicketStore
	if oc.Output.Tickets != "" {
		fs, err := storage.NewFileStore(oc.Output.Tickets, log)
		if err != nil {
			return nil, fmt.Errorf("task %s: tickets output: %w", oc.Key, err)
		}
		files = fs
	}

	hctx, cancel := context.WithCancel(ctx)
	eng := engine.New(hctx, d.exec, log)
	opts := []orchestrator.Option{orchestrator.WithLogger(d.log), orchestrator.WithDrainTimeout(d.drain)}
	if st := storage.Join(files, d.store); st != nil {
		opts = append(opts, orchestrator.WithStore(st))
	}
	task, err := orchestrator.New(oc, trig, eng, opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("task %s: %w", oc.Key, err)
	}

	h := &taskHost{
		key:    oc.Key,
		cfg:    tc,
		log:    log,
		task:   task,
		engine: eng,
		trig:   trig,
		cancel: cancel,
		exited: make(chan struct{}),
	}
	if d.bus != nil {
		h.publishTo(d.bus)
	}
	return h, nil
}

// publishTo forwards task events to bus and logs throttled progress.
func (h *taskHost) publishTo(bus eventbus.Bus) {
	progress := rate.Sometimes{Interval: progressEvery}
	h.task.OnChanged(func(ev orchestrator.Event) {
		switch ev.Kind {
		case orchestrator.EventStart:
			bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Data: summarize(ev.Ticket)})
		case orchestrator.EventProcess:
			progress.Do(func() {
				done, total := 0, len(ev.Ticket.Entries)
				for _, e := range ev.Ticket.Entries {
					if e.State == ticket.StateStop {
						done++
					}
				}
				h.log.Debug("run.progress", logx.Ticket(ev.Ticket.ID), logx.Int("done", done), logx.Int("total", total))
			})
		case orchestrator.EventStop:
			bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: summarize(ev.Ticket)})
		case orchestrator.EventFinish:
			bus.Publish(eventbus.Event{Type: eventbus.TaskDone, Data: eventbus.ErrorInfo{Task: h.key}})
		}
	})
	h.task.OnError(func(err error) {
		bus.Publish(eventbus.Event{Type: eventbus.RunError, Data: eventbus.ErrorInfo{Task: h.key, Error: err.Error()}})
	})
}

// run blocks until the task is finished or ctx is cancelled.
func (h *taskHost) run(ctx context.Context) error {
	defer close(h.exited)
	if err := h.task.Start(); err != nil {
		h.err = err
		return err
	}
	h.err = h.task.Run(ctx)
	return h.err
}

// stop finishes the task after its in-flight run and releases the engine.
func (h *taskHost) stop(ctx context.Context) error {
	h.task.Finish(nil)
	defer h.cancel()
	select {
	case <-h.task.Done():
	case <-h.exited:
	case <-ctx.Done():
		return fmt.Errorf("task %s: %w", h.key, ctx.Err())
	}
	return h.engine.Shutdown(ctx)
}

func summarize(tk *ticket.Ticket) eventbus.RunSummary {
	s := eventbus.RunSummary{
		Task:        tk.TaskKey,
		TicketID:    tk.ID,
		Instances:   len(tk.Entries),
		UsedWorkers: tk.UsedWorkers,
		Failed:      tk.Failed(),
		Duration:    tk.Duration(),
	}
	for _, e := range tk.Entries {
		s.Rows += e.Rows
		s.Messages += e.Messages
		if e.Error != "" {
			name := e.Title
			if name == "" {
				name = e.Instance
			}
			s.Errors = append(s.Errors, name+": "+e.Error)
		}
	}
	return s
}
