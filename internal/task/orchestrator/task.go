package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"mssqltask/internal/dbexec"
	"mssqltask/internal/storage"
	"mssqltask/internal/task/engine"
	"mssqltask/internal/task/trigger"
	"mssqltask/internal/ticket"
	logx "mssqltask/pkg/logx"
)

// Dispatcher starts chunk workers; engine.Service implements it.
type Dispatcher interface {
	Dispatch(jobs []engine.Job, out chan<- engine.Message) error
}

type Option func(*Task)

func WithLogger(log logx.Logger) Option { return func(t *Task) { t.log = log } }

// WithStore replaces the default file store derived from Output.Tickets.
func WithStore(st storage.TicketStore) Option { return func(t *Task) { t.store = st } }

// WithDrainTimeout bounds how long Run waits for an in-flight run after its
// context is cancelled.
func WithDrainTimeout(d time.Duration) Option { return func(t *Task) { t.drain = d } }

// Task is the run state machine of one task definition.
type Task struct {
	cfg   Config
	log   logx.Logger
	trig  trigger.Trigger
	disp  Dispatcher
	store storage.TicketStore
	drain time.Duration

	maxWorkers atomic.Int64
	state      atomic.Int32
	cmd        atomic.Int32
	started    atomic.Bool

	ticks  chan time.Time
	msgs   chan engine.Message
	kick   chan struct{}
	done   chan struct{}
	exited chan struct{}

	mu        sync.Mutex
	changed   []func(Event)
	errs      []func(error)
	onDone    []func()
	finalized bool
	last      *ticket.Ticket

	// Owned by the Run goroutine.
	tk      *ticket.Ticket
	pending map[int]bool
}

func New(cfg Config, trig trigger.Trigger, disp Dispatcher, opts ...Option) (*Task, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if trig == nil || disp == nil {
		return nil, errors.New("trigger and dispatcher are required")
	}
	insts := make([]dbexec.Instance, len(cfg.Instances))
	for i, in := range cfg.Instances {
		insts[i] = in.Normalize()
	}
	cfg.Instances = insts
	cfg.Queries = append([]string(nil), cfg.Queries...)

	t := &Task{
		cfg:    cfg,
		trig:   trig,
		disp:   disp,
		drain:  time.Minute,
		ticks:  make(chan time.Time, 1),
		msgs:   make(chan engine.Message, 256),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	t.maxWorkers.Store(int64(cfg.MaxWorkers))
	for _, o := range opts {
		o(t)
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	t.log = t.log.With(logx.Comp("orchestrator"), logx.Task(cfg.Key))
	if t.store == nil && cfg.Output.Tickets != "" {
		fs, err := storage.NewFileStore(cfg.Output.Tickets, t.log)
		if err != nil {
			return nil, fmt.Errorf("tickets output: %w", err)
		}
		t.store = fs
	}
	trig.OnTick(t.onTick)
	return t, nil
}

func (t *Task) Key() string { return t.cfg.Key }

func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) MaxWorkers() int { return int(t.maxWorkers.Load()) }

// SetMaxWorkers changes the limit used by the next run; values below 1 mean 1.
func (t *Task) SetMaxWorkers(n int) {
	if n < 1 {
		n = 1
	}
	t.maxWorkers.Store(int64(n))
}

// Last returns the most recently completed ticket, or nil.
func (t *Task) Last() *ticket.Ticket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Done is closed once the task reached finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// OnChanged registers an observer of run events. Observers run on the task
// loop in registration order and must not block.
func (t *Task) OnChanged(fn func(Event)) {
	t.mu.Lock()
	t.changed = append(t.changed, fn)
	t.mu.Unlock()
}

// OnError registers an observer of protocol and persistence errors.
func (t *Task) OnError(fn func(error)) {
	t.mu.Lock()
	t.errs = append(t.errs, fn)
	t.mu.Unlock()
}

// Start requests runs; it takes effect on the next tick.
func (t *Task) Start() error {
	t.mu.Lock()
	finalized := t.finalized
	t.mu.Unlock()
	if finalized || t.State() == StateFinishing || command(t.cmd.Load()) == cmdStop {
		return ErrFinished
	}
	t.cmd.CompareAndSwap(int32(cmdNone), int32(cmdStart))
	return nil
}

// Finish stops the task after the in-flight run, if any. onDone is called once
// the task is finished; if it already is, onDone runs immediately.
func (t *Task) Finish(onDone func()) {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		if onDone != nil {
			onDone()
		}
		return
	}
	if onDone != nil {
		t.onDone = append(t.onDone, onDone)
	}
	t.mu.Unlock()

	if t.State() == StateFinishing {
		return
	}
	t.cmd.Store(int32(cmdStop))
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Run starts the trigger and processes ticks, worker messages and commands
// until the task is finished or ctx is cancelled. A run in flight at
// cancellation is drained, bounded by the drain timeout, and the task is
// finished either way.
func (t *Task) Run(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("task loop already running")
	}
	defer close(t.exited)

	if err := t.trig.Start(); err != nil {
		t.fail(err)
		t.finalize()
		return fmt.Errorf("task %s: %w", t.cfg.Key, err)
	}
	t.log.Debug("task.loop_started", logx.Int("instances", len(t.cfg.Instances)), logx.Int("max_workers", t.MaxWorkers()))

	for {
		select {
		case <-ctx.Done():
			err := t.shutdown(ctx.Err())
			if t.State() != StateFinished {
				t.finalize()
			}
			return err
		case at := <-t.ticks:
			t.handleTick(at)
		case m := <-t.msgs:
			t.handleMessage(m)
		case <-t.kick:
			t.handleCommand()
		}
		if t.State() == StateFinished {
			return nil
		}
	}
}

func (t *Task) onTick(at time.Time) {
	select {
	case t.ticks <- at:
	case <-t.exited:
	}
}

func (t *Task) setState(s State) {
	if old := State(t.state.Swap(int32(s))); old != s {
		t.log.Debug("task.state", logx.String("from", old.String()), logx.String("to", s.String()))
	}
}

func (t *Task) handleCommand() {
	if command(t.cmd.Load()) != cmdStop {
		return
	}
	switch t.State() {
	case StateStopped, StateIdle:
		t.finalize()
	case StateRunning:
		t.cmd.Store(int32(cmdNone))
		t.setState(StateFinishing)
		t.log.Info("task.finishing: waiting for the current run")
	}
}

func (t *Task) handleTick(at time.Time) {
	switch t.State() {
	case StateRunning, StateFinishing:
		t.log.Debug("tick.skipped: run in progress", logx.Time("at", at))
		t.trig.AllowNextTick()
		return
	case StateFinished:
		return
	}

	switch command(t.cmd.Load()) {
	case cmdStart:
		if t.cmd.CompareAndSwap(int32(cmdStart), int32(cmdNone)) {
			t.setState(StateIdle)
		}
	case cmdStop:
		t.finalize()
		return
	}

	if t.State() != StateIdle {
		t.trig.AllowNextTick()
		return
	}
	t.beginRun()
}

func (t *Task) beginRun() {
	assigns := make([]engine.Assignment, len(t.cfg.Instances))
	for i, inst := range t.cfg.Instances {
		assigns[i] = engine.Assignment{Ord: ticket.Ordinal(i), Instance: inst}
	}
	chunks := engine.Partition(assigns, t.MaxWorkers())

	start := time.Now()
	tk := ticket.New(t.cfg.Key, start)
	tk.UsedWorkers = len(chunks)
	jobs := make([]engine.Job, len(chunks))
	t.pending = make(map[int]bool, len(chunks))
	for ci, chunk := range chunks {
		for _, a := range chunk {
			tk.Add(a.Ord, a.Instance, ci)
		}
		job := engine.Job{
			Worker:           ci,
			Instances:        chunk,
			Queries:          t.cfg.Queries,
			CallbackRows:     t.cfg.Callback.Rows,
			CallbackMessages: t.cfg.Callback.Messages,
		}
		if t.cfg.Output.Rows != "" {
			job.RowsFile = ticket.RowsPath(t.cfg.Output.Rows, t.cfg.Key, start, ci)
		}
		if t.cfg.Output.Messages != "" {
			job.MessagesFile = ticket.MessagesPath(t.cfg.Output.Messages, t.cfg.Key, start, ci)
		}
		jobs[ci] = job
		t.pending[ci] = true
	}
	t.tk = tk
	t.setState(StateRunning)

	t.log.Info("run.started", logx.Ticket(tk.ID), logx.Int("instances", len(tk.Entries)), logx.Int("workers", tk.UsedWorkers))
	t.emit(Event{Kind: EventStart, UsedWorkers: tk.UsedWorkers, Ticket: tk.Clone()})

	if len(jobs) == 0 {
		t.completeRun()
		return
	}
	if err := t.disp.Dispatch(jobs, t.msgs); err != nil {
		t.fail(fmt.Errorf("dispatch: %w", err))
		for i := range tk.Entries {
			tk.Entries[i].State = ticket.StateStop
			tk.Entries[i].Error = err.Error()
		}
		t.completeRun()
	}
}

func (t *Task) handleMessage(m engine.Message) {
	tk := t.tk
	if tk == nil {
		t.fail(fmt.Errorf("%w: %s from worker %03d", ErrNoRun, m.Kind, m.Worker))
		return
	}

	switch m.Kind {
	case engine.KindEnd:
		if !t.pending[m.Worker] {
			t.fail(fmt.Errorf("%w %03d", ErrDuplicateEnd, m.Worker))
			return
		}
		delete(t.pending, m.Worker)
		for _, e := range m.Errors {
			t.fail(&WorkerError{Worker: m.Worker, Msg: e})
		}
		if len(t.pending) == 0 {
			t.completeRun()
		}
		return
	case engine.KindStart, engine.KindRows, engine.KindMessages, engine.KindStop:
	default:
		t.fail(fmt.Errorf("%w %q from worker %03d", engine.ErrUnknownMessage, m.Kind, m.Worker))
		return
	}

	e := tk.Find(m.Ord)
	if e == nil {
		t.fail(fmt.Errorf("%w %q from worker %03d", ErrUnknownOrdinal, m.Ord, m.Worker))
		return
	}
	switch m.Kind {
	case engine.KindStart:
		e.State = ticket.StateProcess
		e.ServerPID = m.ServerPID
	case engine.KindRows:
		e.Rows += m.Count
		if t.cfg.Callback.Rows {
			e.RowData = append(e.RowData, m.Rows...)
		}
	case engine.KindMessages:
		e.Messages += m.Count
		if t.cfg.Callback.Messages {
			e.MessageData = append(e.MessageData, m.Messages...)
		}
	case engine.KindStop:
		e.State = ticket.StateStop
		e.DurationMs = m.DurationMs
		if e.Error == "" {
			e.Error = m.Error
		}
	}
	t.emit(Event{Kind: EventProcess, UsedWorkers: tk.UsedWorkers, Ticket: tk.Clone()})
}

func (t *Task) completeRun() {
	tk := t.tk
	for i := range tk.Entries {
		if e := &tk.Entries[i]; e.State != ticket.StateStop {
			e.State = ticket.StateStop
			if e.Error == "" {
				e.Error = "worker ended without stopping the instance"
			}
		}
	}
	now := time.Now()
	tk.Stop = &now
	final := tk.Clone()
	t.tk, t.pending = nil, nil

	t.emit(Event{Kind: EventStop, UsedWorkers: final.UsedWorkers, Ticket: final})
	if t.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := t.store.Save(ctx, final.Clone()); err != nil {
			t.fail(fmt.Errorf("%w: ticket %s: %v", ErrPersist, final.ID, err))
		}
		cancel()
	}
	t.mu.Lock()
	t.last = final
	t.mu.Unlock()

	lvl := t.log.Info
	if final.Failed() > 0 {
		lvl = t.log.Warn
	}
	lvl("run.completed", logx.Ticket(final.ID), logx.Duration("dur", final.Duration()), logx.Int("failed", final.Failed()))

	if t.State() == StateFinishing || command(t.cmd.Load()) == cmdStop {
		t.finalize()
		return
	}
	t.setState(StateIdle)
	t.trig.AllowNextTick()
}

func (t *Task) finalize() {
	t.cmd.Store(int32(cmdNone))
	t.setState(StateFinished)
	t.trig.Stop()
	t.emit(Event{Kind: EventFinish})

	t.mu.Lock()
	cbs := t.onDone
	t.onDone = nil
	t.finalized = true
	t.mu.Unlock()
	for _, fn := range cbs {
		t.guard("on_done", fn)
	}
	close(t.done)
	t.log.Info("task.finished")
}

func (t *Task) shutdown(cause error) error {
	t.trig.Stop()
	if t.tk == nil {
		return cause
	}
	t.log.Info("task.draining", logx.Int("pending_workers", len(t.pending)), logx.Duration("timeout", t.drain))
	timer := time.NewTimer(t.drain)
	defer timer.Stop()
	for t.tk != nil {
		select {
		case m := <-t.msgs:
			t.handleMessage(m)
		case <-timer.C:
			t.log.Warn("task.drain_timeout", logx.Int("pending_workers", len(t.pending)))
			return cause
		}
	}
	return cause
}

func (t *Task) emit(ev Event) {
	ev.Task = t.cfg.Key
	t.mu.Lock()
	obs := slices.Clone(t.changed)
	t.mu.Unlock()
	for _, fn := range obs {
		t.guard("on_changed", func() { fn(ev) })
	}
}

func (t *Task) fail(err error) {
	t.log.Warn("task.error", logx.Err(err))
	t.mu.Lock()
	obs := slices.Clone(t.errs)
	t.mu.Unlock()
	for _, fn := range obs {
		t.guard("on_error", func() { fn(err) })
	}
}

// guard keeps a panicking observer from killing the loop.
func (t *Task) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("observer.panic", logx.String("observer", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
