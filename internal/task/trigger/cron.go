package trigger

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"mssqltask/internal/task/schedule"
	logx "mssqltask/pkg/logx"
)

// Cron is a Trigger backed by robfig/cron.
type Cron struct {
	mu sync.Mutex

	log    logx.Logger
	spec   schedule.Spec
	loc    *time.Location
	parser cron.Parser

	c     *cron.Cron
	entry cron.EntryID
	tick  func(at time.Time)

	armed   atomic.Bool
	fired   atomic.Uint64
	dropped atomic.Uint64
}

// Snapshot is a diagnostics view of a Cron trigger.
type Snapshot struct {
	Spec    string
	Running bool
	Armed   bool
	Next    time.Time
	Prev    time.Time
	Fired   uint64
	Dropped uint64
}

// NewCron returns a stopped trigger for spec evaluated in loc (nil means time.Local).
func NewCron(spec schedule.Spec, loc *time.Location, log logx.Logger) *Cron {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Cron{
		log:  log,
		spec: spec,
		loc:  loc,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// LoadLocation resolves an IANA timezone name; empty means local time.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func (t *Cron) OnTick(fn func(at time.Time)) {
	t.mu.Lock()
	t.tick = fn
	t.mu.Unlock()
}

func (t *Cron) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return nil
	}

	expr, err := t.spec.Expression()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	sched, err := t.parser.Parse(expr)
	if err != nil {
		t.log.Warn("schedule rejected", logx.String("spec", expr), logx.Err(err))
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}

	c := cron.New(cron.WithParser(t.parser), cron.WithLocation(t.loc))
	t.entry = c.Schedule(sched, cron.FuncJob(t.fire))
	t.armed.Store(true)
	c.Start()
	t.c = c

	t.log.Info("trigger started", logx.String("spec", expr), logx.String("tz", t.loc.String()), logx.Time("next", c.Entry(t.entry).Next))
	return nil
}

func (t *Cron) Stop() {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	// Do not wait for a running job: the tick consumer may be the caller.
	c.Stop()
	t.log.Info("trigger stopped", logx.Uint64("fired", t.fired.Load()), logx.Uint64("dropped", t.dropped.Load()))
}

func (t *Cron) AllowNextTick() { t.armed.Store(true) }

// Next returns the next scheduled firing time, or zero if not running.
func (t *Cron) Next() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c == nil {
		return time.Time{}
	}
	return t.c.Entry(t.entry).Next
}

func (t *Cron) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		Spec:    t.spec.String(),
		Running: t.c != nil,
		Armed:   t.armed.Load(),
		Fired:   t.fired.Load(),
		Dropped: t.dropped.Load(),
	}
	if t.c != nil {
		e := t.c.Entry(t.entry)
		snap.Next = e.Next
		snap.Prev = e.Prev
	}
	return snap
}

func (t *Cron) fire() {
	if !t.armed.CompareAndSwap(true, false) {
		t.dropped.Add(1)
		t.log.Debug("tick dropped: previous tick not acknowledged")
		return
	}
	t.mu.Lock()
	fn := t.tick
	running := t.c != nil
	t.mu.Unlock()
	if !running {
		return
	}
	if fn == nil {
		// Nobody listens; keep the gate open so the first consumer is not starved.
		t.armed.Store(true)
		return
	}
	t.fired.Add(1)
	fn(time.Now().In(t.loc))
}

// PreviewNext returns the next n firing times of spec after from.
func PreviewNext(spec schedule.Spec, loc *time.Location, from time.Time, n int) ([]time.Time, error) {
	expr, err := spec.Expression()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := p.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	if loc == nil {
		loc = time.Local
	}
	out := make([]time.Time, 0, n)
	at := from.In(loc)
	for i := 0; i < n; i++ {
		at = sched.Next(at)
		if at.IsZero() {
			break
		}
		out = append(out, at)
	}
	return out, nil
}
