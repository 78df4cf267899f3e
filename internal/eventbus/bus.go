package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the task host.
const (
	RunStarted  = "run.started"
	RunFinished = "run.finished"
	RunError    = "run.error"
	TaskDone    = "task.finished"
)

// Event is an in-memory signal used to decouple components.
//
// Publish never blocks; subscribers get buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// RunSummary is the Data of RunStarted and RunFinished events.
type RunSummary struct {
	Task        string        `json:"task"`
	TicketID    string        `json:"ticket"`
	Instances   int           `json:"instances"`
	UsedWorkers int           `json:"usedWorkers"`
	Failed      int           `json:"failed,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
	Rows        int           `json:"rows,omitempty"`
	Messages    int           `json:"messages,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// ErrorInfo is the Data of RunError events.
type ErrorInfo struct {
	Task  string `json:"task"`
	Error string `json:"error"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events of the given types, or of
	// every type when none are given.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]bool
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if len(s.types) == 0 || s.types[e.Type] {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// The channel may be closed by a concurrent unsubscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
