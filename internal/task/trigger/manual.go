package trigger

import (
	"sync"
	"time"
)

// Manual is a Trigger fired by the caller. It backs one-shot runs and tests.
type Manual struct {
	mu      sync.Mutex
	started bool
	armed   bool
	tick    func(at time.Time)

	delivered int
	dropped   int
	allowed   int
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		m.started = true
		m.armed = true
	}
	return nil
}

func (m *Manual) Stop() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

func (m *Manual) OnTick(fn func(at time.Time)) {
	m.mu.Lock()
	m.tick = fn
	m.mu.Unlock()
}

func (m *Manual) AllowNextTick() {
	m.mu.Lock()
	m.armed = true
	m.allowed++
	m.mu.Unlock()
}

// Fire delivers a tick if the trigger is started and the gate is open.
// It reports whether the tick was delivered; the consumer runs on the caller's goroutine.
func (m *Manual) Fire() bool {
	m.mu.Lock()
	if !m.started || !m.armed || m.tick == nil {
		m.dropped++
		m.mu.Unlock()
		return false
	}
	m.armed = false
	m.delivered++
	fn := m.tick
	m.mu.Unlock()

	fn(time.Now())
	return true
}

// Deliver hands a tick to the consumer ignoring the gate, as a misbehaving
// scheduler would.
func (m *Manual) Deliver() {
	m.mu.Lock()
	fn := m.tick
	m.delivered++
	m.mu.Unlock()
	if fn != nil {
		fn(time.Now())
	}
}

func (m *Manual) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Allowed counts AllowNextTick calls.
func (m *Manual) Allowed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowed
}

func (m *Manual) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
