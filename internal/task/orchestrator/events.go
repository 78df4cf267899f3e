package orchestrator

import (
	"errors"
	"fmt"

	"mssqltask/internal/ticket"
)

type EventKind string

const (
	EventStart   EventKind = "start"
	EventProcess EventKind = "process"
	EventStop    EventKind = "stop"
	EventFinish  EventKind = "finish"
)

// Event is delivered to change observers. Ticket is a private copy, nil for finish.
type Event struct {
	Kind        EventKind
	Task        string
	UsedWorkers int
	Ticket      *ticket.Ticket
}

var (
	ErrFinished       = errors.New("task finished")
	ErrUnknownOrdinal = errors.New("unknown instance ordinal")
	ErrDuplicateEnd   = errors.New("duplicate end from worker")
	ErrNoRun          = errors.New("worker message outside of a run")
	ErrPersist        = errors.New("persistence failed")
)

// WorkerError is a persistence error reported by a chunk worker.
type WorkerError struct {
	Worker int
	Msg    string
}

func (e *WorkerError) Error() string { return fmt.Sprintf("worker %03d: %s", e.Worker, e.Msg) }

func (e *WorkerError) Unwrap() error { return ErrPersist }
