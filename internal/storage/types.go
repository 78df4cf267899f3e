package storage

import (
	"context"
	"errors"
	"time"

	"mssqltask/internal/ticket"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNoHistory is returned by OpenHistory for drivers that cannot be queried.
	ErrNoHistory = errors.New("storage driver does not keep a queryable history")
)

// Config configures a ticket store.
//
// Driver values: "file" (Path is the tickets root), "sqlite" (Path is the
// database file). Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops sqlite tickets that started longer ago. 0 keeps all.
	Retention time.Duration
}

// TicketStore persists finished tickets. Save receives a ticket the caller no
// longer mutates.
type TicketStore interface {
	Save(ctx context.Context, t *ticket.Ticket) error
	Close() error
}

// Record summarizes one stored run.
type Record struct {
	ID          string
	Task        string
	Start       time.Time
	Stop        time.Time // zero if the run never completed
	UsedWorkers int
	Instances   int
	Failed      int
	Rows        int
	// Errors lists "ord instance: error" for failed entries in ordinal order.
	Errors []string
}

func (r Record) Duration() time.Duration {
	if r.Stop.IsZero() {
		return 0
	}
	return r.Stop.Sub(r.Start)
}

// History reads stored runs, newest first.
type History interface {
	Recent(ctx context.Context, task string, limit int) ([]Record, error)
	Close() error
}
