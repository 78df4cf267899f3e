package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mssqltask/internal/ticket"
	logx "mssqltask/pkg/logx"
)

// Open initializes the configured store. It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (TicketStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		st, err := NewFileStore(cfg.Path, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// OpenHistory opens the configured store for reading past runs. Only sqlite
// keeps a queryable history; other drivers return ErrNoHistory.
func OpenHistory(cfg Config, log logx.Logger) (History, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "sqlite", "sqlite3":
	case "", "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoHistory, driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log.With(logx.Comp("storage"), logx.String("driver", driver)))
}

// Multi saves to every store and joins their errors.
type Multi []TicketStore

// Join returns the non-nil stores as one store, or nil if there are none.
func Join(stores ...TicketStore) TicketStore {
	var m Multi
	for _, s := range stores {
		if s != nil {
			m = append(m, s)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

func (m Multi) Save(ctx context.Context, t *ticket.Ticket) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
	}
	return errors.Join(errs...)
}
