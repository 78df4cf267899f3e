package dbexec

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	logx "mssqltask/pkg/logx"
)

// SQLite executes batches against a database file through modernc.org/sqlite.
// There is no server process: the reported pid is the current process.
type SQLite struct {
	log logx.Logger
}

func NewSQLite(log logx.Logger) *SQLite {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SQLite{log: log.With(logx.String("driver", DriverSQLite))}
}

func (s *SQLite) Exec(ctx context.Context, inst Instance, queries []string, opt Options, emit func(Event)) {
	db, err := sql.Open("sqlite", inst.Address)
	if err != nil {
		emit(Event{Kind: EventStop, Err: fmt.Errorf("open %s: %w", inst.Address, err)})
		return
	}
	defer db.Close()

	pctx := ctx
	if inst.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, inst.ConnectTimeout)
		defer cancel()
	}
	conn, err := db.Conn(pctx)
	if err == nil {
		err = conn.PingContext(pctx)
		if err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		emit(Event{Kind: EventStop, Err: fmt.Errorf("ping %s: %w", inst.Address, err)})
		return
	}
	defer conn.Close()

	began := time.Now()
	emit(Event{Kind: EventStart, ServerPID: os.Getpid()})

	table := 0
	for _, q := range queries {
		n, err := s.query(ctx, conn, table, q, opt, emit)
		if err != nil {
			ev := Event{Kind: EventMessages, Count: 1}
			if opt.WantMessages {
				ev.Messages = []ServerMessage{{Text: err.Error(), Type: MessageError}}
			}
			emit(ev)
			emit(Event{Kind: EventStop, Duration: time.Since(began), Err: err})
			return
		}
		table += n
	}
	emit(Event{Kind: EventStop, Duration: time.Since(began)})
}

// query runs q and returns the number of result sets it produced.
func (s *SQLite) query(ctx context.Context, conn *sql.Conn, table int, q string, opt Options, emit func(Event)) (int, error) {
	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	sets := 0
	for {
		cols, err := rows.Columns()
		if err != nil {
			return sets, err
		}
		if len(cols) > 0 {
			if err := drainRows(rows, cols, table+sets, opt, emit); err != nil {
				return sets, err
			}
			sets++
		}
		if !rows.NextResultSet() {
			break
		}
	}
	return sets, rows.Err()
}

// drainRows reads the current result set of rows in batches of opt.rowBatch.
func drainRows(rows *sql.Rows, cols []string, table int, opt Options, emit func(Event)) error {
	batch := make([]Row, 0, opt.rowBatch())
	count := 0
	send := func() {
		if count == 0 {
			return
		}
		ev := Event{Kind: EventRows, Table: table, Count: count}
		if opt.WantRows {
			ev.Rows = batch
			batch = make([]Row, 0, opt.rowBatch())
		}
		emit(ev)
		count = 0
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		if opt.WantRows {
			row := make(Row, len(cols))
			for i, c := range cols {
				if b, ok := vals[i].([]byte); ok {
					row[c] = string(b)
				} else {
					row[c] = vals[i]
				}
			}
			batch = append(batch, row)
		}
		count++
		if count >= opt.rowBatch() {
			send()
		}
	}
	send()
	return rows.Err()
}
