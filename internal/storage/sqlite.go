package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"mssqltask/internal/ticket"
	logx "mssqltask/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// pruneEvery is the number of saves between retention sweeps.
const pruneEvery = 50

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	saves atomic.Uint64
	now   func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// One connection: pragmas are per connection and sqlite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Path, err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the ticket row and replaces its entries in one transaction.
func (s *sqliteStore) Save(ctx context.Context, t *ticket.Ticket) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	b, err := t.Snapshot()
	if err != nil {
		return err
	}
	var stop any
	if t.Stop != nil {
		stop = t.Stop.UnixMilli()
	}
	rows := 0
	for _, e := range t.Entries {
		rows += e.Rows
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tickets(id, task, start_ms, stop_ms, used_workers, instances, failed, rows_total, snapshot)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET stop_ms=excluded.stop_ms, failed=excluded.failed,
		   rows_total=excluded.rows_total, snapshot=excluded.snapshot`,
		t.ID, t.TaskKey, t.Start.UnixMilli(), stop, t.UsedWorkers, len(t.Entries), t.Failed(), rows, string(b),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ticket_entries WHERE ticket_id = ?`, t.ID); err != nil {
		return err
	}
	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO ticket_entries(ticket_id, ord, instance, title, worker, server_pid, rows_count, messages, duration_ms, error)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer ins.Close()
	for _, e := range t.Entries {
		if _, err := ins.ExecContext(ctx, t.ID, e.Ord, e.Instance, nullStr(e.Title), e.Worker, e.ServerPID,
			e.Rows, e.Messages, e.DurationMs, nullStr(e.Error)); err != nil {
			return fmt.Errorf("entry %s: %w", e.Ord, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if s.retention > 0 && s.saves.Add(1)%pruneEvery == 1 {
		if n, err := s.prune(ctx); err != nil {
			s.log.Warn("ticket prune failed", logx.Err(err))
		} else if n > 0 {
			s.log.Debug("tickets pruned", logx.Int64("count", n), logx.Duration("retention", s.retention))
		}
	}
	return nil
}

// prune deletes tickets that started before now-retention.
func (s *sqliteStore) prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention).UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ticket_entries WHERE ticket_id IN (SELECT id FROM tickets WHERE start_ms < ?)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE start_ms < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// Recent returns up to limit runs of task, newest first. Empty task means all tasks.
func (s *sqliteStore) Recent(ctx context.Context, task string, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task, start_ms, stop_ms, used_workers, instances, failed, rows_total
		 FROM tickets WHERE (? = '' OR task = ?) ORDER BY start_ms DESC LIMIT ?`,
		task, task, limit)
	if err != nil {
		return nil, err
	}
	var out []Record
	for rows.Next() {
		var (
			r       Record
			startMs int64
			stopMs  sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Task, &startMs, &stopMs, &r.UsedWorkers, &r.Instances, &r.Failed, &r.Rows); err != nil {
			_ = rows.Close()
			return nil, err
		}
		r.Start = time.UnixMilli(startMs)
		if stopMs.Valid {
			r.Stop = time.UnixMilli(stopMs.Int64)
		}
		out = append(out, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Single connection: entries are read after the ticket cursor is closed.
	for i := range out {
		if out[i].Failed == 0 {
			continue
		}
		if out[i].Errors, err = s.entryErrors(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqliteStore) entryErrors(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ord, COALESCE(title, instance), error FROM ticket_entries
		 WHERE ticket_id = ? AND error IS NOT NULL ORDER BY ord`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ord, name, msg string
		if err := rows.Scan(&ord, &name, &msg); err != nil {
			return nil, err
		}
		out = append(out, ord+" "+name+": "+msg)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
