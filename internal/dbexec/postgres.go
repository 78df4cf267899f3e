package dbexec

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	logx "mssqltask/pkg/logx"
)

// Postgres executes batches over a dedicated pgx connection per call.
// Server notices (RAISE NOTICE/INFO/WARNING) become info messages and query
// errors become error messages.
type Postgres struct {
	log logx.Logger
}

func NewPostgres(log logx.Logger) *Postgres {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Postgres{log: log.With(logx.String("driver", DriverPostgres))}
}

func postgresDSN(inst Instance) string {
	if strings.Contains(inst.Address, "://") || strings.Contains(inst.Address, "=") {
		return inst.Address
	}
	u := url.URL{Scheme: "postgres", Host: inst.Address}
	if inst.Login != "" {
		u.User = url.UserPassword(inst.Login, inst.Password)
	}
	if inst.Database != "" {
		u.Path = "/" + inst.Database
	}
	return u.String()
}

type noticeBuffer struct {
	mu   sync.Mutex
	msgs []ServerMessage
}

func (b *noticeBuffer) add(m ServerMessage) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

func (b *noticeBuffer) take() []ServerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.msgs
	b.msgs = nil
	return out
}

func (p *Postgres) Exec(ctx context.Context, inst Instance, queries []string, opt Options, emit func(Event)) {
	cfg, err := pgx.ParseConfig(postgresDSN(inst))
	if err != nil {
		emit(Event{Kind: EventStop, Err: fmt.Errorf("parse dsn: %w", err)})
		return
	}
	if inst.ConnectTimeout > 0 {
		cfg.ConnectTimeout = inst.ConnectTimeout
	}
	notices := &noticeBuffer{}
	cfg.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		notices.add(ServerMessage{Text: n.Message, Type: MessageInfo})
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		emit(Event{Kind: EventStop, Err: fmt.Errorf("connect %s: %w", inst.Address, err)})
		return
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(cctx)
	}()
	if err := conn.Ping(ctx); err != nil {
		emit(Event{Kind: EventStop, Err: fmt.Errorf("ping %s: %w", inst.Address, err)})
		return
	}

	began := time.Now()
	emit(Event{Kind: EventStart, ServerPID: int(conn.PgConn().PID())})

	flush := func() {
		msgs := notices.take()
		if len(msgs) == 0 {
			return
		}
		ev := Event{Kind: EventMessages, Count: len(msgs)}
		if opt.WantMessages {
			ev.Messages = msgs
		}
		emit(ev)
	}

	for table, q := range queries {
		if err := p.query(ctx, conn, table, q, opt, emit, flush); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				notices.add(ServerMessage{Text: pgErr.Message, Type: MessageError})
			}
			flush()
			emit(Event{Kind: EventStop, Duration: time.Since(began), Err: err})
			return
		}
		flush()
	}
	emit(Event{Kind: EventStop, Duration: time.Since(began)})
}

func (p *Postgres) query(ctx context.Context, conn *pgx.Conn, table int, q string, opt Options, emit func(Event), flush func()) error {
	rows, err := conn.Query(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
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

	for rows.Next() {
		if opt.WantRows {
			vals, err := rows.Values()
			if err != nil {
				return err
			}
			row := make(Row, len(fields))
			for i, f := range fields {
				row[f.Name] = vals[i]
			}
			batch = append(batch, row)
		}
		count++
		if count >= opt.rowBatch() {
			flush()
			send()
		}
	}
	rows.Close()
	flush()
	send()
	return rows.Err()
}
