package dbexec

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-sql/sqlexp"
	mssql "github.com/microsoft/go-mssqldb"

	logx "mssqltask/pkg/logx"
)

// MSSQL executes batches against SQL Server through go-mssqldb. PRINT and
// RAISERROR output is delivered as info/error messages; the reported pid is
// the session @@SPID.
type MSSQL struct {
	log logx.Logger
}

func NewMSSQL(log logx.Logger) *MSSQL {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &MSSQL{log: log.With(logx.String("driver", DriverMSSQL))}
}

// mssqlDSN builds a sqlserver:// URL. An address of host/instance (the
// normalized form of host\instance) names a named instance. Addresses that
// already are a URL or an ADO-style string are used as is.
func mssqlDSN(inst Instance) string {
	if strings.Contains(inst.Address, "://") || strings.Contains(inst.Address, "=") {
		return inst.Address
	}
	host, instance, _ := strings.Cut(inst.Address, "/")
	u := url.URL{Scheme: "sqlserver", Host: host}
	if instance != "" {
		u.Path = "/" + instance
	}
	if inst.Login != "" {
		u.User = url.UserPassword(inst.Login, inst.Password)
	}
	q := url.Values{}
	if inst.Database != "" {
		q.Set("database", inst.Database)
	}
	q.Set("app name", "mssqltask")
	if inst.ConnectTimeout > 0 {
		q.Set("dial timeout", fmt.Sprint(int(inst.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *MSSQL) Exec(ctx context.Context, inst Instance, queries []string, opt Options, emit func(Event)) {
	connector, err := mssql.NewConnector(mssqlDSN(inst))
	if err != nil {
		emit(Event{Kind: EventStop, Err: fmt.Errorf("parse dsn: %w", err)})
		return
	}
	db := sql.OpenDB(connector)
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

	var spid int64
	if err := conn.QueryRowContext(ctx, "SELECT @@SPID").Scan(&spid); err != nil {
		m.log.Debug("spid lookup failed", logx.Instance(inst.Address), logx.Err(err))
	}

	began := time.Now()
	emit(Event{Kind: EventStart, ServerPID: int(spid)})

	table := 0
	for _, q := range queries {
		n, err := m.query(ctx, conn, table, q, opt, emit)
		table += n
		if err != nil {
			emit(Event{Kind: EventStop, Duration: time.Since(began), Err: err})
			return
		}
	}
	emit(Event{Kind: EventStop, Duration: time.Since(began)})
}

// query runs q in message mode so server output is seen in order with the
// result sets. The first server error fails the query.
func (m *MSSQL) query(ctx context.Context, conn *sql.Conn, table int, q string, opt Options, emit func(Event)) (int, error) {
	message := func(text string, typ MessageType) {
		ev := Event{Kind: EventMessages, Count: 1}
		if opt.WantMessages {
			ev.Messages = []ServerMessage{{Text: text, Type: typ}}
		}
		emit(ev)
	}

	ret := &sqlexp.ReturnMessage{}
	rows, err := conn.QueryContext(ctx, q, ret)
	if err != nil {
		message(err.Error(), MessageError)
		return 0, err
	}
	defer rows.Close()

	var (
		sets int
		qerr error
	)
	for active := true; active && ctx.Err() == nil; {
		switch msg := ret.Message(ctx).(type) {
		case sqlexp.MsgNotice:
			message(fmt.Sprint(msg.Message), MessageInfo)
		case sqlexp.MsgError:
			message(msg.Error.Error(), MessageError)
			if qerr == nil {
				qerr = msg.Error
			}
		case sqlexp.MsgNext:
			cols, err := rows.Columns()
			if err != nil {
				return sets, err
			}
			if err := drainRows(rows, cols, table+sets, opt, emit); err != nil {
				return sets, err
			}
			sets++
		case sqlexp.MsgNextResultSet:
			active = rows.NextResultSet()
		}
	}
	if qerr != nil {
		return sets, qerr
	}
	if err := ctx.Err(); err != nil {
		return sets, err
	}
	return sets, rows.Err()
}
