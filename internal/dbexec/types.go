package dbexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownDriver = errors.New("dbexec: unknown driver")

const (
	DriverMSSQL    = "mssql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Instance describes one database target.
type Instance struct {
	Driver   string   `json:"driver"`
	Address  string   `json:"address"`
	Database string   `json:"database,omitempty"`
	Login    string   `json:"login,omitempty"`
	Password string   `json:"-"`
	Title    string   `json:"title,omitempty"`
	Note     string   `json:"note,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	ConnectTimeout time.Duration `json:"-"`
}

// Normalize returns a copy with defaults applied: backslashes in the address
// become slashes, the title falls back to the address and tags are trimmed and
// de-duplicated case-insensitively (first spelling wins).
func (in Instance) Normalize() Instance {
	out := in
	out.Driver = strings.ToLower(strings.TrimSpace(in.Driver))
	switch out.Driver {
	case "":
		out.Driver = DriverPostgres
	case "sqlserver":
		out.Driver = DriverMSSQL
	}
	out.Address = strings.ReplaceAll(strings.TrimSpace(in.Address), `\`, "/")
	out.Title = strings.TrimSpace(in.Title)
	if out.Title == "" {
		out.Title = out.Address
	}
	out.Note = strings.TrimSpace(in.Note)

	out.Tags = nil
	seen := map[string]bool{}
	for _, t := range in.Tags {
		t = strings.TrimSpace(t)
		k := strings.ToLower(t)
		if t == "" || seen[k] {
			continue
		}
		seen[k] = true
		out.Tags = append(out.Tags, t)
	}
	return out
}

func (in Instance) String() string {
	if in.Database == "" {
		return in.Driver + "://" + in.Address
	}
	return fmt.Sprintf("%s://%s/%s", in.Driver, in.Address, in.Database)
}

type EventKind string

const (
	EventStart    EventKind = "start"
	EventRows     EventKind = "rows"
	EventMessages EventKind = "messages"
	EventStop     EventKind = "stop"
)

type MessageType string

const (
	MessageInfo  MessageType = "info"
	MessageError MessageType = "error"
)

// Row is one result row keyed by column name.
type Row map[string]any

// ServerMessage is informational or error text produced by the server.
type ServerMessage struct {
	Text string      `json:"text"`
	Type MessageType `json:"type"`
}

// Event is one item of an Exec stream.
type Event struct {
	Kind EventKind

	// start
	ServerPID int

	// rows: Table is the zero-based index of the result set within the batch.
	// Count is always set; Rows and Messages carry data only when requested.
	Table    int
	Count    int
	Rows     []Row
	Messages []ServerMessage

	// stop
	Duration time.Duration
	Err      error
}

type Options struct {
	WantRows     bool
	WantMessages bool
	// RowBatch caps the number of rows per rows event; <=0 means 500.
	RowBatch int
}

func (o Options) rowBatch() int {
	if o.RowBatch <= 0 {
		return 500
	}
	return o.RowBatch
}

// Executor runs queries against one instance.
//
// Row and message payloads are only attached when requested in opt; counts
// are reported regardless.
type Executor interface {
	Exec(ctx context.Context, inst Instance, queries []string, opt Options, emit func(Event))
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, inst Instance, queries []string, opt Options, emit func(Event))

func (f ExecutorFunc) Exec(ctx context.Context, inst Instance, queries []string, opt Options, emit func(Event)) {
	f(ctx, inst, queries, opt, emit)
}
