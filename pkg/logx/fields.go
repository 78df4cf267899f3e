package logx

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Strs(k string, v []string) Field  { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err adds err under "err"; a nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Run-scoped keys.
const (
	KeyComp     = "comp"
	KeyTask     = "task"
	KeyTicket   = "ticket"
	KeyWorker   = "worker"
	KeyOrd      = "ord"
	KeyInstance = "instance"
)

// Comp names the emitting component (app, orchestrator, engine, ...).
func Comp(name string) Field { return String(KeyComp, name) }

func Task(key string) Field  { return String(KeyTask, key) }
func Ticket(id string) Field { return String(KeyTicket, id) }

// Worker renders the chunk index the way ticket files do (000, 001, ...).
func Worker(n int) Field {
	return func(e *zerolog.Event) { e.Str(KeyWorker, fmt.Sprintf("%03d", n)) }
}

func Ord(ord string) Field       { return String(KeyOrd, ord) }
func Instance(addr string) Field { return String(KeyInstance, addr) }
