package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"mssqltask/internal/dbexec"
	"mssqltask/internal/filestream"
	logx "mssqltask/pkg/logx"
)

const (
	streamRows     = "rows"
	streamMessages = "messages"
)

// runChunk executes the instances of job in order and reports on out.
// It always finishes with a stop for every instance and a single end.
func (s *Service) runChunk(ctx context.Context, job Job, out chan<- Message) {
	log := s.log.With(logx.Worker(job.Worker))
	files := filestream.New(filestream.JSONArray)
	if job.RowsFile != "" {
		files.Open(streamRows, job.RowsFile)
	}
	if job.MessagesFile != "" {
		files.Open(streamMessages, job.MessagesFile)
	}

	stopped := make(map[string]bool, len(job.Instances))
	start := time.Now()
	log.Debug("chunk.started", logx.Int("instances", len(job.Instances)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("chunk.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			for _, a := range job.Instances {
				if !stopped[a.Ord] {
					send(ctx, out, Message{Kind: KindStop, Worker: job.Worker, Ord: a.Ord, Error: fmt.Sprintf("worker panic: %v", r)})
				}
			}
		}

		var errs []string
		for _, err := range filestream.Errors(files.Close()) {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			log.Warn("chunk.persist_failed", logx.Strs("errors", errs))
		}
		log.Debug("chunk.completed", logx.Duration("dur", time.Since(start)))
		if !send(ctx, out, Message{Kind: KindEnd, Worker: job.Worker, Errors: errs}) {
			log.Warn("chunk.abandoned: results dropped after cancel")
		}
	}()

	for _, a := range job.Instances {
		s.runInstance(ctx, log, job, a, files, out)
		stopped[a.Ord] = true
	}
}

// runInstance forwards one executor stream. Events that break the
// start/stop framing are dropped; a missing stop is synthesized.
func (s *Service) runInstance(ctx context.Context, log logx.Logger, job Job, a Assignment, files *filestream.Writer, out chan<- Message) {
	log = log.With(logx.Ord(a.Ord), logx.Instance(a.Instance.Address))
	opt := dbexec.Options{
		WantRows:     job.CallbackRows || job.RowsFile != "",
		WantMessages: job.CallbackMessages || job.MessagesFile != "",
	}

	var (
		began   = time.Now()
		started bool
		stop    *Message
		pid     int
	)
	write := func(stream string, recs ...any) {
		if (stream == streamRows && job.RowsFile == "") || (stream == streamMessages && job.MessagesFile == "") {
			return
		}
		// Failures are sticky per stream and collected on close.
		_ = files.Write(stream, recs...)
	}

	emit := func(ev dbexec.Event) {
		if stop != nil {
			log.Debug("instance.event_after_stop", logx.String("kind", string(ev.Kind)))
			return
		}
		switch ev.Kind {
		case dbexec.EventStart:
			if started {
				return
			}
			started = true
			pid = ev.ServerPID
			send(ctx, out, Message{Kind: KindStart, Worker: job.Worker, Ord: a.Ord, ServerPID: ev.ServerPID})

		case dbexec.EventRows:
			if !started {
				return
			}
			recs := make([]any, 0, len(ev.Rows))
			for _, r := range ev.Rows {
				recs = append(recs, rowRecord{Kind: "row", Ord: a.Ord, Table: ev.Table, Row: r})
			}
			write(streamRows, recs...)
			m := Message{Kind: KindRows, Worker: job.Worker, Ord: a.Ord, Count: ev.Count}
			if job.CallbackRows {
				m.Rows = ev.Rows
			}
			send(ctx, out, m)

		case dbexec.EventMessages:
			if !started {
				return
			}
			recs := make([]any, 0, len(ev.Messages))
			for _, msg := range ev.Messages {
				recs = append(recs, msgRecord{Kind: "msg", Ord: a.Ord, Text: msg.Text, Type: msg.Type})
			}
			write(streamMessages, recs...)
			m := Message{Kind: KindMessages, Worker: job.Worker, Ord: a.Ord, Count: ev.Count}
			if job.CallbackMessages {
				m.Messages = ev.Messages
			}
			send(ctx, out, m)

		case dbexec.EventStop:
			m := Message{Kind: KindStop, Worker: job.Worker, Ord: a.Ord, DurationMs: ev.Duration.Milliseconds()}
			if ev.Err != nil {
				m.Error = ev.Err.Error()
			}
			stop = &m
		}
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("instance.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				if stop == nil {
					stop = &Message{Kind: KindStop, Worker: job.Worker, Ord: a.Ord, DurationMs: time.Since(began).Milliseconds(), Error: fmt.Sprintf("panic: %v", r)}
				}
			}
		}()
		s.exec.Exec(ctx, a.Instance, job.Queries, opt, emit)
	}()
	if stop == nil {
		stop = &Message{Kind: KindStop, Worker: job.Worker, Ord: a.Ord, DurationMs: time.Since(began).Milliseconds(), Error: ErrNoStop.Error()}
	}

	trailer := endRecord{Kind: "end", Ord: a.Ord, Instance: a.Instance.Address, ServerPID: pid, DurationMs: stop.DurationMs, Error: stop.Error}
	write(streamRows, trailer)
	write(streamMessages, trailer)

	if stop.Error != "" {
		log.Warn("instance.failed", logx.String("err", stop.Error), logx.Int64("duration_ms", stop.DurationMs))
	} else {
		log.Debug("instance.completed", logx.Int64("duration_ms", stop.DurationMs))
	}
	send(ctx, out, *stop)
}

// send delivers m, or drops it once ctx is done so a worker whose reader
// went away can still exit.
func send(ctx context.Context, out chan<- Message, m Message) bool {
	select {
	case out <- m:
		return true
	default:
	}
	select {
	case out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}
