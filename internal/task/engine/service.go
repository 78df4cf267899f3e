package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"mssqltask/internal/dbexec"
	"mssqltask/internal/runtime/supervisor"
	logx "mssqltask/pkg/logx"
)

const reapTimeout = 5 * time.Second

// Service runs chunk workers as supervised goroutines. A worker never blocks
// its siblings: each chunk has its own goroutine and executor stream.
type Service struct {
	log  logx.Logger
	exec dbexec.Executor
	sup  *supervisor.Supervisor

	active  atomic.Int64
	started atomic.Uint64
	closed  atomic.Bool
}

func New(ctx context.Context, exec dbexec.Executor, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("engine"))
	return &Service{
		log:  log,
		exec: exec,
		sup:  supervisor.New(ctx, supervisor.WithLogger(log)),
	}
}

// Dispatch starts one worker per job. Results, including the final end of
// each worker, are sent on out; the caller must keep draining it.
func (s *Service) Dispatch(jobs []Job, out chan<- Message) error {
	if s.closed.Load() {
		return ErrStopped
	}
	for _, job := range jobs {
		job := job
		s.active.Add(1)
		s.started.Add(1)
		s.sup.Go0(fmt.Sprintf("worker.%03d", job.Worker), func(ctx context.Context) {
			defer s.active.Add(-1)
			s.runChunk(ctx, job, out)
		})
	}
	return nil
}

// ActiveWorkers is the number of chunk workers currently running.
func (s *Service) ActiveWorkers() int64 { return s.active.Load() }

// StartedWorkers is the number of chunk workers ever started.
func (s *Service) StartedWorkers() uint64 { return s.started.Load() }

// Shutdown refuses new work and waits for running workers until ctx expires.
// Workers still running then are cancelled and given reapTimeout to exit;
// their undelivered results are dropped.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	err := s.sup.Wait(ctx)
	s.sup.Cancel()
	if err != nil {
		rctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
		defer cancel()
		if rerr := s.sup.Wait(rctx); rerr != nil {
			s.log.Warn("engine.workers_stuck", logx.Int64("active", s.active.Load()))
		}
	}
	return err
}
