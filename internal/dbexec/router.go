package dbexec

import (
	"context"
	"fmt"
	"strings"
	"sync"

	logx "mssqltask/pkg/logx"
)

// Router dispatches to an Executor by Instance.Driver.
type Router struct {
	mu      sync.RWMutex
	drivers map[string]Executor
}

// NewRouter returns a router with the mssql, postgres and sqlite executors registered.
func NewRouter(log logx.Logger) *Router {
	r := &Router{drivers: map[string]Executor{}}
	r.Register(DriverMSSQL, NewMSSQL(log))
	r.Register(DriverPostgres, NewPostgres(log))
	r.Register(DriverSQLite, NewSQLite(log))
	return r
}

func (r *Router) Register(driver string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[strings.ToLower(driver)] = ex
}

func (r *Router) Has(driver string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.drivers[strings.ToLower(driver)]
	return ok
}

func (r *Router) Exec(ctx context.Context, inst Instance, queries []string, opt Options, emit func(Event)) {
	r.mu.RLock()
	ex := r.drivers[strings.ToLower(inst.Driver)]
	r.mu.RUnlock()
	if ex == nil {
		emit(Event{Kind: EventStop, Err: fmt.Errorf("%w %q", ErrUnknownDriver, inst.Driver)})
		return
	}
	ex.Exec(ctx, inst, queries, opt, emit)
}
