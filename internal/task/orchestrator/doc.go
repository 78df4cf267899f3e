// Package orchestrator runs one task definition: it turns trigger ticks into
// runs, fans each run out over chunk workers and aggregates their results into
// a ticket.
//
// All run state lives on the goroutine executing Task.Run. Ticks, worker
// messages and commands are funnelled into that loop, so the ticket is never
// touched concurrently. Only the worker limit and the pending command are
// written from outside, and both are single atomics.
package orchestrator
