// Package logx is the structured logger used across mssqltask.
//
// Logger is a value type over zerolog. Loggers derived from a Service follow
// Service.Apply, so a config reload changes level and sinks of every
// component without handing out new loggers. Run-scoped helpers (Task,
// Ticket, Worker, Ord) keep field names identical in every package, which is
// what log queries filter on.
package logx
