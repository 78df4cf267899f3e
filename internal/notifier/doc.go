// Package notifier sends operator alerts about failed task runs.
//
// The service listens on the event bus for finished runs and task errors,
// formats a short message and delivers it through a Sender (Telegram by
// default) from a rate-limited queue with retry and duplicate suppression.
package notifier
