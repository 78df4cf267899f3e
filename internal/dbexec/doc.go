// Package dbexec runs query batches against database instances and reports
// progress as a stream of events.
//
// Every Exec call emits at most one start event, followed by any number of rows
// and messages events, and always exactly one terminal stop event. Connection
// or query failures are carried in the stop event, never returned.
package dbexec
