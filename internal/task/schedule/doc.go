// Package schedule describes when a task fires.
//
// A schedule is either a raw cron expression or a structured weekday/period
// definition. Structured definitions are normalized at construction and map
// deterministically to one 6-field cron expression
// (seconds minutes hours day-of-month month day-of-week).
package schedule
