// Package trigger turns a schedule into tick events.
//
// A trigger never delivers a tick before the previous one is acknowledged with
// AllowNextTick. Firings that happen while the gate is closed are dropped, not
// queued: this is what keeps runs of one task from overlapping.
package trigger
