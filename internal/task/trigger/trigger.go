package trigger

import (
	"errors"
	"time"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Trigger delivers ticks to a single consumer.
type Trigger interface {
	// Start begins scheduling. It is idempotent; an invalid schedule is reported
	// as an error and the trigger never fires.
	Start() error
	// Stop cancels all future ticks. It is idempotent.
	Stop()
	// OnTick registers the tick consumer, replacing any previous one.
	OnTick(fn func(at time.Time))
	// AllowNextTick re-opens the gate closed by the last delivered tick.
	AllowNextTick()
}
