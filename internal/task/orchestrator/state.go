package orchestrator

type State int32

const (
	StateStopped State = iota
	StateIdle
	StateRunning
	StateFinishing
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFinishing:
		return "finishing"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

type command int32

const (
	cmdNone command = iota
	cmdStart
	cmdStop
)
