package supervisor

import (
	"errors"
)

var (
	ErrAlreadyStarted = errors.New("supervisor already started")
	ErrSpawnFailed    = errors.New("unable to spawn worker")
	ErrConnectFailed  = errors.New("unable to connect to worker")
	ErrInvalidSignal  = errors.New("invalid signal")
)

// State is the lifecycle state of the supervisor.
type State int

const (
	Idle State = iota
	Preparing
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerInfo identifies a registered worker.
type WorkerInfo struct {
	Slot int
	Pid  int
}
