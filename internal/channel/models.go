package channel

import (
	"errors"
	"syscall"
	"time"
)

var (
	ErrPeerUnreachable = errors.New("channel peer unreachable")
	ErrChannelClosed   = errors.New("channel closed")
	ErrInvalidMessage  = errors.New("invalid control message")
)

// Role determines the read/write polarity of a channel and
// which process is signalled after a write.
type Role int

const (
	// SupervisorRole reads "up" and writes "down".
	SupervisorRole Role = iota

	// WorkerRole writes "up" and reads "down".
	WorkerRole
)

func (r Role) String() string {
	switch r {
	case SupervisorRole:
		return "supervisor"
	case WorkerRole:
		return "worker"
	default:
		return "unknown"
	}
}

// Direction names one of the two streams of a channel.
type Direction string

const (
	// Up carries messages from the worker to the supervisor.
	Up Direction = "up"

	// Down carries messages from the supervisor to the worker.
	Down Direction = "down"
)

// DefaultPause is the time the sender sleeps after signalling the peer.
const DefaultPause = 500 * time.Microsecond

type Config struct {
	// Dir is the directory holding the fifos. Defaults to os.TempDir().
	Dir string

	// Prefix is prepended to the worker pid to form the fifo file names.
	Prefix string

	// Pid is the process id of the worker owning the channel.
	Pid int

	// ParentPid is the supervisor's process id. Only used by the worker side.
	ParentPid int

	// Role is the side of the channel this process is on.
	Role Role

	// Signal is delivered to the peer after each write. Zero disables signalling.
	Signal syscall.Signal

	// Pause is the time to sleep after signalling the peer.
	Pause time.Duration
}
