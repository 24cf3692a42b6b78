package worker

import (
	"errors"
	"time"

	"github.com/lambda-feedback/foreman/internal/channel"
)

var (
	ErrWrongRole = errors.New("operation not available for this side of the channel")
	ErrTaskPanic = errors.New("task panicked")
)

// Process exit codes of a worker.
const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitHardKilled = 2
)

// Task is the unit of work executed inside a worker process.
type Task interface {
	// Run executes the task until it completes or is asked to stop.
	// It must call HouseKeep on the handle regularly to stay visible
	// to the supervisor and to receive control messages.
	Run(*Handle) error

	// SoftKill requests a graceful stop. It may be called multiple times.
	SoftKill()

	// Close releases the task's resources. It is called once,
	// before the worker process exits.
	Close() error
}

// Reloader is implemented by tasks that react to reload requests.
type Reloader interface {
	Reload()
}

// Conn is the channel a handle talks to its peer through.
type Conn interface {
	Send(channel.Message) error
	ReceiveMany() []channel.Message
	Touch(time.Time) error
	Heartbeat() time.Time
	Close() error
	Cleanup() error
}

var _ Conn = (*channel.Channel)(nil)

type ExitEvent struct {
	// Code is the exit code of the process
	Code *int

	// Signal is the signal that caused the process to exit
	Signal *int
}
