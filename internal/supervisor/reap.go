package supervisor

import (
	"errors"

	"github.com/lambda-feedback/foreman/internal/worker"
	"golang.org/x/sys/unix"
)

// Reaper collects terminated or stopped children without blocking.
type Reaper interface {
	// Reap returns the next child whose state changed, or a pid of 0 if
	// there is none.
	Reap() (int, worker.Status, error)
}

// WaitReaper reaps children of the current process with wait4.
type WaitReaper struct{}

var _ Reaper = WaitReaper{}

func NewWaitReaper() WaitReaper {
	return WaitReaper{}
}

func (WaitReaper) Reap() (int, worker.Status, error) {
	for {
		var ws unix.WaitStatus

		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG|unix.WUNTRACED, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return 0, worker.Status{}, nil
		case err != nil:
			return 0, worker.Status{}, err
		case pid <= 0:
			return 0, worker.Status{}, nil
		}

		return pid, worker.NewStatus(ws), nil
	}
}
