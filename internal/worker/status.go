package worker

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Status is the raw wait status of a reaped or stopped worker.
// All accessors are pure.
type Status struct {
	raw   unix.WaitStatus
	valid bool
}

// NewStatus wraps a wait status as returned by wait4.
func NewStatus(ws unix.WaitStatus) Status {
	return Status{raw: ws, valid: true}
}

// ExitedStatus builds the status of a process that exited with code.
func ExitedStatus(code int) Status {
	return NewStatus(unix.WaitStatus((code & 0xff) << 8))
}

// SignaledStatus builds the status of a process terminated by sig.
func SignaledStatus(sig syscall.Signal) Status {
	return NewStatus(unix.WaitStatus(sig & 0x7f))
}

// StoppedStatus builds the status of a process stopped by sig.
func StoppedStatus(sig syscall.Signal) Status {
	return NewStatus(unix.WaitStatus(0x7f | int(sig)<<8))
}

// Valid reports whether the status was set by a reap.
func (s Status) Valid() bool {
	return s.valid
}

func (s Status) IsExited() bool {
	return s.valid && s.raw.Exited()
}

func (s Status) IsSignaled() bool {
	return s.valid && s.raw.Signaled()
}

func (s Status) IsStopped() bool {
	return s.valid && s.raw.Stopped()
}

// ExitCode returns the exit code, or -1 if the process did not exit.
func (s Status) ExitCode() int {
	if !s.IsExited() {
		return -1
	}
	return s.raw.ExitStatus()
}

// TermSignal returns the terminating signal, or 0 if not signaled.
func (s Status) TermSignal() syscall.Signal {
	if !s.IsSignaled() {
		return 0
	}
	return syscall.Signal(s.raw.Signal())
}

// StopSignal returns the stopping signal, or 0 if not stopped.
func (s Status) StopSignal() syscall.Signal {
	if !s.IsStopped() {
		return 0
	}
	return syscall.Signal(s.raw.StopSignal())
}

// IsSuccessful reports whether the process exited with code 0.
func (s Status) IsSuccessful() bool {
	return s.IsExited() && s.ExitCode() == 0
}

// Event converts the status into an ExitEvent. A status that can't be
// decoded into an exit code or signal is reported as exit code 1.
func (s Status) Event() ExitEvent {
	var cell int

	switch {
	case s.IsExited():
		cell = s.ExitCode()
		return ExitEvent{Code: &cell}
	case s.IsSignaled():
		cell = int(s.TermSignal())
		return ExitEvent{Signal: &cell}
	default:
		cell = ExitFailure
		return ExitEvent{Code: &cell}
	}
}

func (s Status) String() string {
	switch {
	case !s.valid:
		return "unknown"
	case s.IsExited():
		return fmt.Sprintf("exited with code %d", s.ExitCode())
	case s.IsSignaled():
		return fmt.Sprintf("terminated by %s", s.TermSignal())
	case s.IsStopped():
		return fmt.Sprintf("stopped by %s", s.StopSignal())
	default:
		return fmt.Sprintf("status %#x", uint32(s.raw))
	}
}
