package supervisor

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalQueueSize bounds the number of signals buffered between ticks.
const signalQueueSize = 16

type event int

const (
	eventNone event = iota
	eventSoftShutdown
	eventHardShutdown
	eventKillWorkers
	eventIncrease
	eventDecrease
	eventReload
	eventMessages
)

func (e event) String() string {
	switch e {
	case eventSoftShutdown:
		return "soft_shutdown"
	case eventHardShutdown:
		return "hard_shutdown"
	case eventKillWorkers:
		return "kill_workers"
	case eventIncrease:
		return "increase"
	case eventDecrease:
		return "decrease"
	case eventReload:
		return "reload"
	case eventMessages:
		return "messages"
	default:
		return "none"
	}
}

// signalEvents binds signals to supervisor events. Signals missing from
// the table only fire their hook.
var signalEvents = map[syscall.Signal]event{
	syscall.SIGQUIT:  eventSoftShutdown,
	syscall.SIGTERM:  eventHardShutdown,
	syscall.SIGINT:   eventHardShutdown,
	syscall.SIGWINCH: eventKillWorkers,
	syscall.SIGTTIN:  eventIncrease,
	syscall.SIGTTOU:  eventDecrease,
	syscall.SIGHUP:   eventReload,
}

// ParseSignal parses a signal given by name, with or without
// the SIG prefix, or by number.
func ParseSignal(name string) (syscall.Signal, error) {
	name = strings.ToUpper(strings.TrimSpace(name))

	if n, err := strconv.Atoi(name); err == nil {
		if n <= 0 || n >= 65 {
			return 0, fmt.Errorf("%w: %s", ErrInvalidSignal, name)
		}
		return syscall.Signal(n), nil
	}

	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}

	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidSignal, name)
	}

	return sig, nil
}
