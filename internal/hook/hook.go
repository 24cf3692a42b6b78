// Package hook defines the named extension points fired by the supervisor
// and a synchronous bus delivering them to observers.
//
// Hooks are notifications only. Handlers receive a copy of the event and
// have no way to influence the supervisor's control flow.
package hook

import (
	"strconv"
	"syscall"
)

// Name identifies a hook point.
type Name string

const (
	Construct             Name = "foreman.construct"
	Prepare               Name = "foreman.prepare"
	Start                 Name = "foreman.start"
	Shutdown              Name = "foreman.shutdown"
	RegisterEventHandler  Name = "foreman.register_event_handler"
	RegisterSignalHandler Name = "foreman.register_signal_handler"
	SpawningWorkers       Name = "foreman.spawning_workers"
	PreFork               Name = "foreman.pre_fork"
	PostFork              Name = "foreman.post_fork"
	MainLoop              Name = "foreman.master_loop"
	CheckingDeadWorkers   Name = "foreman.checking_dead_workers"
	CheckedDeadWorker     Name = "foreman.checked_dead_worker"
	StoppedWorker         Name = "foreman.stopped_worker"
	TimeoutWorkers        Name = "foreman.timeout_workers"
	WorkerTimeout         Name = "foreman.worker_timeout"
	WorkerMessage         Name = "foreman.worker_message"
	SoftShutdown          Name = "foreman.event_soft_kill"
	HardShutdown          Name = "foreman.event_kill"
	KillWorkers           Name = "foreman.event_kill_workers"
	PoolIncrease          Name = "foreman.event_increase"
	PoolDecrease          Name = "foreman.event_decrease"
	ReloadWorkers         Name = "foreman.event_reload"
)

const signalPrefix = "foreman.signal."

// Signal returns the hook fired whenever sig is dispatched.
func Signal(sig syscall.Signal) Name {
	return Name(signalPrefix + strconv.Itoa(int(sig)))
}

// Event describes a fired hook.
type Event struct {
	// Name is the hook that fired
	Name Name

	// Pid is the worker process id, if the hook concerns a worker
	Pid int

	// Slot is the worker slot, if the hook concerns a worker
	Slot int

	// Signal is the dispatched signal, for signal hooks
	Signal syscall.Signal

	// Detail is a human readable description, e.g. an exit status
	Detail string

	// Failed marks events reporting an unsuccessful outcome
	Failed bool
}

// Dispatcher fires hooks. Implementations must not block for long,
// as hooks are fired from the supervisor's main loop.
type Dispatcher interface {
	Fire(Event)
}

// Nop is a dispatcher that drops every event.
type Nop struct{}

func (Nop) Fire(Event) {}
