package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lambda-feedback/foreman/internal/channel"
	"github.com/lambda-feedback/foreman/internal/hook"
	"go.uber.org/zap"
)

type RunConfig struct {
	// Slot is the slot assigned by the supervisor
	Slot int

	// ParentPid is the supervisor's process id
	ParentPid int

	// Dir is the directory holding the channel fifos
	Dir string

	// Prefix is the channel file name prefix
	Prefix string

	// Signal wakes the peer after a message was sent
	Signal syscall.Signal

	// Pause is the time to sleep after signalling the peer
	Pause time.Duration

	// OpenTimeout bounds the channel rendezvous. Zero means no timeout.
	OpenTimeout time.Duration
}

// Run is the worker process boundary. It connects to the supervisor, runs
// task and returns the exit code for the process. Task errors and panics
// never escape Run.
func Run(ctx context.Context, config RunConfig, task Task, hooks hook.Dispatcher, log *zap.Logger) int {
	if hooks == nil {
		hooks = hook.Nop{}
	}

	pid := os.Getpid()

	conn := channel.New(channel.Config{
		Dir:       config.Dir,
		Prefix:    config.Prefix,
		Pid:       pid,
		ParentPid: config.ParentPid,
		Role:      channel.WorkerRole,
		Signal:    config.Signal,
		Pause:     config.Pause,
	}, log)

	// subscribe before the rendezvous, so no wake-up is lost
	var pending chan os.Signal
	if config.Signal != 0 {
		pending = make(chan os.Signal, 1)
		signal.Notify(pending, config.Signal)
		defer signal.Stop(pending)
	}

	openCtx := ctx
	if config.OpenTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, config.OpenTimeout)
		defer cancel()
	}

	if err := conn.Open(openCtx); err != nil {
		log.Error("unable to connect to supervisor", zap.Error(err))
		conn.Close()
		return ExitFailure
	}

	h := NewWorkerHandle(Config{
		Slot:      config.Slot,
		Pid:       pid,
		ParentPid: config.ParentPid,
	}, conn, task, log)

	if pending != nil {
		h.pending = pending
	}

	defer func() {
		if err := h.Release(); err != nil {
			h.log.Warn("unable to release channel", zap.Error(err))
		}
	}()

	hooks.Fire(hook.Event{Name: hook.PostFork, Pid: pid, Slot: config.Slot})

	return h.run()
}

func (h *Handle) run() int {
	code := ExitSuccess

	h.log.Info("worker started")

	// check in once before the task starts
	h.HouseKeep()

	if err := protect(func() error { return h.task.Run(h) }); err != nil {
		h.log.Error("task failed", zap.Error(err))
		code = ExitFailure
	}

	if err := protect(h.Close); err != nil {
		h.log.Error("unable to close task", zap.Error(err))
		code = ExitFailure
	}

	if err := h.Closing(); err != nil {
		h.log.Warn("unable to notify supervisor", zap.Error(err))
	}

	h.log.Info("worker exiting", zap.Int("code", code))

	return code
}

// protect converts a panic in fn into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()

	return fn()
}
