package worker

import (
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/lambda-feedback/foreman/internal/channel"
	"go.uber.org/zap"
)

type Config struct {
	// Slot is the logical index of the worker in the pool
	Slot int

	// Pid is the worker's process id
	Pid int

	// ParentPid is the supervisor's process id, only known on the worker side
	ParentPid int

	// Role is the side of the channel the handle lives on
	Role channel.Role
}

// Handle is the state of a single worker, as seen from either the
// supervisor or the worker process itself. Lifecycle operations are
// translated into outbound messages on the supervisor side and into
// task calls on the worker side.
//
// A handle is not safe for concurrent use. Each side drives it from
// a single goroutine.
type Handle struct {
	config Config

	conn Conn
	task Task

	lastHeartbeat time.Time
	status        Status

	// pending receives a value whenever the peer signalled new messages.
	// A nil channel means messages are polled on every checkpoint.
	pending <-chan os.Signal

	closeOnce sync.Once
	closeErr  error

	releaseOnce sync.Once
	releaseErr  error

	// orphaned is set once the supervisor is gone
	orphaned bool

	now     func() time.Time
	exit    func(code int)
	getppid func() int

	log *zap.Logger
}

// NewSupervisorHandle returns the supervisor's view of a spawned worker.
func NewSupervisorHandle(slot, pid int, conn Conn, log *zap.Logger) *Handle {
	return newHandle(Config{
		Slot: slot,
		Pid:  pid,
		Role: channel.SupervisorRole,
	}, conn, nil, log)
}

// NewWorkerHandle returns the worker's own handle, running task.
func NewWorkerHandle(config Config, conn Conn, task Task, log *zap.Logger) *Handle {
	config.Role = channel.WorkerRole
	return newHandle(config, conn, task, log)
}

func newHandle(config Config, conn Conn, task Task, log *zap.Logger) *Handle {
	return &Handle{
		config: config,
		conn:   conn,
		task:   task,
		now:     time.Now,
		exit:    os.Exit,
		getppid: os.Getppid,
		log: log.Named("worker").With(
			zap.Int("slot", config.Slot),
			zap.Int("pid", config.Pid),
			zap.Stringer("role", config.Role),
		),
	}
}

func (h *Handle) Slot() int {
	return h.config.Slot
}

func (h *Handle) Pid() int {
	return h.config.Pid
}

func (h *Handle) ParentPid() int {
	return h.config.ParentPid
}

func (h *Handle) Role() channel.Role {
	return h.config.Role
}

func (h *Handle) isWorker() bool {
	return h.config.Role == channel.WorkerRole
}

// SoftKill asks the worker to stop gracefully. It does not wait for the
// worker to acknowledge the request.
func (h *Handle) SoftKill() error {
	if h.isWorker() {
		h.log.Debug("soft kill requested")
		h.task.SoftKill()
		return nil
	}

	return h.send(channel.SoftKill, "")
}

// HardKill terminates the worker. On the worker side the process exits
// immediately without calling back into the task.
func (h *Handle) HardKill() error {
	if h.isWorker() {
		h.log.Warn("hard kill requested, exiting")
		h.exit(ExitHardKilled)
		return nil
	}

	return h.send(channel.HardKill, "")
}

// Close asks the worker to release its task. On the worker side the task
// is closed, at most once.
func (h *Handle) Close() error {
	if !h.isWorker() {
		return h.send(channel.Close, "")
	}

	h.closeOnce.Do(func() {
		h.log.Debug("closing task")
		h.closeErr = h.task.Close()
	})

	return h.closeErr
}

// Reload asks the worker to reload. Tasks that don't implement Reloader
// ignore the request.
func (h *Handle) Reload() error {
	if !h.isWorker() {
		return h.send(channel.Reload, "")
	}

	if r, ok := h.task.(Reloader); ok {
		h.log.Debug("reloading task")
		r.Reload()
	}

	return nil
}

// Closing notifies the supervisor that this worker is about to exit.
func (h *Handle) Closing() error {
	if !h.isWorker() {
		return ErrWrongRole
	}

	return h.send(channel.Close, strconv.Itoa(h.config.Slot))
}

func (h *Handle) send(action channel.Action, data string) error {
	return h.conn.Send(channel.NewMessage(action, data))
}

// HouseKeep is the worker's cooperative checkpoint. It refreshes the
// heartbeat and dispatches control messages signalled by the supervisor.
// It never blocks.
func (h *Handle) HouseKeep() {
	if !h.isWorker() {
		return
	}

	now := h.now()
	h.lastHeartbeat = now

	if err := h.conn.Touch(now); err != nil {
		h.log.Warn("unable to refresh heartbeat", zap.Error(err))
	}

	// a worker reparented away from its supervisor stops on its own
	if !h.orphaned && h.config.ParentPid > 0 && h.getppid() != h.config.ParentPid {
		h.orphaned = true
		h.log.Warn("supervisor is gone, stopping", zap.Int("parent_pid", h.config.ParentPid))
		h.task.SoftKill()
	}

	if !h.signalled() {
		return
	}

	for _, msg := range h.conn.ReceiveMany() {
		h.dispatch(msg)
	}
}

// signalled drains all pending wake-ups without blocking.
func (h *Handle) signalled() bool {
	if h.pending == nil {
		return true
	}

	var woken bool
	for {
		select {
		case <-h.pending:
			woken = true
		default:
			return woken
		}
	}
}

func (h *Handle) dispatch(msg channel.Message) {
	log := h.log.With(zap.String("action", string(msg.Action)))

	var err error
	switch msg.Action {
	case channel.SoftKill:
		err = h.SoftKill()
	case channel.HardKill:
		err = h.HardKill()
	case channel.Close:
		err = h.Close()
	case channel.Reload:
		err = h.Reload()
	}

	if err != nil {
		log.Error("control message failed", zap.Error(err))
	}
}

// Messages drains the messages the worker sent to the supervisor.
func (h *Handle) Messages() []channel.Message {
	if h.isWorker() {
		return nil
	}

	return h.conn.ReceiveMany()
}

// LastHeartbeat returns the time the worker last checked in, or the zero
// time if it never did.
func (h *Handle) LastHeartbeat() time.Time {
	if !h.isWorker() {
		if hb := h.conn.Heartbeat(); hb.After(h.lastHeartbeat) {
			h.lastHeartbeat = hb
		}
	}

	return h.lastHeartbeat
}

// SetStatus records the wait status observed by the supervisor.
func (h *Handle) SetStatus(status Status) {
	h.status = status
}

func (h *Handle) Status() Status {
	return h.status
}

func (h *Handle) IsExited() bool {
	return h.status.IsExited()
}

func (h *Handle) IsSignaled() bool {
	return h.status.IsSignaled()
}

func (h *Handle) IsStopped() bool {
	return h.status.IsStopped()
}

func (h *Handle) IsSuccessful() bool {
	return h.status.IsSuccessful()
}

// Release closes the channel once. The supervisor side also removes
// the fifos, as the worker can no longer use them.
func (h *Handle) Release() error {
	h.releaseOnce.Do(func() {
		errs := []error{h.conn.Close()}

		if !h.isWorker() {
			errs = append(errs, h.conn.Cleanup())
		}

		h.releaseErr = errors.Join(errs...)
	})

	return h.releaseErr
}
