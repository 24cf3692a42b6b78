package task

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/lambda-feedback/foreman/internal/worker"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const defaultInterval = time.Second

// ExecTask runs an external command for the lifetime of the worker.
// Stop requests are forwarded to the command's process group.
type ExecTask struct {
	config Config

	mu       sync.Mutex
	proc     *proc
	stopping bool

	log *zap.Logger
}

var (
	_ worker.Task     = (*ExecTask)(nil)
	_ worker.Reloader = (*ExecTask)(nil)
)

func NewExecTask(config Config, log *zap.Logger) (worker.Task, error) {
	if config.Cmd == "" {
		return nil, ErrMissingCommand
	}

	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}

	return &ExecTask{
		config: config,
		log:    log,
	}, nil
}

// Run starts the command and checks in with the supervisor every
// interval until the command exits.
func (t *ExecTask) Run(h *worker.Handle) error {
	t.log.Debug("starting command",
		zap.String("command", t.config.Cmd),
		zap.Strings("args", t.config.Args),
		zap.String("cwd", t.config.Cwd),
	)

	p, err := startProc(t.config, t.log)
	if err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	t.mu.Lock()
	t.proc = p
	stopping := t.stopping
	t.mu.Unlock()

	// a stop request may have arrived before the command started
	if stopping {
		p.signal(syscall.SIGTERM)
	}

	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.Done():
			return t.exitError(p.Err())
		case <-ticker.C:
			h.HouseKeep()
		}
	}
}

// exitError reports a failed command. Terminating on request is not
// a failure.
func (t *ExecTask) exitError(err error) error {
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		status := worker.NewStatus(unix.WaitStatus(ws))

		sig := status.TermSignal()
		if t.isStopping() && (sig == syscall.SIGTERM || sig == syscall.SIGKILL) {
			t.log.Debug("command stopped", zap.Stringer("status", status))
			return nil
		}
	}

	return fmt.Errorf("%w: %w", ErrCommandFailed, exitErr)
}

func (t *ExecTask) isStopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stopping
}

func (t *ExecTask) current() *proc {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.proc
}

// SoftKill asks the command to terminate.
func (t *ExecTask) SoftKill() {
	t.mu.Lock()
	t.stopping = true
	p := t.proc
	t.mu.Unlock()

	if p != nil {
		p.signal(syscall.SIGTERM)
	}
}

// Reload forwards SIGHUP to the command.
func (t *ExecTask) Reload() {
	if p := t.current(); p != nil {
		p.signal(syscall.SIGHUP)
	}
}

// Close stops the command if it is still running, killing it
// after the stop timeout.
func (t *ExecTask) Close() error {
	t.mu.Lock()
	t.stopping = true
	p := t.proc
	t.mu.Unlock()

	if p == nil {
		return nil
	}

	return p.Stop(t.config.StopTimeout)
}
