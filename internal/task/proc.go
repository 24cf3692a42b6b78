package task

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type proc struct {
	pid  int
	done chan struct{}
	err  error

	log *zap.Logger
}

func startProc(config Config, log *zap.Logger) (*proc, error) {
	cmd := exec.Command(config.Cmd, config.Args...)

	if config.Env != nil {
		env := os.Environ()
		for k, v := range config.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	if config.Cwd != "" {
		cmd.Dir = config.Cwd
	}

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &proc{
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
		log:  log.Named("proc").With(zap.Int("pid", cmd.Process.Pid)),
	}

	go func() {
		// block until the process exits
		p.err = cmd.Wait()

		// report termination to waiters
		close(p.done)
	}()

	return p, nil
}

// Done is closed once the process exited.
func (p *proc) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error. Only valid after Done is closed.
func (p *proc) Err() error {
	return p.err
}

func (p *proc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop sends SIGTERM and waits up to timeout for the process to exit,
// after which it is killed.
func (p *proc) Stop(timeout time.Duration) error {
	// stop should report success if the process
	// terminated by the time the request arrives.
	if p.exited() {
		p.log.Debug("process already terminated")
		return nil
	}

	p.signal(syscall.SIGTERM)

	if err := p.waitForTermination(timeout); err == nil {
		return nil
	}

	p.log.Warn("process did not stop in time, killing", zap.Duration("timeout", timeout))

	p.signal(syscall.SIGKILL)

	return p.waitForTermination(0)
}

func (p *proc) waitForTermination(timeout time.Duration) error {
	// if timeout is 0, wait indefinitely
	if timeout <= 0 {
		<-p.done
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return ErrKillTimeout
	}
}

func (p *proc) signal(sig syscall.Signal) {
	if p.exited() {
		return
	}

	log := p.log.With(zap.Stringer("signal", sig))

	log.Debug("sending signal")

	// best effort, ignore errors
	if err := p.sendSignal(sig); err != nil {
		log.Error("signal failed", zap.Error(err))
	}
}

func (p *proc) sendSignal(sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(p.pid); err == nil {
		// Negative pid sends signal to all in process group
		return syscall.Kill(-pgid, sig)
	}

	return syscall.Kill(p.pid, sig)
}
