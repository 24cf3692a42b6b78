package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/lambda-feedback/foreman/internal/channel"
	"github.com/lambda-feedback/foreman/internal/worker"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// WorkerCommand is the hidden command a re-executed binary runs as a worker.
const WorkerCommand = "worker"

// Spawner starts and signals worker processes. The supervisor reaps
// spawned processes itself.
type Spawner interface {
	Spawn(slot int) (int, error)
	Signal(pid int, sig syscall.Signal) error
}

// Connector opens the supervisor's end of a worker channel.
type Connector interface {
	Connect(ctx context.Context, pid int) (worker.Conn, error)
}

type SpawnConfig struct {
	// Path is the executable to run. Defaults to the running executable.
	Path string

	// Args are passed before the worker command, e.g. global flags
	Args []string

	// Env is appended to the inherited environment
	Env []string
}

// ExecSpawner spawns workers by re-executing a binary with the worker
// command. Go can't fork a running process, so every worker starts from
// scratch and gets its slot on the command line.
type ExecSpawner struct {
	config SpawnConfig
	procs  Config

	log *zap.Logger
}

var _ Spawner = (*ExecSpawner)(nil)

func NewExecSpawner(config SpawnConfig, procs Config, log *zap.Logger) (*ExecSpawner, error) {
	if config.Path == "" {
		path, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("unable to locate executable: %w", err)
		}
		config.Path = path
	}

	return &ExecSpawner{
		config: config,
		procs:  procs,
		log:    log.Named("spawner"),
	}, nil
}

func (s *ExecSpawner) Spawn(slot int) (int, error) {
	args := make([]string, 0, len(s.config.Args)+4)
	args = append(args, s.procs.ProcName(slot))
	args = append(args, s.config.Args...)
	args = append(args, WorkerCommand, "--slot", strconv.Itoa(slot))

	cmd := &exec.Cmd{
		Path:   s.config.Path,
		Args:   args,
		Env:    append(os.Environ(), s.config.Env...),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		// keep terminal signals away from the workers
		SysProcAttr: &syscall.SysProcAttr{Setpgid: true},
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	pid := cmd.Process.Pid

	// the supervisor reaps with wait4, the handle is no longer needed
	if err := cmd.Process.Release(); err != nil {
		s.log.Warn("unable to release process", zap.Int("pid", pid), zap.Error(err))
	}

	s.log.Debug("spawned worker", zap.Int("pid", pid), zap.Int("slot", slot))

	return pid, nil
}

func (s *ExecSpawner) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// ChannelConnector connects to workers through fifo channels.
type ChannelConnector struct {
	config channel.Config

	log *zap.Logger
}

var _ Connector = (*ChannelConnector)(nil)

func NewChannelConnector(config Config, log *zap.Logger) (*ChannelConnector, error) {
	sig, err := config.WakeSignal()
	if err != nil {
		return nil, err
	}

	return &ChannelConnector{
		config: channel.Config{
			Dir:    config.TmpDir,
			Prefix: config.Name,
			Role:   channel.SupervisorRole,
			Signal: sig,
			Pause:  config.SendPause,
		},
		log: log,
	}, nil
}

func (c *ChannelConnector) Connect(ctx context.Context, pid int) (worker.Conn, error) {
	config := c.config
	config.Pid = pid

	ch := channel.New(config, c.log)

	if err := ch.Open(ctx); err != nil {
		ch.Close()
		ch.Cleanup()
		return nil, err
	}

	return ch, nil
}
