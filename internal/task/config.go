package task

import (
	"errors"
	"time"
)

var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrMissingCommand = errors.New("missing command")
	ErrCommandFailed  = errors.New("command failed")
	ErrKillTimeout    = errors.New("kill timeout")
)

type Config struct {
	// Name selects the task implementation
	Name string `conf:"name" json:"name"`

	// Cmd is the path or name of the binary to execute
	Cmd string `conf:"cmd" json:"cmd"`

	// Args is the list of arguments to pass to the command
	Args []string `conf:"args" json:"args"`

	// Cwd is the working directory in which
	// the binary should be executed
	Cwd string `conf:"cwd" json:"cwd"`

	// Env is a map of environment variables
	// to set when running the command
	Env map[string]string `conf:"env" json:"env"`

	// Interval is the time between two heartbeats of the task
	Interval time.Duration `conf:"interval" json:"interval"`

	// StopTimeout is the time the command gets to exit on close
	// before it is killed
	StopTimeout time.Duration `conf:"stop_timeout" json:"stop_timeout"`
}

var DefaultConfig = map[string]any{
	"name":         "exec",
	"interval":     "1s",
	"stop_timeout": "5s",
}
