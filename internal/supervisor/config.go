package supervisor

import (
	"fmt"
	"syscall"
	"time"
)

type Config struct {
	// Name prefixes the process titles and channel fifos of the workers
	Name string `conf:"name" json:"name"`

	// Workers is the initial number of workers
	Workers int `conf:"workers" json:"workers"`

	// Timeout is the time a worker may stay silent before it is
	// considered stuck. Zero disables health checks.
	Timeout time.Duration `conf:"timeout" json:"timeout"`

	// ProcNameFormat formats the worker process title from
	// the name, the literal "worker" and the slot
	ProcNameFormat string `conf:"proc_name_format" json:"proc_name_format"`

	// FifoSignal wakes up the peer after a control message was sent
	FifoSignal string `conf:"fifo_signal" json:"fifo_signal"`

	// Signals is the set of signals the supervisor listens for
	Signals []string `conf:"signals" json:"signals"`

	// TmpDir is the directory holding the channel fifos
	TmpDir string `conf:"tmp_dir" json:"tmp_dir"`

	// SpawnTimeout bounds the channel rendezvous with a new worker
	SpawnTimeout time.Duration `conf:"spawn_timeout" json:"spawn_timeout"`

	// GracefulTimeout is the time workers get to exit after a soft shutdown
	GracefulTimeout time.Duration `conf:"graceful_timeout" json:"graceful_timeout"`

	// KillTimeout is the time workers get to exit after a hard shutdown
	KillTimeout time.Duration `conf:"kill_timeout" json:"kill_timeout"`

	// KillGrace is the time a timed out worker gets before it is killed.
	// Zero disables escalation.
	KillGrace time.Duration `conf:"kill_grace" json:"kill_grace"`

	// Respawn replaces workers that exited while the supervisor is running
	Respawn bool `conf:"respawn" json:"respawn"`

	// MinInterval is the shortest time the main loop sleeps between ticks
	MinInterval time.Duration `conf:"min_interval" json:"min_interval"`

	// SendPause is the time to sleep after signalling a peer
	SendPause time.Duration `conf:"send_pause" json:"send_pause"`
}

var DefaultConfig = map[string]any{
	"name":             "foreman",
	"workers":          1,
	"timeout":          "30s",
	"proc_name_format": "%s-%s-%d",
	"fifo_signal":      "SIGCHLD",
	"signals": []string{
		"SIGQUIT", "SIGTERM", "SIGINT", "SIGWINCH",
		"SIGTTIN", "SIGTTOU", "SIGHUP", "SIGUSR1", "SIGUSR2",
	},
	"tmp_dir":          "",
	"spawn_timeout":    "10s",
	"graceful_timeout": "30s",
	"kill_timeout":     "5s",
	"kill_grace":       "0s",
	"respawn":          true,
	"min_interval":     "50ms",
	"send_pause":       "500us",
}

// ProcName returns the process title of the worker in slot.
func (c Config) ProcName(slot int) string {
	format := c.ProcNameFormat
	if format == "" {
		format = "%s-%s-%d"
	}

	return fmt.Sprintf(format, c.Name, "worker", slot)
}

// WakeSignal returns the parsed FifoSignal. An empty value disables
// signalling.
func (c Config) WakeSignal() (syscall.Signal, error) {
	if c.FifoSignal == "" {
		return 0, nil
	}

	return ParseSignal(c.FifoSignal)
}

// ListenSignals returns the parsed Signals.
func (c Config) ListenSignals() ([]syscall.Signal, error) {
	sigs := make([]syscall.Signal, 0, len(c.Signals))

	for _, name := range c.Signals {
		sig, err := ParseSignal(name)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}

	return sigs, nil
}
