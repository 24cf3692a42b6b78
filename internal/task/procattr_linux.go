//go:build linux

package task

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr runs the command in its own process group and kills it
// when the worker dies, e.g. after a hard kill.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
