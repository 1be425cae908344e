//go:build unix

package extract

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the child in its own group so a timeout kill reaches grandchildren too.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
