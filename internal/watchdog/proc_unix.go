//go:build unix

package watchdog

import (
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// negative pid targets the whole group
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
