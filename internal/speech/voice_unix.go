//go:build unix

package speech

import (
	"os/exec"
	"syscall"
)

// killGroupOnCancel runs the engine in its own process group so a cancel also
// stops any audio player it spawned.
func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
