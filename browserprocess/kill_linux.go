package browserprocess

import (
	"os/exec"
	"syscall"
)

// killAfterParent makes the kernel kill the browser when serpwatch dies.
func killAfterParent(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = new(syscall.SysProcAttr)
	}
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}
