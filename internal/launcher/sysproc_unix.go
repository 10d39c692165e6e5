//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// detachProcessGroup puts the child in its own process group so terminal
// signals aimed at the supervisor do not reach relays directly.
func detachProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
