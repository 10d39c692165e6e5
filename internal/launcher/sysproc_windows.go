//go:build windows

package launcher

import "os/exec"

func detachProcessGroup(*exec.Cmd) {}
