//go:build !linux

package browserprocess

import "os/exec"

func killAfterParent(*exec.Cmd) {}
