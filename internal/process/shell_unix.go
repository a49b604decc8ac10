//go:build !windows

package process

import "os/exec"

// shellCommand returns a shell command for Unix systems
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}
