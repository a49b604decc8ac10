//go:build windows

package process

import "os/exec"

// shellCommand returns a shell command for Windows systems
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/C", script)
}
