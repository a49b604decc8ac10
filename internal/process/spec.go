package process

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Spec describes the child to launch.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	WorkDir string   `json:"work_dir"`
	Env     []string `json:"env"` // appended to the inherited environment

	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`
}

// DisplayName returns Name, or the base name of Command when Name is empty.
func (s Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Command == "" {
		return "child"
	}
	return filepath.Base(strings.Fields(s.Command)[0])
}

// BuildCommand constructs an *exec.Cmd for the spec. A single command string
// without args that contains shell metacharacters is run through the shell;
// everything else is executed directly.
func (s Spec) BuildCommand() *exec.Cmd {
	var cmd *exec.Cmd
	cmdStr := strings.TrimSpace(s.Command)
	switch {
	case len(s.Args) == 0 && strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~"):
		cmd = shellCommand(cmdStr)
	case len(s.Args) == 0 && strings.ContainsAny(cmdStr, " \t"):
		parts := strings.Fields(cmdStr)
		// #nosec G204
		cmd = exec.Command(parts[0], parts[1:]...)
	default:
		// #nosec G204
		cmd = exec.Command(cmdStr, s.Args...)
	}
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	return cmd
}
