//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Terminate is the signal used to ask the child to exit.
var Terminate os.Signal = syscall.SIGTERM

// signalGroup sends sig to every process in the group led by pid.
func signalGroup(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	err := syscall.Kill(-pid, s)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// exitSignal reports the signal that terminated the process, if any.
func exitSignal(ps *os.ProcessState, _ os.Signal) (os.Signal, bool) {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return nil, false
	}
	return ws.Signal(), true
}
