//go:build windows

package process

import (
	"os"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const PROCESS_TERMINATE = 0x0001

// Terminate is the signal used to ask the child to exit. Windows has no
// graceful equivalent, so the process is terminated outright.
var Terminate os.Signal = os.Kill

// signalGroup terminates pid. Every signal maps to TerminateProcess.
func signalGroup(pid int, _ os.Signal) error {
	handle, err := openProcess(PROCESS_TERMINATE, uint32(pid))
	if err != nil {
		// the process most likely exited already
		return os.ErrProcessDone
	}
	defer closeHandle(handle)

	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

// exitSignal treats a failed exit after a delivered signal as signalled,
// since Windows exit statuses carry no signal information.
func exitSignal(ps *os.ProcessState, sent os.Signal) (os.Signal, bool) {
	if sent == nil || ps.Success() {
		return nil, false
	}
	return sent, true
}

func openProcess(access uint32, processID uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(processID))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(handle syscall.Handle) {
	_, _, _ = procCloseHandle.Call(uintptr(handle))
}
