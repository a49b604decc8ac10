// Package process spawns the supervised child in its own process group and
// reports how it exited.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the child exited,
// in case a grandchild outside the group still holds the pipes open.
const waitDelay = 2 * time.Second

// Exit describes how a child terminated.
type Exit struct {
	PID      int       `json:"pid"`
	Signaled bool      `json:"signaled"`
	Signal   os.Signal `json:"-"`
	Code     int       `json:"code"` // -1 when Signaled
	Err      error     `json:"-"`    // wait failure unrelated to the exit status
	At       time.Time `json:"at"`
}

// Kind classifies the exit as "signaled", "clean" or "failed".
func (e Exit) Kind() string {
	switch {
	case e.Signaled:
		return "signaled"
	case e.Code == 0 && e.Err == nil:
		return "clean"
	default:
		return "failed"
	}
}

func (e Exit) String() string {
	if e.Signaled {
		return fmt.Sprintf("pid %d terminated by %v", e.PID, e.Signal)
	}
	return fmt.Sprintf("pid %d exited with code %d", e.PID, e.Code)
}

// Process is a handle on one spawned child. It is Running until Done delivers
// its Exit, and is never reused afterwards.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	done   chan Exit
	waited chan struct{}

	mu   sync.Mutex
	sent os.Signal
	exit *Exit
}

// Spawn starts the child described by spec. The child gets no stdin.
func Spawn(spec Spec) (*Process, error) {
	if spec.Command == "" {
		return nil, errors.New("spawn: empty command")
	}
	cmd := spec.BuildCommand()
	configureSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.DisplayName(), err)
	}
	p := &Process{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan Exit, 1),
		waited:    make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	ex := classify(p.pid, p.cmd.ProcessState, err, p.sent)
	p.exit = &ex
	p.mu.Unlock()
	close(p.waited)
	p.done <- ex
}

// classify maps the wait result to an Exit.
func classify(pid int, ps *os.ProcessState, err error, sent os.Signal) Exit {
	ex := Exit{PID: pid, Code: -1, At: time.Now()}
	if ps == nil {
		ex.Err = err
		return ex
	}
	if sig, ok := exitSignal(ps, sent); ok {
		ex.Signaled, ex.Signal = true, sig
	} else {
		ex.Code = ps.ExitCode()
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		ex.Err = err
	}
	return ex
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Name() string { return p.spec.DisplayName() }

func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done delivers the Exit exactly once.
func (p *Process) Done() <-chan Exit { return p.done }

// Wait blocks until the child has exited and returns its Exit. Unlike Done it
// may be called any number of times.
func (p *Process) Wait() Exit {
	<-p.waited
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.exit
}

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.waited:
		return true
	default:
		return false
	}
}

// Signal sends sig to the child's process group. It returns
// os.ErrProcessDone once the child has exited.
func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return os.ErrProcessDone
	}
	p.mu.Lock()
	p.sent = sig
	p.mu.Unlock()
	return signalGroup(p.pid, sig)
}

// SignalGroup sends sig to the process group led by pid, for children that
// are no longer tracked by a Process handle.
func SignalGroup(pid int, sig os.Signal) error { return signalGroup(pid, sig) }

// Kill forcibly terminates the process group.
func (p *Process) Kill() error { return p.Signal(os.Kill) }
