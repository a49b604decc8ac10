package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/respawn/internal/history"
	"github.com/loykin/respawn/internal/metrics"
	"github.com/loykin/respawn/internal/notify"
	"github.com/loykin/respawn/internal/pidfile"
	"github.com/loykin/respawn/internal/process"
	"github.com/loykin/respawn/internal/scanner"
	"github.com/loykin/respawn/internal/watch"
)

type event interface{ isEvent() }

type changeEvent struct{ file watch.WatchedFile }

// chunkEvent carries a copy of one stderr write.
type chunkEvent struct{ data []byte }

type exitEvent struct {
	gen  uint64
	exit process.Exit
}

type escalateEvent struct{ gen uint64 }

func (changeEvent) isEvent()   {}
func (chunkEvent) isEvent()    {}
func (exitEvent) isEvent()     {}
func (escalateEvent) isEvent() {}

type commandAction int

const (
	actionStart commandAction = iota
	actionRestart
	actionStop
	actionStatus
	actionBuffer
	actionResetBuffer
)

type command struct {
	action  commandAction
	title   string
	message string
	status  *Status
	text    *string
	reply   chan error
}

// Run executes the event loop until ctx is cancelled. On cancellation the
// child is stopped first; Run returns once it has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("supervisor: already running")
	}
	defer close(s.done)
	s.setState(StateStopped)

	ctxDone := ctx.Done()
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			s.log.Debug("shutting down", "name", s.name)
			s.shutdown = true
			if s.child == nil {
				s.finish()
				return nil
			}
			s.beginStop()

		case c := <-s.cmdChan:
			s.handleCommand(c)

		case e := <-s.events:
			switch ev := e.(type) {
			case changeEvent:
				s.handleChange(ev.file)
			case chunkEvent:
				s.handleChunk(ev.data)
			case exitEvent:
				s.handleExit(ev)
			case escalateEvent:
				s.handleEscalate(ev.gen)
			}
		}

		if s.shutdown && s.child == nil {
			s.finish()
			return nil
		}
	}
}

func (s *Supervisor) finish() {
	s.stopEscalation()
	for _, w := range s.stopWaiters {
		w <- nil
	}
	s.stopWaiters = nil
	s.final = s.snapshot()
}

func (s *Supervisor) handleCommand(c command) {
	var err error
	if s.shutdown && c.action != actionStatus && c.action != actionBuffer {
		c.reply <- ErrShuttingDown
		return
	}
	switch c.action {
	case actionStart:
		if s.state != StateStopped {
			err = fmt.Errorf("%w (pid %d, state %s)", ErrAlreadyRunning, s.child.PID(), s.state)
		} else {
			err = s.start(c.title, c.message)
		}
	case actionRestart:
		reason := c.message
		if reason == "" {
			reason = "Manual restart"
		}
		err = s.requestRestart(reason, reason)
	case actionStop:
		if s.child == nil {
			break
		}
		s.stopWaiters = append(s.stopWaiters, c.reply)
		s.beginStop()
		return
	case actionStatus:
		*c.status = s.snapshot()
	case actionBuffer:
		*c.text = s.buf.String()
	case actionResetBuffer:
		s.buf.Reset()
	}
	c.reply <- err
}

// start rebuilds the watch set, then spawns a new child.
func (s *Supervisor) start(title, message string) error {
	root := s.cfg.Root
	if root == "" {
		wd, err := s.getwd()
		if err != nil {
			return s.startFailed(fmt.Errorf("resolve working directory: %w", err))
		}
		root = wd
	}
	if err := s.watcher.Rebuild(root); err != nil {
		return s.startFailed(fmt.Errorf("watch %s: %w", root, err))
	}
	s.root = root

	s.gen++
	gen := s.gen
	spec := process.Spec{
		Name:    s.cfg.Name,
		Command: s.cfg.Command,
		Args:    s.cfg.Args,
		WorkDir: s.cfg.WorkDir,
		Env:     s.cfg.Env,
		Stdout:  s.cfg.Stdout,
		Stderr:  &streamTap{s: s, out: s.cfg.Stderr},
	}
	child, err := s.spawn(spec)
	if err != nil {
		return s.startFailed(err)
	}

	s.child = child
	s.startedAt = time.Now()
	s.pid.Store(int64(child.PID()))
	if s.cfg.PIDFile != "" {
		if err := pidfile.Write(s.cfg.PIDFile, pidfile.ForPID(child.PID(), s.commandLine())); err != nil {
			s.log.Warn("failed to write pidfile", "path", s.cfg.PIDFile, "error", err)
		}
	}
	go func() {
		ex := <-child.Done()
		s.post(exitEvent{gen: gen, exit: ex})
	}()

	s.setState(StateRunning)
	metrics.IncStart(s.name)
	s.record(history.EventStart, history.Record{Detail: message})

	if title == "" {
		title = "Started"
	}
	if message == "" {
		message = s.commandLine()
	}
	s.log.Info(title, "message", message, "pid", child.PID(), "watched", s.watcher.Len())
	s.notify(title, message, notify.LevelInfo)
	return nil
}

func (s *Supervisor) startFailed(err error) error {
	s.setState(StateStopped)
	s.log.Error("failed to start", "name", s.name, "error", err)
	s.notify("Failed to start", err.Error(), notify.LevelError)
	return fmt.Errorf("start %s: %w", s.name, err)
}

func (s *Supervisor) handleChange(f watch.WatchedFile) {
	if s.shutdown {
		return
	}
	rel := s.relPath(f.Path)
	s.log.Debug("file changed", "path", rel, "state", s.state)
	// a failed start was already reported; the next change retries
	_ = s.requestRestart(rel, "File modified: "+rel)
}

// requestRestart applies a change notification to the current state. Only a
// fresh start from Stopped can fail synchronously.
func (s *Supervisor) requestRestart(trigger, message string) error {
	switch s.state {
	case StateRunning:
		s.trigger = trigger
		s.restartMsg = message
		s.setState(StateRestarting)
		s.terminate()
	case StateStopped:
		s.trigger = trigger
		// a fresh start, not a restart
		return s.start("", "")
	case StateRestarting:
		// the pending restart rebuilds the watch set anyway
	}
	return nil
}

// terminate asks the current child to exit and arms the kill escalation.
func (s *Supervisor) terminate() {
	if s.child == nil {
		return
	}
	if err := s.child.Signal(s.cfg.TermSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn("failed to signal child", "pid", s.child.PID(), "error", err)
	}
	s.stopEscalation()
	gen := s.gen
	s.escalation = time.AfterFunc(s.cfg.StopTimeout, func() { s.post(escalateEvent{gen: gen}) })
}

func (s *Supervisor) beginStop() {
	if s.stopping {
		return
	}
	s.stopping = true
	s.terminate()
}

func (s *Supervisor) handleEscalate(gen uint64) {
	if gen != s.gen || s.child == nil {
		return
	}
	s.log.Warn("child did not exit in time, killing", "pid", s.child.PID(), "timeout", s.cfg.StopTimeout)
	if err := s.child.Signal(os.Kill); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Error("failed to kill child", "pid", s.child.PID(), "error", err)
	}
}

func (s *Supervisor) stopEscalation() {
	if s.escalation != nil {
		s.escalation.Stop()
		s.escalation = nil
	}
}

func (s *Supervisor) handleExit(ev exitEvent) {
	if ev.gen != s.gen || s.child == nil {
		s.log.Debug("ignoring exit of stale child", "pid", ev.exit.PID)
		return
	}
	ex := ev.exit
	s.child = nil
	s.pid.Store(0)
	s.stopEscalation()
	if s.cfg.PIDFile != "" {
		if err := pidfile.Remove(s.cfg.PIDFile); err != nil {
			s.log.Debug("failed to remove pidfile", "path", s.cfg.PIDFile, "error", err)
		}
	}
	info := &ExitInfo{PID: ex.PID, Code: ex.Code, Signaled: ex.Signaled, At: ex.At}
	if ex.Signal != nil {
		info.Signal = ex.Signal.String()
	}
	s.lastExit = info
	metrics.IncExit(s.name, ex.Kind())
	s.record(history.EventExit, history.Record{PID: ex.PID, ExitCode: ex.Code, Detail: ex.String()})

	switch {
	case s.stopping:
		s.stopping = false
		s.setState(StateStopped)
		s.log.Info("stopped", "pid", ex.PID)
		for _, w := range s.stopWaiters {
			w <- nil
		}
		s.stopWaiters = nil

	case s.state == StateRestarting && ex.Signaled:
		s.restarts++
		metrics.IncRestart(s.name)
		s.record(history.EventRestart, history.Record{PID: ex.PID, Detail: s.trigger})
		if err := s.start("Restarting", s.restartMsg); err != nil {
			s.log.Debug("restart failed, waiting for changes", "error", err)
		}

	default:
		if s.state == StateRestarting {
			s.log.Debug("child exited before the restart signal took effect", "pid", ex.PID)
		}
		s.setState(StateStopped)
		if ex.Kind() == "clean" {
			s.log.Info("exited", "pid", ex.PID, "code", ex.Code)
		} else {
			s.log.Error("exited", "pid", ex.PID, "code", ex.Code, "error", ex.Err)
		}
		s.log.Info("waiting for changes before restart")
	}
}

func (s *Supervisor) handleChunk(data []byte) {
	ev, ok := scanner.Feed(&s.buf, data)
	if !ok {
		return
	}
	s.crashes++
	s.lastCrash = &ev
	metrics.IncCrash(s.name, ev.ErrorType)
	s.record(history.EventCrash, history.Record{
		Detail:     ev.Message,
		ErrorType:  ev.ErrorType,
		SourceFile: ev.SourceFile,
		Line:       ev.Line,
		Column:     ev.Column,
	})
	s.notify(ev.ErrorType, fmt.Sprintf("%s (%s)", ev.Message, ev.Location()), notify.LevelError)
}

func (s *Supervisor) setState(to State) {
	from := s.state
	s.state = to
	if from != to {
		metrics.RecordStateTransition(s.name, from.String(), to.String())
		metrics.SetCurrentState(s.name, from.String(), false)
		s.record(history.EventState, history.Record{Detail: from.String() + " -> " + to.String()})
	}
	metrics.SetCurrentState(s.name, to.String(), true)
}

func (s *Supervisor) record(t history.EventType, r history.Record) {
	if s.hist == nil {
		return
	}
	r.Name = s.name
	r.State = s.state.String()
	if r.PID == 0 && s.child != nil {
		r.PID = s.child.PID()
	}
	s.hist.Record(history.Event{Type: t, OccurredAt: time.Now(), Record: r})
}

// relPath reports path relative to the watched root when possible.
func (s *Supervisor) relPath(path string) string {
	for _, root := range []string{s.root, resolve(s.root)} {
		if root == "" {
			continue
		}
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return filepath.Base(path)
}

func resolve(p string) string {
	if p == "" {
		return ""
	}
	r, err := filepath.EvalSymlinks(p)
	if err != nil {
		return p
	}
	return r
}
