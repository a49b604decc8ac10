// Package supervisor runs one development child at a time and restarts it when
// watched source files change.
//
// All decisions are taken on a single event-loop goroutine (Run). File-change
// callbacks, stderr copiers and process waiters only post events to it, so a
// restart is strictly serialized as terminate, observe exit, spawn.
//
// State machine:
//
//	Stopped --start--> Running --change--> Restarting --signalled exit--> Running
//	Running --exit--> Stopped
//	Restarting --natural exit--> Stopped
//
// A child that crashes is not restarted automatically; the next change is.
package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loykin/respawn/internal/history"
	"github.com/loykin/respawn/internal/notify"
	"github.com/loykin/respawn/internal/process"
	"github.com/loykin/respawn/internal/scanner"
	"github.com/loykin/respawn/internal/watch"
)

var (
	ErrNoCommand      = errors.New("no command to supervise")
	ErrAlreadyRunning = errors.New("child already running")
	ErrShuttingDown   = errors.New("supervisor shutting down")
)

// DefaultStopTimeout is how long a child may take to exit after the
// termination signal before it is killed.
const DefaultStopTimeout = 5 * time.Second

// State is the supervisor lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Watcher is the file watch set the supervisor rebuilds before every start.
type Watcher interface {
	Rebuild(root string) error
	SetOnChange(fn func(watch.WatchedFile))
	Len() int
}

// Child is a running child process.
type Child interface {
	PID() int
	Signal(sig os.Signal) error
	Done() <-chan process.Exit
}

// Spawner launches a child.
type Spawner func(spec process.Spec) (Child, error)

// DefaultSpawner spawns a real OS process.
func DefaultSpawner(spec process.Spec) (Child, error) {
	p, err := process.Spawn(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Config describes the supervised command.
type Config struct {
	Name        string
	Command     string
	Args        []string
	WorkDir     string
	Env         []string
	Root        string        // watched directory; "" means the working directory at each start
	PIDFile     string        // records the running child when set
	StopTimeout time.Duration // grace period before SIGKILL
	TermSignal  os.Signal     // defaults to process.Terminate
	Stdout      io.Writer     // defaults to os.Stdout
	Stderr      io.Writer     // defaults to os.Stderr
}

// Options holds the supervisor's collaborators. Only Watcher is required.
type Options struct {
	Watcher  Watcher
	Spawner  Spawner
	Notifier notify.Notifier
	Logger   *slog.Logger
	History  *history.Recorder
	Getwd    func() (string, error)
}

// ExitInfo summarizes the last child exit.
type ExitInfo struct {
	PID      int       `json:"pid"`
	Code     int       `json:"code"`
	Signaled bool      `json:"signaled"`
	Signal   string    `json:"signal,omitempty"`
	At       time.Time `json:"at"`
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Name          string              `json:"name"`
	Command       string              `json:"command"`
	State         State               `json:"state"`
	PID           int                 `json:"pid,omitempty"`
	StartedAt     time.Time           `json:"started_at,omitempty"`
	Restarts      int                 `json:"restarts"`
	Crashes       int                 `json:"crashes"`
	LastCrash     *scanner.CrashEvent `json:"last_crash,omitempty"`
	LastExit      *ExitInfo           `json:"last_exit,omitempty"`
	LastTrigger   string              `json:"last_trigger,omitempty"`
	WatchedFiles  int                 `json:"watched_files"`
	BufferedBytes int                 `json:"buffered_bytes"`
}

// Supervisor owns the child lifecycle. Create it with New and drive it with Run.
type Supervisor struct {
	cfg     Config
	name    string
	watcher Watcher
	spawn   Spawner
	notif   notify.Notifier
	log     *slog.Logger
	hist    *history.Recorder
	getwd   func() (string, error)

	events  chan event
	cmdChan chan command
	done    chan struct{}
	running atomic.Bool
	pid     atomic.Int64

	// owned by the loop goroutine
	state       State
	child       Child
	gen         uint64
	startedAt   time.Time
	root        string
	buf         scanner.Buffer
	restarts    int
	crashes     int
	lastCrash   *scanner.CrashEvent
	lastExit    *ExitInfo
	trigger     string
	restartMsg  string
	escalation  *time.Timer
	stopping    bool
	stopWaiters []chan error
	shutdown    bool
	final       Status
}

// New wires a Supervisor. It does nothing until Run is called.
func New(cfg Config, opts Options) (*Supervisor, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, ErrNoCommand
	}
	if opts.Watcher == nil {
		return nil, errors.New("supervisor: watcher is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.TermSignal == nil {
		cfg.TermSignal = process.Terminate
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if opts.Spawner == nil {
		opts.Spawner = DefaultSpawner
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Getwd == nil {
		opts.Getwd = os.Getwd
	}
	s := &Supervisor{
		cfg:     cfg,
		name:    process.Spec{Name: cfg.Name, Command: cfg.Command}.DisplayName(),
		watcher: opts.Watcher,
		spawn:   opts.Spawner,
		notif:   opts.Notifier,
		log:     opts.Logger,
		hist:    opts.History,
		getwd:   opts.Getwd,
		events:  make(chan event, 64),
		cmdChan: make(chan command, 16),
		done:    make(chan struct{}),
	}
	s.watcher.SetOnChange(func(f watch.WatchedFile) { s.post(changeEvent{file: f}) })
	return s, nil
}

// Name is the display name used in logs, metrics and notifications.
func (s *Supervisor) Name() string { return s.name }

// PID returns the current child's PID, or 0 when none is running.
func (s *Supervisor) PID() int { return int(s.pid.Load()) }

// Done is closed when Run has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Start spawns the child from Stopped. An empty title defaults to "Started".
func (s *Supervisor) Start(title, message string) error {
	return s.call(command{action: actionStart, title: title, message: message})
}

// Restart behaves like a file change named by reason.
func (s *Supervisor) Restart(reason string) error {
	return s.call(command{action: actionRestart, message: reason})
}

// Stop terminates the child, escalating to SIGKILL after the stop timeout, and
// waits until it has exited or ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{action: actionStop, reply: reply}:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the supervisor state as seen by the loop.
func (s *Supervisor) Status() Status {
	var st Status
	if err := s.call(command{action: actionStatus, status: &st}); err != nil {
		select {
		case <-s.done:
			return s.final
		default:
		}
	}
	return st
}

// Buffer returns a snapshot of the unmatched diagnostic text.
func (s *Supervisor) Buffer() string {
	var out string
	_ = s.call(command{action: actionBuffer, text: &out})
	return out
}

// ResetBuffer discards unmatched diagnostic text.
func (s *Supervisor) ResetBuffer() {
	_ = s.call(command{action: actionResetBuffer})
}

func (s *Supervisor) call(c command) error {
	c.reply = make(chan error, 1)
	select {
	case s.cmdChan <- c:
	case <-s.done:
		return ErrShuttingDown
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.done:
		return ErrShuttingDown
	}
}

// post delivers an event to the loop unless it has finished.
func (s *Supervisor) post(e event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

func (s *Supervisor) commandLine() string {
	return strings.TrimSpace(s.cfg.Command + " " + strings.Join(s.cfg.Args, " "))
}

func (s *Supervisor) snapshot() Status {
	st := Status{
		Name:          s.name,
		Command:       s.commandLine(),
		State:         s.state,
		Restarts:      s.restarts,
		Crashes:       s.crashes,
		LastTrigger:   s.trigger,
		WatchedFiles:  s.watcher.Len(),
		BufferedBytes: s.buf.Len(),
	}
	if s.child != nil {
		st.PID = s.child.PID()
		st.StartedAt = s.startedAt
	}
	if s.lastCrash != nil {
		c := *s.lastCrash
		st.LastCrash = &c
	}
	if s.lastExit != nil {
		e := *s.lastExit
		st.LastExit = &e
	}
	return st
}

func (s *Supervisor) notify(title, message string, level notify.Level) {
	if err := s.notif.Notify(notify.Notification{Title: title, Message: message, Level: level}); err != nil {
		s.log.Debug("notification failed", "title", title, "error", err)
	}
}
