package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/respawn/internal/history"
	"github.com/loykin/respawn/internal/notify"
	"github.com/loykin/respawn/internal/process"
	"github.com/loykin/respawn/internal/watch"
)

const testRoot = "/src/app"

// tracer records the order in which collaborators are called.
type tracer struct {
	mu    sync.Mutex
	steps []string
}

func (t *tracer) add(s string) {
	t.mu.Lock()
	t.steps = append(t.steps, s)
	t.mu.Unlock()
}

func (t *tracer) all() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

type fakeWatcher struct {
	trace *tracer
	err   error

	mu       sync.Mutex
	onChange func(watch.WatchedFile)
	roots    []string
}

func (w *fakeWatcher) Rebuild(root string) error {
	w.trace.add("rebuild")
	w.mu.Lock()
	w.roots = append(w.roots, root)
	w.mu.Unlock()
	return w.err
}

func (w *fakeWatcher) SetOnChange(fn func(watch.WatchedFile)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

func (w *fakeWatcher) Len() int { return 3 }

func (w *fakeWatcher) touch(rel string) {
	w.mu.Lock()
	fn := w.onChange
	w.mu.Unlock()
	fn(watch.WatchedFile{Path: testRoot + "/" + rel, ModTime: time.Now()})
}

type fakeChild struct {
	pid        int
	stderr     io.Writer
	ignoreTerm bool
	done       chan process.Exit
	exited     atomic.Bool

	mu      sync.Mutex
	signals []os.Signal
}

func (c *fakeChild) PID() int                  { return c.pid }
func (c *fakeChild) Done() <-chan process.Exit { return c.done }

func (c *fakeChild) Signal(sig os.Signal) error {
	if c.exited.Load() {
		return os.ErrProcessDone
	}
	c.mu.Lock()
	c.signals = append(c.signals, sig)
	c.mu.Unlock()
	if sig == os.Kill || !c.ignoreTerm {
		c.exit(process.Exit{PID: c.pid, Signaled: true, Signal: sig, Code: -1})
	}
	return nil
}

func (c *fakeChild) received() []os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]os.Signal(nil), c.signals...)
}

// exit delivers ex once, like a real waiter.
func (c *fakeChild) exit(ex process.Exit) {
	if c.exited.CompareAndSwap(false, true) {
		ex.PID = c.pid
		c.done <- ex
	}
}

func (c *fakeChild) writeStderr(t *testing.T, s string) {
	t.Helper()
	_, err := c.stderr.Write([]byte(s))
	require.NoError(t, err)
}

type fakeSpawner struct {
	t          *testing.T
	trace      *tracer
	ignoreTerm bool

	mu       sync.Mutex
	err      error
	children []*fakeChild
	specs    []process.Spec
}

func (f *fakeSpawner) spawn(spec process.Spec) (Child, error) {
	f.trace.add("spawn")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.children {
		if !c.exited.Load() {
			f.t.Errorf("spawned while pid %d is still running", c.pid)
		}
	}
	c := &fakeChild{
		pid:        1000 + len(f.children),
		stderr:     spec.Stderr,
		ignoreTerm: f.ignoreTerm,
		done:       make(chan process.Exit, 1),
	}
	f.children = append(f.children, c)
	f.specs = append(f.specs, spec)
	return c, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.children)
}

func (f *fakeSpawner) child(i int) *fakeChild {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children[i]
}

func (f *fakeSpawner) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type notes struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *notes) Notify(x notify.Notification) error {
	n.mu.Lock()
	n.got = append(n.got, x)
	n.mu.Unlock()
	return nil
}

func (n *notes) all() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.got...)
}

func (n *notes) titled(title string) []notify.Notification {
	var out []notify.Notification
	for _, x := range n.all() {
		if x.Title == title {
			out = append(out, x)
		}
	}
	return out
}

type fixture struct {
	sup     *Supervisor
	watcher *fakeWatcher
	spawner *fakeSpawner
	notes   *notes
	trace   *tracer
	stderr  *bytes.Buffer
}

func newFixture(t *testing.T, ignoreTerm bool) *fixture {
	t.Helper()
	tr := &tracer{}
	f := &fixture{
		watcher: &fakeWatcher{trace: tr},
		spawner: &fakeSpawner{t: t, trace: tr, ignoreTerm: ignoreTerm},
		notes:   &notes{},
		trace:   tr,
		stderr:  &bytes.Buffer{},
	}
	sup, err := New(Config{
		Command:     "node",
		Args:        []string{"app.js"},
		Root:        testRoot,
		StopTimeout: 100 * time.Millisecond,
		Stdout:      io.Discard,
		Stderr:      f.stderr,
	}, Options{
		Watcher:  f.watcher,
		Spawner:  f.spawner.spawn,
		Notifier: f.notes,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	f.sup = sup

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-sup.Done():
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not shut down")
		}
	})
	return f
}

func (f *fixture) waitState(t *testing.T, want State) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		st = f.sup.Status()
		return st.State == want
	}, 2*time.Second, 5*time.Millisecond, "want state %s", want)
	return st
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, Options{Watcher: &fakeWatcher{trace: &tracer{}}})
	assert.ErrorIs(t, err, ErrNoCommand)
	_, err = New(Config{Command: "node"}, Options{})
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "restarting", StateRestarting.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestStart_RebuildsWatchesBeforeSpawning(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.sup.Start("", ""))

	st := f.sup.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1000, st.PID)
	assert.Equal(t, 1000, f.sup.PID())
	assert.Equal(t, 3, st.WatchedFiles)
	assert.Equal(t, []string{"rebuild", "spawn"}, f.trace.all())
	assert.Equal(t, []string{testRoot}, f.watcher.roots)

	started := f.notes.titled("Started")
	require.Len(t, started, 1)
	assert.Equal(t, "node app.js", started[0].Message)
	assert.Equal(t, notify.LevelInfo, started[0].Level)

	err := f.sup.Start("", "")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, f.spawner.count())
}

func TestStart_UsesWorkingDirectoryWhenRootUnset(t *testing.T) {
	tr := &tracer{}
	w := &fakeWatcher{trace: tr}
	sp := &fakeSpawner{t: t, trace: tr}
	sup, err := New(Config{Command: "node", Stdout: io.Discard, Stderr: io.Discard}, Options{
		Watcher: w,
		Spawner: sp.spawn,
		Getwd:   func() (string, error) { return "/work/dir", nil },
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); <-sup.Done() }()
	go func() { _ = sup.Run(ctx) }()

	require.NoError(t, sup.Start("", ""))
	assert.Equal(t, []string{"/work/dir"}, w.roots)
}

func TestStart_FailureLeavesStopped(t *testing.T) {
	f := newFixture(t, false)
	f.spawner.setErr(errors.New("exec: \"node\": executable file not found"))

	err := f.sup.Start("", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executable file not found")
	assert.Equal(t, StateStopped, f.sup.Status().State)
	require.Len(t, f.notes.titled("Failed to start"), 1)
	assert.Equal(t, notify.LevelError, f.notes.titled("Failed to start")[0].Level)
}

func TestStart_WatchFailureIsReported(t *testing.T) {
	f := newFixture(t, false)
	f.watcher.err = errors.New("not a directory")

	err := f.sup.Start("", "")
	require.Error(t, err)
	assert.Equal(t, 0, f.spawner.count(), "no child without a watch set")
}

func TestChange_RestartsOnSignalledExit(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.sup.Start("", ""))

	f.watcher.touch("app.js")

	require.Eventually(t, func() bool { return f.spawner.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	st := f.waitState(t, StateRunning)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, 1001, st.PID)
	assert.Equal(t, "app.js", st.LastTrigger)
	require.NotNil(t, st.LastExit)
	assert.True(t, st.LastExit.Signaled)

	first := f.spawner.child(0)
	assert.Equal(t, []os.Signal{process.Terminate}, first.received())

	restarting := f.notes.titled("Restarting")
	require.Len(t, restarting, 1)
	assert.Equal(t, "File modified: app.js", restarting[0].Message)
	assert.Equal(t, notify.LevelInfo, restarting[0].Level)
	assert.Equal(t, []string{"rebuild", "spawn", "rebuild", "spawn"}, f.trace.all())
}

func TestChange_NestedPathIsRelative(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.sup.Start("", ""))

	f.watcher.touch("lib/db.js")
	require.Eventually(t, func() bool { return len(f.notes.titled("Restarting")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "File modified: lib/db.js", f.notes.titled("Restarting")[0].Message)
}

func TestCrash_DoesNotAutoRestart(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.sup.Start("", ""))

	f.spawner.child(0).exit(process.Exit{Code: 1})
	st := f.waitState(t, StateStopped)
	assert.Equal(t, 0, st.PID)
	assert.Equal(t, 0, f.sup.PID())
	require.NotNil(t, st.LastExit)
	assert.Equal(t, 1, st.LastExit.Code)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.spawner.count(), "a crash never respawns on its own")

	// the next change starts fresh, not as a restart
	f.watcher.touch("app.js")
	f.waitState(t, StateRunning)
	assert.Equal(t, 2, f.spawner.count())
	assert.Len(t, f.notes.titled("Started"), 2)
	assert.Empty(t, f.notes.titled("Restarting"))
	assert.Equal(t, 0, f.sup.Status().Restarts)
}

func TestRestarting_NaturalExitDoesNotRespawn(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.sup.Start("", ""))

	f.watcher.touch("app.js")
	f.waitState(t, StateRestarting)

	// the child crashes on its own before the signal takes effect
	f.spawner.child(0).exit(process.Exit{Code: 1})
	f.waitState(t, StateStopped)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.spawner.count())
	assert.Empty(t, f.notes.titled("Restarting"))
}

func TestRestarting_FurtherChangesAreIgnored(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.sup.Start("", ""))

	f.watcher.touch("a.js")
	f.waitState(t, StateRestarting)
	f.watcher.touch("b.js")
	f.watcher.touch("c.js")

	first := f.spawner.child(0)
	assert.Equal(t, []os.Signal{process.Terminate}, first.received())
	first.exit(process.Exit{Signaled: true, Signal: process.Terminate, Code: -1})

	f.waitState(t, StateRunning)
	assert.Equal(t, 2, f.spawner.count())
	restarting := f.notes.titled("Restarting")
	require.Len(t, restarting, 1)
	assert.Equal(t, "File modified: a.js", restarting[0].Message)
}

func TestRestart_EscalatesToKill(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.sup.Start("", ""))

	f.watcher.touch("app.js")
	require.Eventually(t, func() bool { return f.spawner.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []os.Signal{process.Terminate, os.Kill}, f.spawner.child(0).received())
	f.waitState(t, StateRunning)
}

func TestManualRestart(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.sup.Start("", ""))

	require.NoError(t, f.sup.Restart(""))
	require.Eventually(t, func() bool { return len(f.notes.titled("Restarting")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Manual restart", f.notes.titled("Restarting")[0].Message)
	assert.Equal(t, 1, f.sup.Status().Restarts)
}

func TestManualRestart_FromStoppedReportsStartFailure(t *testing.T) {
	f := newFixture(t, false)
	f.spawner.setErr(errors.New("exec: \"node\": executable file not found"))

	err := f.sup.Restart("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executable file not found")
	assert.Equal(t, StateStopped, f.sup.Status().State)

	// a file change has nobody to report to; the failure is only notified
	f.watcher.touch("app.js")
	require.Eventually(t, func() bool { return len(f.notes.titled("Failed to start")) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStopped, f.sup.Status().State)

	f.spawner.setErr(nil)
	require.NoError(t, f.sup.Restart(""))
	f.waitState(t, StateRunning)
}

func TestTypeError_NotifiesAndClearsBuffer(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.sup.Start("", ""))
	child := f.spawner.child(0)

	const trace = "TypeError: x is not a function\n    at foo (app.js:10:5)\n"
	child.writeStderr(t, trace)

	require.Eventually(t, func() bool { return len(f.notes.titled("TypeError")) == 1 }, 2*time.Second, 5*time.Millisecond)
	n := f.notes.titled("TypeError")[0]
	assert.Equal(t, notify.LevelError, n.Level)
	assert.Equal(t, "x is not a function (app.js:10:5)", n.Message)

	st := f.sup.Status()
	assert.Equal(t, 1, st.Crashes)
	require.NotNil(t, st.LastCrash)
	assert.Equal(t, "app.js", st.LastCrash.SourceFile)
	assert.Equal(t, 10, st.LastCrash.Line)
	assert.Equal(t, 5, st.LastCrash.Column)
	assert.Empty(t, f.sup.Buffer())
	assert.Equal(t, 0, st.BufferedBytes)
	assert.Equal(t, StateRunning, st.State, "a trace alone does not change the lifecycle")
}

func TestStderr_ForwardedUnmodified(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.sup.Start("", ""))
	child := f.spawner.child(0)

	child.writeStderr(t, "warning: deprecated\n")
	require.Eventually(t, func() bool { return f.sup.Buffer() == "warning: deprecated\n" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "warning: deprecated\n", f.stderr.String())
	assert.Empty(t, f.notes.titled("warning"))

	f.sup.ResetBuffer()
	assert.Empty(t, f.sup.Buffer())
}

func TestBuffer_PersistsAcrossRestarts(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.sup.Start("", ""))

	f.spawner.child(0).writeStderr(t, "RangeError: too deep\n")
	require.Eventually(t, func() bool { return f.sup.Buffer() != "" }, 2*time.Second, 5*time.Millisecond)

	f.watcher.touch("app.js")
	require.Eventually(t, func() bool { return f.spawner.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "RangeError: too deep\n", f.sup.Buffer())

	f.spawner.child(1).writeStderr(t, "    at recurse (lib.js:3:9)\n")
	require.Eventually(t, func() bool { return len(f.notes.titled("RangeError")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "too deep (lib.js:3:9)", f.notes.titled("RangeError")[0].Message)
	assert.Empty(t, f.sup.Buffer())
}

func TestStaleExitIsIgnored(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.sup.Start("", ""))
	f.watcher.touch("app.js")
	f.waitState(t, StateRunning)
	require.Eventually(t, func() bool { return f.spawner.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	// an exit tagged with the first generation arrives late
	f.sup.post(exitEvent{gen: 1, exit: process.Exit{PID: 1000, Code: 1}})
	time.Sleep(50 * time.Millisecond)
	st := f.sup.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1001, st.PID)
}

func TestStop_WaitsForExit(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.sup.Start("", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.sup.Stop(ctx))
	assert.Equal(t, StateStopped, f.sup.Status().State)
	assert.Equal(t, 1, f.spawner.count())

	// stopping an idle supervisor is a no-op
	require.NoError(t, f.sup.Stop(ctx))
}

func TestRun_CancelStopsChild(t *testing.T) {
	tr := &tracer{}
	sp := &fakeSpawner{t: t, trace: tr, ignoreTerm: true}
	sup, err := New(Config{Command: "node", Root: testRoot, StopTimeout: 50 * time.Millisecond, Stdout: io.Discard, Stderr: io.Discard},
		Options{Watcher: &fakeWatcher{trace: tr}, Spawner: sp.spawn, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()
	require.NoError(t, sup.Start("", ""))

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, []os.Signal{process.Terminate, os.Kill}, sp.child(0).received())
	assert.Equal(t, StateStopped, sup.Status().State, "status survives the loop")
	assert.ErrorIs(t, sup.Start("", ""), ErrShuttingDown)
	assert.Error(t, sup.Run(context.Background()))
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *memSink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.EventType
	for _, e := range m.events {
		if e.Type != history.EventState {
			out = append(out, e.Type)
		}
	}
	return out
}

func TestHistory_RecordsLifecycle(t *testing.T) {
	tr := &tracer{}
	sp := &fakeSpawner{t: t, trace: tr}
	w := &fakeWatcher{trace: tr}
	sink := &memSink{}
	rec := history.NewRecorder(nil, sink)
	sup, err := New(Config{Command: "node", Root: testRoot, Stdout: io.Discard, Stderr: io.Discard},
		Options{Watcher: w, Spawner: sp.spawn, History: rec, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sup.Run(ctx) }()

	require.NoError(t, sup.Start("", ""))
	sp.child(0).writeStderr(t, "Error: boom\n    at main (index.js:1:1)\n")
	require.Eventually(t, func() bool { return sup.Status().Crashes == 1 }, 2*time.Second, 5*time.Millisecond)
	w.touch("index.js")
	require.Eventually(t, func() bool { return sup.Status().Restarts == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-sup.Done()
	require.NoError(t, rec.Close())

	assert.Equal(t, []history.EventType{
		history.EventStart, history.EventCrash, history.EventExit, history.EventRestart, history.EventStart, history.EventExit,
	}, sink.types())
}

func TestStatus_JSONState(t *testing.T) {
	b, err := StateRestarting.MarshalText()
	require.NoError(t, err)
	assert.True(t, strings.EqualFold(string(b), "restarting"))
}
