// Package respawn restarts a development program whenever its source files
// change and reports the crashes it prints.
//
// It is a thin facade over the internal packages so the supervisor can be
// embedded in other tools; cmd/respawn is the command-line front end.
package respawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/loykin/respawn/internal/config"
	"github.com/loykin/respawn/internal/env"
	"github.com/loykin/respawn/internal/history"
	"github.com/loykin/respawn/internal/history/factory"
	"github.com/loykin/respawn/internal/logger"
	"github.com/loykin/respawn/internal/metrics"
	"github.com/loykin/respawn/internal/notify"
	"github.com/loykin/respawn/internal/pidfile"
	"github.com/loykin/respawn/internal/process"
	"github.com/loykin/respawn/internal/scanner"
	"github.com/loykin/respawn/internal/server"
	"github.com/loykin/respawn/internal/supervisor"
	"github.com/loykin/respawn/internal/watch"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = supervisor.Status

type State = supervisor.State

type CrashEvent = scanner.CrashEvent

type Notification = notify.Notification

type Notifier = notify.Notifier

const (
	StateStopped    = supervisor.StateStopped
	StateRunning    = supervisor.StateRunning
	StateRestarting = supervisor.StateRestarting
)

var ErrNoCommand = supervisor.ErrNoCommand

// LoadConfig resolves configuration from path (optional), RESPAWN_* env vars
// and flags (optional).
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	return config.Load(path, flags)
}

// shutdownTimeout bounds HTTP server shutdown.
const shutdownTimeout = 5 * time.Second

// Options are the process-level collaborators of an App. Zero values fall
// back to the standard streams and a console logger.
type Options struct {
	Logger *slog.Logger
	Stdout io.Writer
	Stderr io.Writer
	// Stdin is scanned for the "rs" manual-restart command. Nil disables it.
	Stdin io.Reader
	// Notifiers receive every notification in addition to the log.
	Notifiers []Notifier
	// Registerer receives the metric collectors; defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// App is one fully wired supervisor with its optional side services.
type App struct {
	cfg     *Config
	log     *slog.Logger
	sup     *supervisor.Supervisor
	watcher *watch.Set
	rec     *history.Recorder
	reader  history.Reader
	sampler *metrics.Sampler
	stdin   io.Reader
	closers []io.Closer
	servers []*http.Server
}

// New wires an App for argv, which overrides the configured command when
// non-empty. Nothing runs until Run is called.
func New(cfg *Config, argv []string, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("respawn: nil config")
	}
	log := opts.Logger
	if log == nil {
		level := slog.LevelInfo
		if cfg.Verbose {
			level = slog.LevelDebug
		}
		log = logger.NewConsole(os.Stderr, level, false)
	}
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	childEnv, err := env.Compose(cfg.EnvFiles, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("child environment: %w", err)
	}
	sc, err := cfg.Supervisor(argv, childEnv)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, stdin: opts.Stdin}

	if cfg.Log.Enabled() {
		name := process.Spec{Name: sc.Name, Command: sc.Command}.DisplayName()
		outW, errW, err := cfg.Log.Writers(name)
		if err != nil {
			return nil, err
		}
		if outW != nil {
			a.closers = append(a.closers, outW)
			stdout = logger.Tee(stdout, outW)
		}
		if errW != nil {
			a.closers = append(a.closers, errW)
			stderr = logger.Tee(stderr, errW)
		}
	}
	sc.Stdout, sc.Stderr = stdout, stderr

	wopts := watch.Options{
		Extensions: cfg.Extensions,
		Ignore:     cfg.Ignore,
		Interval:   cfg.Interval,
		Logger:     log.With("component", "watch"),
	}
	if cfg.Backend == config.BackendFsnotify {
		wopts.Backend = &watch.NotifyBackend{Logger: wopts.Logger}
	}
	a.watcher = watch.New(wopts)

	notifiers := notify.Multi{notify.LogNotifier{Logger: log}}
	if cfg.Notify.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier())
	}
	notifiers = append(notifiers, opts.Notifiers...)

	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			a.watcher.Close()
			a.closeAll()
			return nil, fmt.Errorf("history: %w", err)
		}
		if r, ok := sink.(history.Reader); ok {
			a.reader = r
		}
		a.rec = history.NewRecorder(log.With("component", "history"), sink)
	}

	a.sup, err = supervisor.New(sc, supervisor.Options{
		Watcher:  a.watcher,
		Notifier: notifiers,
		Logger:   log,
		History:  a.rec,
	})
	if err != nil {
		a.watcher.Close()
		_ = a.rec.Close()
		a.closeAll()
		return nil, err
	}

	if cfg.Metrics.Listen != "" || cfg.API.Listen != "" {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		a.sampler = metrics.NewSampler(a.sup.Name(), cfg.Metrics.SampleInterval, a.sup.PID)
	}
	return a, nil
}

// Supervisor exposes the underlying supervisor.
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

func (a *App) Status() Status { return a.sup.Status() }

// Restart restarts the child as if reason had changed.
func (a *App) Restart(reason string) error { return a.sup.Restart(reason) }

// Run starts the child and blocks until ctx is cancelled, then stops the
// child and releases every resource. A failing initial start is returned.
func (a *App) Run(ctx context.Context) error {
	defer a.closeAll()
	defer a.watcher.Close()
	defer func() { _ = a.rec.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopErr := make(chan error, 1)
	go func() { loopErr <- a.sup.Run(ctx) }()

	a.reapLeftover()
	if err := a.sup.Start("", ""); err != nil {
		cancel()
		<-loopErr
		return err
	}

	if addr := a.cfg.Metrics.Listen; addr != "" {
		a.servers = append(a.servers, serveMetrics(addr, a.log))
		a.log.Info("metrics listening", "addr", addr)
	}
	if addr := a.cfg.API.Listen; addr != "" {
		a.servers = append(a.servers, server.NewServer(addr, a.cfg.API.BasePath, a.sup, a.reader))
		a.log.Info("control API listening", "addr", addr, "base_path", a.cfg.API.BasePath)
	}
	if a.sampler != nil {
		go a.sampler.Run(ctx)
	}
	if a.stdin != nil {
		go ReadCommands(ctx, a.stdin, a.sup, a.log)
	}

	err := <-loopErr
	a.shutdownServers()
	return err
}

// reapLeftover kills a child recorded by a previous run that is still alive,
// typically because that run was killed before it could stop its child.
func (a *App) reapLeftover() {
	path := a.cfg.PIDFile
	if path == "" {
		return
	}
	rec, alive, err := pidfile.Leftover(path)
	if err != nil {
		a.log.Warn("ignoring unreadable pidfile", "path", path, "error", err)
		return
	}
	if !alive {
		return
	}
	a.log.Warn("killing leftover child of a previous run", "pid", rec.PID, "command", rec.Command)
	if err := process.SignalGroup(rec.PID, os.Kill); err != nil && !errors.Is(err, os.ErrProcessDone) {
		a.log.Error("failed to kill leftover child", "pid", rec.PID, "error", err)
	}
	_ = pidfile.Remove(path)
}

func (a *App) shutdownServers() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range a.servers {
		if err := s.Shutdown(ctx); err != nil {
			a.log.Debug("server shutdown", "addr", s.Addr, "error", err)
		}
	}
	a.servers = nil
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c.Close()
	}
	a.closers = nil
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "error", err)
		}
	}()
	return srv
}

// RegisterMetrics registers the collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
