package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/respawn"
	"github.com/loykin/respawn/internal/config"
	"github.com/loykin/respawn/internal/supervisor"
	"github.com/loykin/respawn/internal/watch"
)

func main() {
	root := buildRoot(os.Stdin)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the respawn command. stdin is scanned for "rs".
func buildRoot(stdin io.Reader) *cobra.Command {
	flags := &RunFlags{}
	root := &cobra.Command{
		Use:   "respawn [flags] [--] <command> [args...]",
		Short: "Restart a development program when its sources change",
		Long: `Respawn runs a program, watches the source files under a directory and
restarts the program whenever one of them changes. Stack traces the program
prints on stderr are recognized and reported as notifications.

Type "rs" and Enter to restart manually.

Examples:
  respawn node app.js
  respawn --ext .js --ext .mjs --root ./src -- node --inspect server.js
  respawn --desktop-notify --history-dsn sqlite://respawn.db node app.js
  respawn --config respawn.toml`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRespawn(cmd, flags, args, stdin)
		},
	}
	// everything after the command belongs to the child
	root.Flags().SetInterspersed(false)

	f := root.Flags()
	f.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	f.StringVar(&flags.Name, "name", "", "display name used in logs and metrics")
	f.StringVar(&flags.Root, "root", "", "directory to watch (default: working directory)")
	f.StringVar(&flags.WorkDir, "workdir", "", "working directory of the child")
	f.StringVar(&flags.PIDFile, "pidfile", "", "record the child PID here; a live leftover child is killed on startup")
	f.StringSliceVar(&flags.Extensions, "ext", watch.DefaultExtensions, "watched file extension (repeatable)")
	f.StringSliceVar(&flags.Ignore, "ignore", nil, "directory name never descended into (repeatable)")
	f.DurationVar(&flags.Interval, "interval", watch.DefaultInterval, "metadata poll interval")
	f.StringVar(&flags.Backend, "backend", config.BackendPoll, "change detection backend: poll or fsnotify")
	f.DurationVar(&flags.StopTimeout, "stop-timeout", supervisor.DefaultStopTimeout, "grace period before the child is killed")
	f.StringSliceVar(&flags.Env, "env", nil, "extra KEY=VALUE for the child (repeatable)")
	f.StringSliceVar(&flags.EnvFiles, "env-file", nil, "dotenv file loaded for the child (repeatable)")
	f.BoolVar(&flags.DesktopNotify, "desktop-notify", false, "show desktop notifications")
	f.StringVar(&flags.LogDir, "log-dir", "", "copy child output to rotating files in this directory")
	f.StringVar(&flags.HistoryDSN, "history-dsn", "", "record lifecycle history (sqlite://, postgres://, clickhouse://)")
	f.StringVar(&flags.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	f.StringVar(&flags.APIListen, "api-listen", "", "serve the control API on this address")
	f.BoolVarP(&flags.Verbose, "verbose", "v", false, "debug logging")
	return root
}

func runRespawn(cmd *cobra.Command, flags *RunFlags, args []string, stdin io.Reader) error {
	cfg, err := respawn.LoadConfig(flags.ConfigPath, cmd.Flags())
	if err != nil {
		return err
	}
	if len(args) == 0 && len(cfg.Command) == 0 {
		return cmd.Help()
	}

	app, err := respawn.New(cfg, args, respawn.Options{Stdin: stdin})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}
