// Package config loads respawn settings from defaults, an optional TOML file,
// RESPAWN_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/respawn/internal/logger"
	"github.com/loykin/respawn/internal/supervisor"
	"github.com/loykin/respawn/internal/watch"
)

const EnvPrefix = "RESPAWN"

const (
	BackendPoll     = "poll"
	BackendFsnotify = "fsnotify"
)

// Config is the fully resolved configuration.
type Config struct {
	Name        string        `mapstructure:"name"`
	Command     []string      `mapstructure:"command"`
	Root        string        `mapstructure:"root"`
	WorkDir     string        `mapstructure:"workdir"`
	PIDFile     string        `mapstructure:"pidfile"`
	Extensions  []string      `mapstructure:"extensions"`
	Ignore      []string      `mapstructure:"ignore"`
	Interval    time.Duration `mapstructure:"interval"`
	Backend     string        `mapstructure:"backend"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	Env         []string      `mapstructure:"env"`
	EnvFiles    []string      `mapstructure:"env_files"`
	Verbose     bool          `mapstructure:"verbose"`

	Notify  NotifyConfig  `mapstructure:"notify"`
	Log     logger.Config `mapstructure:"log"`
	History HistoryConfig `mapstructure:"history"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	API     APIConfig     `mapstructure:"api"`
}

type NotifyConfig struct {
	Desktop bool `mapstructure:"desktop"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type APIConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"name":           "name",
	"root":           "root",
	"workdir":        "workdir",
	"pidfile":        "pidfile",
	"ext":            "extensions",
	"ignore":         "ignore",
	"interval":       "interval",
	"backend":        "backend",
	"stop-timeout":   "stop_timeout",
	"env":            "env",
	"env-file":       "env_files",
	"verbose":        "verbose",
	"desktop-notify": "notify.desktop",
	"log-dir":        "log.dir",
	"history-dsn":    "history.dsn",
	"metrics-listen": "metrics.listen",
	"api-listen":     "api.listen",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "")
	v.SetDefault("command", []string{})
	v.SetDefault("root", "")
	v.SetDefault("workdir", "")
	v.SetDefault("pidfile", "")
	v.SetDefault("extensions", watch.DefaultExtensions)
	v.SetDefault("ignore", []string{})
	v.SetDefault("interval", watch.DefaultInterval)
	v.SetDefault("backend", BackendPoll)
	v.SetDefault("stop_timeout", supervisor.DefaultStopTimeout)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("verbose", false)
	v.SetDefault("notify.desktop", false)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.stdout", "")
	v.SetDefault("log.stderr", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sample_interval", 5*time.Second)
	v.SetDefault("api.listen", "")
	v.SetDefault("api.base_path", "")
}

// Load resolves the configuration. path may be empty; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option ranges. The command itself is checked by the caller
// since it may come from positional arguments.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendPoll, BackendFsnotify:
	default:
		errs = append(errs, fmt.Errorf("backend must be %q or %q, got %q", BackendPoll, BackendFsnotify, c.Backend))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop_timeout must be positive, got %s", c.StopTimeout))
	}
	if c.Metrics.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("metrics.sample_interval must be positive, got %s", c.Metrics.SampleInterval))
	}
	var exts []string
	for _, e := range c.Extensions {
		if e = strings.TrimSpace(e); e != "" {
			exts = append(exts, e)
		}
	}
	c.Extensions = exts
	if len(c.Extensions) == 0 {
		errs = append(errs, errors.New("at least one extension must be watched"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Supervisor returns the supervisor settings for argv. argv overrides the
// configured command when non-empty.
func (c *Config) Supervisor(argv []string, env []string) (supervisor.Config, error) {
	if len(argv) == 0 {
		argv = c.Command
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return supervisor.Config{}, supervisor.ErrNoCommand
	}
	return supervisor.Config{
		Name:        c.Name,
		Command:     argv[0],
		Args:        argv[1:],
		WorkDir:     c.WorkDir,
		PIDFile:     c.PIDFile,
		Env:         env,
		Root:        c.Root,
		StopTimeout: c.StopTimeout,
	}, nil
}
