package main

import "time"

// RunFlags decouples cobra from the run logic for testing. Only ConfigPath is
// read directly; the rest are bound to configuration keys by name.
type RunFlags struct {
	ConfigPath    string
	Name          string
	Root          string
	WorkDir       string
	PIDFile       string
	Extensions    []string
	Ignore        []string
	Interval      time.Duration
	Backend       string
	StopTimeout   time.Duration
	Env           []string
	EnvFiles      []string
	DesktopNotify bool
	LogDir        string
	HistoryDSN    string
	MetricsListen string
	APIListen     string
	Verbose       bool
}
