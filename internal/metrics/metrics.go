package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	childStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "respawn",
			Subsystem: "child",
			Name:      "starts_total",
			Help:      "Number of successful child spawns.",
		}, []string{"name"},
	)
	childRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "respawn",
			Subsystem: "child",
			Name:      "restarts_total",
			Help:      "Number of restarts triggered by file changes or requests.",
		}, []string{"name"},
	)
	childExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "respawn",
			Subsystem: "child",
			Name:      "exits_total",
			Help:      "Number of child exits by kind (clean, failed, signaled).",
		}, []string{"name", "kind"},
	)
	childCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "respawn",
			Subsystem: "child",
			Name:      "crashes_total",
			Help:      "Number of stack traces recognized on the diagnostic stream.",
		}, []string{"name", "error_type"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "respawn",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "respawn",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	watchedFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "respawn",
			Subsystem: "watch",
			Name:      "files",
			Help:      "Number of files in the current watch set.",
		},
	)
	fileChanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "respawn",
			Subsystem: "watch",
			Name:      "changes_total",
			Help:      "Number of change events reported by the watch set.",
		},
	)
	childCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "respawn",
			Subsystem: "child",
			Name:      "cpu_percent",
			Help:      "CPU usage of the running child.",
		}, []string{"name"},
	)
	childRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "respawn",
			Subsystem: "child",
			Name:      "rss_bytes",
			Help:      "Resident memory of the running child.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		childStarts, childRestarts, childExits, childCrashes,
		stateTransitions, currentStates, watchedFiles, fileChanges,
		childCPU, childRSS,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		childStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		childRestarts.WithLabelValues(name).Inc()
	}
}

func IncExit(name, kind string) {
	if regOK.Load() {
		childExits.WithLabelValues(name, kind).Inc()
	}
}

func IncCrash(name, errorType string) {
	if regOK.Load() {
		childCrashes.WithLabelValues(name, errorType).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func SetWatchedFiles(n int) {
	if regOK.Load() {
		watchedFiles.Set(float64(n))
	}
}

func IncFileChange() {
	if regOK.Load() {
		fileChanges.Inc()
	}
}

func SetChildResources(name string, cpuPercent float64, rss uint64) {
	if regOK.Load() {
		childCPU.WithLabelValues(name).Set(cpuPercent)
		childRSS.WithLabelValues(name).Set(float64(rss))
	}
}
