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

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepq",
			Subsystem: "process",
			Name:      "transitions_total",
			Help:      "Number of process records entering a state.",
		}, []string{"state"},
	)
	finished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepq",
			Subsystem: "process",
			Name:      "finished_total",
			Help:      "Terminated processes by outcome (success, failed, timeout).",
		}, []string{"outcome"},
	)
	workerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stepq",
			Subsystem: "worker",
			Name:      "duration_seconds",
			Help:      "Wall-clock time of worker executions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"outcome"},
	)
	readyProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stepq",
			Subsystem: "queue",
			Name:      "ready_processes",
			Help:      "Processes waiting in the ready state at the last observation.",
		},
	)
	pluginRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepq",
			Subsystem: "plugin",
			Name:      "runs_total",
			Help:      "Plugin invocations by the runner.",
		}, []string{"plugin"},
	)
	pluginProcesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stepq",
			Subsystem: "plugin",
			Name:      "processes_total",
			Help:      "Processes scheduled by plugins.",
		}, []string{"plugin"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{transitions, finished, workerDuration, readyProcesses, pluginRuns, pluginProcesses}
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

// Handler returns an http.Handler that serves metrics of the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func RecordTransition(state string) {
	if regOK.Load() {
		transitions.WithLabelValues(state).Inc()
	}
}

// Outcome classifies an exit code.
func Outcome(code, timeoutCode int) string {
	switch code {
	case 0:
		return "success"
	case timeoutCode:
		return "timeout"
	default:
		return "failed"
	}
}

func RecordFinish(outcome string) {
	if regOK.Load() {
		finished.WithLabelValues(outcome).Inc()
	}
}

func ObserveWorker(outcome string, seconds float64) {
	if regOK.Load() {
		workerDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

func SetReady(n int) {
	if regOK.Load() {
		readyProcesses.Set(float64(n))
	}
}

func RecordPluginRun(plugin string, scheduled int) {
	if regOK.Load() {
		pluginRuns.WithLabelValues(plugin).Inc()
		pluginProcesses.WithLabelValues(plugin).Add(float64(scheduled))
	}
}
