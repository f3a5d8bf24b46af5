package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "procwarden"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "sweeps_total",
			Help:      "Number of cleanup passes, by outcome.",
		}, []string{"outcome"},
	)
	reclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "reclaimed_total",
			Help:      "Task directories deleted by the janitor.",
		},
	)
	reclaimFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "reclaim_failures_total",
			Help:      "Task directories the janitor selected but failed to delete.",
		},
	)
	verdicts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "directories",
			Help:      "Task directories seen by the last pass, by verdict.",
		}, []string{"reason"},
	)
	selectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "select_duration_seconds",
			Help:      "Time spent deciding which directories to reclaim.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	monitorExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "exits_total",
			Help:      "Supervised processes observed dead by a liveness monitor.",
		}, []string{"name"},
	)
	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "launches_total",
			Help:      "Processes launched under supervision.",
		}, []string{"name"},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "running",
			Help:      "Supervised processes currently alive.",
		},
	)

	streamBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Bytes copied from child process output, by stream.",
		}, []string{"stream"},
	)
	streamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "errors_total",
			Help:      "Output copy failures, by stream.",
		}, []string{"stream"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		sweepsTotal, reclaimedTotal, reclaimFailures, verdicts, selectDuration,
		monitorExits, launches, running, streamBytes, streamErrors,
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSweep(outcome string) {
	if regOK.Load() {
		sweepsTotal.WithLabelValues(outcome).Inc()
	}
}

func AddReclaimed(n int) {
	if regOK.Load() && n > 0 {
		reclaimedTotal.Add(float64(n))
	}
}

func AddReclaimFailures(n int) {
	if regOK.Load() && n > 0 {
		reclaimFailures.Add(float64(n))
	}
}

// SetVerdicts replaces the per-reason directory counts.
func SetVerdicts(counts map[string]int) {
	if !regOK.Load() {
		return
	}
	verdicts.Reset()
	for reason, n := range counts {
		verdicts.WithLabelValues(reason).Set(float64(n))
	}
}

func ObserveSelectDuration(seconds float64) {
	if regOK.Load() {
		selectDuration.Observe(seconds)
	}
}

func IncMonitorExit(name string) {
	if regOK.Load() {
		monitorExits.WithLabelValues(name).Inc()
	}
}

func IncLaunch(name string) {
	if regOK.Load() {
		launches.WithLabelValues(name).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		running.Set(float64(n))
	}
}

func AddStreamBytes(stream string, n int) {
	if regOK.Load() && n > 0 {
		streamBytes.WithLabelValues(stream).Add(float64(n))
	}
}

func IncStreamError(stream string) {
	if regOK.Load() {
		streamErrors.WithLabelValues(stream).Inc()
	}
}
