package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mt5prov"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	downloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "total",
			Help:      "Artifact fetches by result (downloaded, cached, failed, cancelled, corrupt).",
		}, []string{"artifact", "result"},
	)
	downloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Bytes written to disk from remote artifact sources.",
		}, []string{"artifact"},
	)
	downloadRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "retries_total",
			Help:      "Transport level retries of artifact requests.",
		},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result (hit, miss).",
		}, []string{"result"},
	)
	stepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "runs_total",
			Help:      "Pipeline step executions by outcome.",
		}, []string{"step", "outcome"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Wall time spent in a pipeline step.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"step"},
	)
	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "External commands started.",
		}, []string{"name", "mode"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Background processes stopped during cleanup, by how (terminated, killed).",
		}, []string{"name", "how"},
	)
	runningProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "running",
			Help:      "Tracked background processes currently alive.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{downloads, downloadBytes, downloadRetries, cacheLookups, stepRuns, stepDuration, processStarts, processStops, runningProcesses}
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

// Helpers below no-op until Register has been called.

func IncDownload(artifact, result string) {
	if regOK.Load() {
		downloads.WithLabelValues(artifact, result).Inc()
	}
}

func AddDownloadBytes(artifact string, n int64) {
	if regOK.Load() && n > 0 {
		downloadBytes.WithLabelValues(artifact).Add(float64(n))
	}
}

func IncDownloadRetry() {
	if regOK.Load() {
		downloadRetries.Inc()
	}
}

func IncCacheLookup(hit bool) {
	if !regOK.Load() {
		return
	}
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
	} else {
		cacheLookups.WithLabelValues("miss").Inc()
	}
}

func ObserveStep(step, outcome string, seconds float64) {
	if regOK.Load() {
		stepRuns.WithLabelValues(step, outcome).Inc()
		stepDuration.WithLabelValues(step).Observe(seconds)
	}
}

func IncProcessStart(name string, background bool) {
	if !regOK.Load() {
		return
	}
	mode := "foreground"
	if background {
		mode = "background"
	}
	processStarts.WithLabelValues(name, mode).Inc()
}

func IncProcessStop(name string, killed bool) {
	if !regOK.Load() {
		return
	}
	how := "terminated"
	if killed {
		how = "killed"
	}
	processStops.WithLabelValues(name, how).Inc()
}

func SetRunningProcesses(n int) {
	if regOK.Load() {
		runningProcesses.Set(float64(n))
	}
}
