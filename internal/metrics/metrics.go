package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultBusy    = "already_running"
	ResultMissing = "not_found"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	gameLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dosrun",
			Subsystem: "game",
			Name:      "launches_total",
			Help:      "Number of launch attempts by result.",
		}, []string{"result"},
	)
	gameExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dosrun",
			Subsystem: "game",
			Name:      "exits_total",
			Help:      "Number of game process exits by result.",
		}, []string{"result"},
	)
	gameRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dosrun",
			Subsystem: "game",
			Name:      "running",
			Help:      "Number of games currently running.",
		},
	)
	gameRunSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dosrun",
			Subsystem: "game",
			Name:      "run_seconds",
			Help:      "Duration of completed game sessions.",
			Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
	)
	bookkeepingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dosrun",
			Name:      "bookkeeping_failures_total",
			Help:      "Failures while tracking or persisting a finished run, by stage.",
		}, []string{"stage"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dosrun",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events a subscriber missed because its buffer was full, by event type.",
		}, []string{"type"},
	)
	historyPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dosrun",
			Subsystem: "history",
			Name:      "purged_sessions_total",
			Help:      "Number of history sessions removed by retention.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{gameLaunches, gameExits, gameRunning, gameRunSeconds, bookkeepingFailures, eventsDropped, historyPurged}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncLaunch(result string) {
	if regOK.Load() {
		gameLaunches.WithLabelValues(result).Inc()
	}
}

func IncExit(success bool) {
	if regOK.Load() {
		result := ResultOK
		if !success {
			result = ResultFailed
		}
		gameExits.WithLabelValues(result).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		gameRunning.Set(float64(n))
	}
}

func ObserveRunSeconds(seconds float64) {
	if regOK.Load() {
		gameRunSeconds.Observe(seconds)
	}
}

func IncBookkeepingFailure(stage string) {
	if regOK.Load() {
		bookkeepingFailures.WithLabelValues(stage).Inc()
	}
}

func IncEventDropped(kind string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(kind).Inc()
	}
}

func AddHistoryPurged(n int64) {
	if regOK.Load() && n > 0 {
		historyPurged.Add(float64(n))
	}
}
