package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	filterRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filter_requests_total",
			Help: "Filter requests by final outcome.",
		},
		[]string{"outcome"},
	)

	filterUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filter_units_total",
			Help: "Execution units by dialect and terminal state.",
		},
		[]string{"dialect", "outcome"},
	)

	filterUnitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filter_unit_duration_seconds",
			Help:    "Execution unit run time by dialect.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"dialect"},
	)

	artifactsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "filter_artifacts_active",
			Help: "Materialized artifacts currently held.",
		},
	)

	artifactOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filter_artifact_ops_total",
			Help: "Artifact create/drop/recreate operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	backendSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filter_backend_selections_total",
			Help: "Backend selections by dialect and reason.",
		},
		[]string{"dialect", "reason"},
	)

	layerEdits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filter_layer_edit_events_total",
			Help: "Layer edit events consumed by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filter_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		filterRequests, filterUnits, filterUnitDuration,
		artifactsActive, artifactOps, backendSelections, layerEdits, buildInfo,
	}
}

// Init registers the collectors on reg. Registering on the same registry
// twice is tolerated; on=false turns every observe helper into a no-op.
func Init(reg prometheus.Registerer, on bool) {
	enabled.Store(on)
	if reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func IncRequest(status string) {
	if !enabled.Load() {
		return
	}
	filterRequests.WithLabelValues(status).Inc()
}

func ObserveUnit(dialect, state string, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	filterUnits.WithLabelValues(dialect, state).Inc()
	filterUnitDuration.WithLabelValues(dialect).Observe(durationSeconds)
}

func ArtifactsActive(delta float64) {
	if !enabled.Load() {
		return
	}
	artifactsActive.Add(delta)
}

func ObserveArtifactOp(op string, err error) {
	if !enabled.Load() {
		return
	}
	artifactOps.WithLabelValues(op, outcome(err)).Inc()
}

func IncBackendSelection(dialect, reason string) {
	if !enabled.Load() {
		return
	}
	backendSelections.WithLabelValues(dialect, reason).Inc()
}

// IncEditEvent counts a consumed layer edit event; outcome is applied,
// stale, ignored or error.
func IncEditEvent(op, outcome string) {
	if !enabled.Load() {
		return
	}
	layerEdits.WithLabelValues(op, outcome).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
