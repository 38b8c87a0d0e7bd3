package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "phasegate"

// #region gate
var (
	// gateDecisions counts gate outcomes.
	// Labels: decision (allow, allow_with_projection, block), fallback (true, false)
	gateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Total gate decisions by outcome",
	}, []string{"decision", "fallback"})

	// stageLatency measures each pipeline stage.
	// Labels: stage (measure, validate, project, record, total)
	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "stage_latency_seconds",
		Help:      "Gate pipeline stage latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25},
	}, []string{"stage"})

	// stageOverruns counts stages that exceeded their latency target.
	stageOverruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "stage_overruns_total",
		Help:      "Total pipeline stages exceeding their latency target",
	}, []string{"stage"})

	// gateTimeouts counts budget exhaustions by resolution policy.
	gateTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "timeouts_total",
		Help:      "Total gate calls exceeding the latency budget",
	}, []string{"policy"})

	// projectionIterations tracks projector rounds per run.
	projectionIterations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "projection",
		Name:      "iterations",
		Help:      "Projector correction rounds per run",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34, 50},
	}, []string{"converged"})

	// securityEvents counts recorded security events.
	securityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trajectory",
		Name:      "security_events_total",
		Help:      "Total security events recorded",
	}, []string{"kind", "severity"})
)

// #endregion gate

// #region analysis
var (
	// interventionChanges counts level changes.
	// Labels: from, to, trigger
	interventionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "intervention",
		Name:      "changes_total",
		Help:      "Total intervention level changes",
	}, []string{"from", "to", "trigger"})

	// discoveryRuns counts discovery runs by status (ok, error).
	discoveryRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "attractor",
		Name:      "discovery_runs_total",
		Help:      "Total attractor discovery runs",
	}, []string{"status"})

	// attractorsFound counts discovered attractors by classification.
	attractorsFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "attractor",
		Name:      "discovered_total",
		Help:      "Total attractors discovered by classification",
	}, []string{"classification"})

	// discoveryDuration measures a full discovery run.
	discoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "attractor",
		Name:      "discovery_duration_seconds",
		Help:      "Attractor discovery run duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

// #endregion analysis

// #region recorders

// RecordDecision counts one gate outcome.
func RecordDecision(decision string, fallback bool) {
	gateDecisions.WithLabelValues(decision, boolLabel(fallback)).Inc()
}

// ObserveStage records one stage duration and counts an overrun when a
// positive target is exceeded.
func ObserveStage(stage string, d, target time.Duration) {
	stageLatency.WithLabelValues(stage).Observe(d.Seconds())
	if target > 0 && d > target {
		stageOverruns.WithLabelValues(stage).Inc()
	}
}

// RecordTimeout counts one budget exhaustion under the given policy.
func RecordTimeout(policy string) {
	gateTimeouts.WithLabelValues(policy).Inc()
}

// ObserveProjection records one projector run.
func ObserveProjection(iterations int, converged bool) {
	projectionIterations.WithLabelValues(boolLabel(converged)).Observe(float64(iterations))
}

// RecordSecurityEvent counts one recorded security event.
func RecordSecurityEvent(kind, severity string) {
	securityEvents.WithLabelValues(kind, severity).Inc()
}

// RecordInterventionChange counts one level change.
func RecordInterventionChange(from, to, trigger string) {
	interventionChanges.WithLabelValues(from, to, trigger).Inc()
}

// RecordDiscovery counts one discovery run and its attractors.
func RecordDiscovery(d time.Duration, err error, classifications []string) {
	if err != nil {
		discoveryRuns.WithLabelValues("error").Inc()
		return
	}
	discoveryRuns.WithLabelValues("ok").Inc()
	discoveryDuration.Observe(d.Seconds())
	for _, c := range classifications {
		attractorsFound.WithLabelValues(c).Inc()
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// #endregion recorders
