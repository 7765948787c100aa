package procguard

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-operation duration histograms and outcome/cache
// counters using Prometheus client types, grounded on the same
// CounterVec/HistogramVec/namespace pattern used elsewhere in the pack
// for process-management telemetry.
type Metrics struct {
	operationDuration *prometheus.HistogramVec
	operationTotal     *prometheus.CounterVec
	protectionCacheHit *prometheus.CounterVec
	terminationOutcome *prometheus.CounterVec
	protectionCacheSize prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics collector and registers every series on a
// fresh registry scoped under the "procguard" namespace.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "procguard",
			Name:      "operation_duration_seconds",
			Help:      "Duration of core operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "success"},
	)

	m.operationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procguard",
			Name:      "operations_total",
			Help:      "Total number of core operations dispatched",
		},
		[]string{"operation", "success"},
	)

	m.protectionCacheHit = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procguard",
			Name:      "protection_cache_lookups_total",
			Help:      "Protection classifier cache lookups by hit/miss",
		},
		[]string{"result"},
	)

	m.terminationOutcome = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procguard",
			Name:      "termination_outcomes_total",
			Help:      "Termination attempts by final state",
		},
		[]string{"state"},
	)

	m.protectionCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "procguard",
			Name:      "protection_cache_entries",
			Help:      "Current number of entries in the protection verdict cache",
		},
	)

	m.registry.MustRegister(
		m.operationDuration,
		m.operationTotal,
		m.protectionCacheHit,
		m.terminationOutcome,
		m.protectionCacheSize,
	)

	return m
}

func operationLabel(op Operation) string {
	switch op {
	case OpFindProcess:
		return "find_process"
	case OpKillProcess:
		return "kill_process"
	case OpKillProcessTree:
		return "kill_process_tree"
	case OpCheckPorts:
		return "check_ports"
	case OpDevStatus:
		return "dev_status"
	case OpServerStatus:
		return "server_status"
	case OpFindProcessByPort:
		return "find_process_by_port"
	case OpCleanupUserProcesses:
		return "cleanup_user_processes"
	default:
		return "unknown"
	}
}

// observeOperation records one dispatched operation's duration and
// outcome.
func (m *Metrics) observeOperation(op Operation, elapsed time.Duration, success bool) {
	label := operationLabel(op)
	successLabel := "false"
	if success {
		successLabel = "true"
	}
	m.operationDuration.WithLabelValues(label, successLabel).Observe(elapsed.Seconds())
	m.operationTotal.WithLabelValues(label, successLabel).Inc()
}

func (m *Metrics) observeCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.protectionCacheHit.WithLabelValues(result).Inc()
}

func (m *Metrics) observeTermination(state TerminationState) {
	m.terminationOutcome.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) setCacheSize(n int) {
	m.protectionCacheSize.Set(float64(n))
}

// Registry returns the Prometheus registry backing these metrics, for
// wiring into an HTTP handler by cmd/procguardd.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
