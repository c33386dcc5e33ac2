// Package metrics exposes Prometheus instrumentation for the failover
// subsystem.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_probes_total",
			Help: "Health probes issued, by result",
		},
		[]string{"result"},
	)

	probeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resilience_probe_duration_seconds",
			Help:    "Health probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	failoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_failovers_total",
			Help: "Completed failover attempts, by result",
		},
		[]string{"result"},
	)

	recoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_recoveries_total",
			Help: "Completed canary recoveries, by result",
		},
		[]string{"result"},
	)

	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_alerts_total",
			Help: "Alerts published, by severity",
		},
		[]string{"severity"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_breaker_transitions_total",
			Help: "Circuit breaker transitions, by resulting state",
		},
		[]string{"to"},
	)

	servicesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_services",
			Help: "Registered services, by status",
		},
		[]string{"status"},
	)

	openBreakers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_open_breakers",
			Help: "Breakers currently open",
		},
	)

	activeFailovers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_active_failovers",
			Help: "Failover redirections currently active",
		},
	)
)

// RecordProbe records one probe outcome.
func RecordProbe(success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	probesTotal.WithLabelValues(result).Inc()
	probeDuration.Observe(duration.Seconds())
}

// RecordFailover records a finished failover attempt.
func RecordFailover(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	failoversTotal.WithLabelValues(result).Inc()
}

// RecordRecovery records a finished canary recovery.
func RecordRecovery(success bool) {
	result := "success"
	if !success {
		result = "rollback"
	}
	recoveriesTotal.WithLabelValues(result).Inc()
}

// RecordAlert records a published alert.
func RecordAlert(severity string) {
	alertsTotal.WithLabelValues(severity).Inc()
}

// RecordBreakerTransition records a breaker state change.
func RecordBreakerTransition(to string) {
	breakerTransitions.WithLabelValues(to).Inc()
}

// SetServiceCount sets the gauge for one status bucket.
func SetServiceCount(status string, n int) {
	servicesByStatus.WithLabelValues(status).Set(float64(n))
}

// SetOpenBreakers sets the open-breaker gauge.
func SetOpenBreakers(n int) {
	openBreakers.Set(float64(n))
}

// SetActiveFailovers sets the active-failover gauge.
func SetActiveFailovers(n int) {
	activeFailovers.Set(float64(n))
}
