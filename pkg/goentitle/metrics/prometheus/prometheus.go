package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Metrics implements goentitle.Metrics using Prometheus.
type Metrics struct {
	resolveTotal               *prometheus.CounterVec
	pendingAppliedTotal        *prometheus.CounterVec
	reconciliationTotal        *prometheus.CounterVec
	reconciliationDuration     *prometheus.HistogramVec
	tierChangesTotal           *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		resolveTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_resolve_total",
			Help:      "Total number of normalized events resolved, by outcome.",
		}, []string{"provider", "scope", "outcome"}),

		pendingAppliedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_entitlements_applied_total",
			Help:      "Total number of pending entitlements consumed by reconciliation.",
		}, []string{"provider", "scope"}),

		reconciliationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_total",
			Help:      "Total number of reconciliation runs, by outcome.",
		}, []string{"outcome"}),

		reconciliationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_duration_seconds",
			Help:      "Latency of reconciliation runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_tier_changes_total",
			Help:      "Total number of access tier changes.",
		}, []string{"from", "to"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

// DefaultMetrics creates metrics registered with the default registry.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

func (m *Metrics) RecordResolve(provider goentitle.Provider, scope goentitle.Scope, outcome string) {
	m.resolveTotal.WithLabelValues(string(provider), string(scope), outcome).Inc()
}

func (m *Metrics) RecordPendingApplied(provider goentitle.Provider, scope goentitle.Scope, count int) {
	m.pendingAppliedTotal.WithLabelValues(string(provider), string(scope)).Add(float64(count))
}

func (m *Metrics) RecordReconciliation(outcome string, duration time.Duration) {
	m.reconciliationTotal.WithLabelValues(outcome).Inc()
	m.reconciliationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordTierChange(from, to goentitle.AccessTier) {
	m.tierChangesTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

