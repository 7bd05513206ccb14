package goentitle

import "time"

// Metrics defines the interface for tracking resolver and reconciler activity.
type Metrics interface {
	// RecordResolve records the outcome of resolving one event.
	// outcome: "applied", "pending", "unknown_type", "error"
	RecordResolve(provider Provider, scope Scope, outcome string)

	// RecordPendingApplied records pending entries consumed by a reconciliation.
	RecordPendingApplied(provider Provider, scope Scope, count int)

	// RecordReconciliation records one reconciliation run.
	// outcome: "applied", "noop", "skipped", "error"
	RecordReconciliation(outcome string, duration time.Duration)

	// RecordTierChange records a change of the derived access tier.
	RecordTierChange(from, to AccessTier)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordResolve(provider Provider, scope Scope, outcome string)   {}
func (n *NoopMetrics) RecordPendingApplied(provider Provider, scope Scope, count int) {}
func (n *NoopMetrics) RecordReconciliation(outcome string, duration time.Duration)    {}
func (n *NoopMetrics) RecordTierChange(from, to AccessTier)                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string) {}
