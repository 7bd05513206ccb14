package billing

import "time"

// Metrics defines the interface for tracking webhook ingestion.
type Metrics interface {
	// RecordWebhookEvent records a webhook that passed verification.
	// outcome: "processed", "duplicate", "pending_user", "unknown_type"
	RecordWebhookEvent(provider, eventType, outcome string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider string, duration time.Duration)

	// RecordWebhookError records a rejected or failed webhook.
	// errorType: e.g. "unsupported_provider", "not_configured", "invalid_signature",
	// "invalid_payload", "missing_event_id", "missing_identity", "payload_too_large", "storage"
	RecordWebhookError(provider, errorType string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                        {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                           {}
