package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider has no webhook secret
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrMissingEventID is returned when no event id can be derived
	ErrMissingEventID = errors.New("webhook event id missing")

	// ErrMissingIdentity is returned when a payload carries neither an email nor a user id hint
	ErrMissingIdentity = errors.New("webhook identity missing")

	// ErrUnsupportedProvider is returned for a provider name with no registered adapter
	ErrUnsupportedProvider = errors.New("unsupported billing provider")
)
