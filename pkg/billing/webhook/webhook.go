// Package webhook is the ingestion pipeline behind POST /webhooks/{provider}.
//
// Every request goes through the same steps: provider lookup, signature
// verification over the exact raw bytes, decoding, normalization, an
// idempotent insert into the event store, and entitlement resolution.
// Duplicates short-circuit with 200 before any side effect, unless the first
// delivery failed before the event reached a final status; then it is resolved again.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/mux"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	// DefaultMaxBodyBytes caps webhook bodies at 256KiB
	DefaultMaxBodyBytes = 256 * 1024

	// Route is the path pattern the handler expects, with a {provider} param
	Route = "/webhooks/{provider}"
)

// Outcomes recorded in metrics for verified webhooks
const (
	OutcomeProcessed   = "processed"
	OutcomeDuplicate   = "duplicate"
	OutcomePendingUser = "pending_user"
	OutcomeUnknownType = "unknown_type"
)

var (
	// ErrNilRegistry is returned by New without a provider registry
	ErrNilRegistry = errors.New("webhook: provider registry is required")

	// ErrNilManager is returned by New without an entitlement manager
	ErrNilManager = errors.New("webhook: entitlement manager is required")
)

// ProviderParam extracts the provider name from a request
type ProviderParam func(r *http.Request) string

// ChiProviderParam reads the {provider} chi route parameter
func ChiProviderParam(r *http.Request) string {
	return chi.URLParam(r, "provider")
}

// MuxProviderParam reads the {provider} gorilla/mux route variable
func MuxProviderParam(r *http.Request) string {
	return mux.Vars(r)["provider"]
}

// Config configures the webhook handler
type Config struct {
	// Registry maps provider names to adapters and secrets (required)
	Registry *billing.Registry

	// Manager records resolution results against users (required)
	Manager *goentitle.Manager

	Logger  goentitle.Logger
	Metrics billing.Metrics

	// MaxBodyBytes defaults to DefaultMaxBodyBytes
	MaxBodyBytes int64

	// ProviderParam defaults to ChiProviderParam
	ProviderParam ProviderParam

	Now func() time.Time
}

// Result describes what happened to one delivered webhook
type Result struct {
	Provider       goentitle.Provider
	EventID        string
	EventType      string
	EventTypeKnown bool
	Duplicate      bool
	UserFound      bool
	UserID         string
	PendingCreated bool
}

// Handler serves POST /webhooks/{provider}
type Handler struct {
	registry      *billing.Registry
	manager       *goentitle.Manager
	logger        goentitle.Logger
	metrics       billing.Metrics
	maxBodyBytes  int64
	providerParam ProviderParam
	now           func() time.Time
}

// New creates a webhook handler
func New(config Config) (*Handler, error) {
	if config.Registry == nil {
		return nil, ErrNilRegistry
	}
	if config.Manager == nil {
		return nil, ErrNilManager
	}
	if config.Logger == nil {
		config.Logger = &goentitle.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.ProviderParam == nil {
		config.ProviderParam = ChiProviderParam
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{
		registry:      config.Registry,
		manager:       config.Manager,
		logger:        config.Logger,
		metrics:       config.Metrics,
		maxBodyBytes:  config.MaxBodyBytes,
		providerParam: config.ProviderParam,
		now:           config.Now,
	}, nil
}

// Register mounts the handler on a chi router at Route. All methods are
// routed here so non-POST requests get the handler's own 405.
func (h *Handler) Register(r chi.Router) {
	r.Handle(Route, h)
}

type response struct {
	OK        bool   `json:"ok"`
	Duplicate bool   `json:"duplicate,omitempty"`
	UserFound *bool  `json:"userFound,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(h.providerParam(r)))

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Unknown providers are rejected before the body is read. A missing
	// secret is reported by Process, after logging.
	adapter, _, err := h.registry.Lookup(provider)
	if err != nil && !errors.Is(err, billing.ErrProviderNotConfigured) {
		code, errType := classifyError(err)
		h.metrics.RecordWebhookError(provider, errType)
		h.writeError(w, code, publicMessage(code))
		return
	}

	body, err := internal.ReadBody(w, r, h.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.metrics.RecordWebhookError(provider, "payload_too_large")
			h.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.metrics.RecordWebhookError(provider, "invalid_payload")
		h.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	sigHeader := r.Header.Get(adapter.SignatureHeader())
	result, err := h.Process(r.Context(), provider, sigHeader, body, r.Header.Get("Content-Type"))
	if err != nil {
		code, _ := classifyError(err)
		h.writeError(w, code, publicMessage(code))
		return
	}

	resp := response{OK: true, Duplicate: result.Duplicate}
	if !result.Duplicate && !result.UserFound {
		found := false
		resp.UserFound = &found
	}
	if err := internal.WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Debug("failed to write webhook response", goentitle.F("error", err.Error()))
	}
}

// Process runs the ingestion pipeline over an already-read body. It is the
// transport-independent core of ServeHTTP; errors wrap the billing and
// goentitle sentinels so callers can map them with errors.Is.
func (h *Handler) Process(
	ctx context.Context, providerName, signatureHeader string, rawBody []byte, contentType string,
) (*Result, error) {
	start := time.Now()
	adapter, secret, err := h.registry.Lookup(providerName)
	if err != nil {
		if errors.Is(err, billing.ErrProviderNotConfigured) {
			h.logger.Error("webhook secret not configured", goentitle.F("provider", providerName))
		}
		return nil, h.fail(providerName, err)
	}
	provider := adapter.Name()

	if !adapter.Verify(rawBody, signatureHeader, secret) {
		h.logger.Warn("webhook signature rejected", goentitle.F("provider", provider))
		return nil, h.fail(string(provider), billing.ErrInvalidWebhookSignature)
	}

	payload, err := billing.DecodePayload(rawBody, contentType)
	if err != nil {
		return nil, h.fail(string(provider), err)
	}
	event, err := adapter.Normalize(payload, rawBody)
	if err != nil {
		h.logger.Warn("webhook payload rejected", goentitle.F("provider", provider), goentitle.F("error", err))
		return nil, h.fail(string(provider), err)
	}

	result := &Result{
		Provider:       provider,
		EventID:        event.EventID,
		EventType:      event.EventType,
		EventTypeKnown: event.EventTypeKnown,
	}

	duplicate, err := h.manager.Storage().RecordEvent(ctx, &goentitle.BillingEvent{
		Provider:         provider,
		EventID:          event.EventID,
		EventType:        event.EventType,
		EventTypeKnown:   event.EventTypeKnown,
		Email:            event.Email,
		Payload:          rawBody,
		ProcessingStatus: goentitle.InitialStatus(event.EventTypeKnown),
		ReceivedAt:       h.now(),
	})
	if err != nil {
		h.logger.Error("failed to record billing event",
			goentitle.F("provider", provider), goentitle.F("event_id", event.EventID), goentitle.F("error", err))
		return nil, h.fail(string(provider), fmt.Errorf("failed to record billing event: %w", err))
	}
	if duplicate {
		resume, err := h.unfinished(ctx, provider, event.EventID)
		if err != nil {
			return nil, h.fail(string(provider), err)
		}
		if !resume {
			result.Duplicate = true
			h.logger.Debug("duplicate billing event ignored",
				goentitle.F("provider", provider), goentitle.F("event_id", event.EventID))
			h.record(provider, event.EventType, OutcomeDuplicate, start)
			return result, nil
		}
		h.logger.Info("resuming unfinished billing event",
			goentitle.F("provider", provider), goentitle.F("event_id", event.EventID))
	}

	resolved, err := h.manager.Resolve(ctx, provider, event)
	if err != nil {
		h.logger.Error("failed to resolve billing event",
			goentitle.F("provider", provider), goentitle.F("event_id", event.EventID), goentitle.F("error", err))
		return nil, h.fail(string(provider), fmt.Errorf("failed to resolve billing event: %w", err))
	}
	if duplicate && !event.EventTypeKnown && !resolved.UserFound {
		// Still nobody to attach the unknown event to; the redelivery changed nothing.
		result.Duplicate = true
		h.record(provider, event.EventType, OutcomeDuplicate, start)
		return result, nil
	}
	result.UserFound = resolved.UserFound
	result.UserID = resolved.UserID
	result.PendingCreated = resolved.PendingCreated

	outcome := OutcomeProcessed
	switch {
	case !event.EventTypeKnown:
		outcome = OutcomeUnknownType
	case !resolved.UserFound:
		outcome = OutcomePendingUser
	}
	h.logger.Info("billing event ingested",
		goentitle.F("provider", provider),
		goentitle.F("event_id", event.EventID),
		goentitle.F("event_type", event.EventType),
		goentitle.F("outcome", outcome),
		goentitle.F("user_id", resolved.UserID))
	h.record(provider, event.EventType, outcome, start)
	return result, nil
}

// unfinished reports whether a redelivered event never reached a final
// status, which happens when resolution failed after the event was recorded.
// Such an event is resolved again instead of being answered as a duplicate.
func (h *Handler) unfinished(ctx context.Context, provider goentitle.Provider, eventID string) (bool, error) {
	stored, err := h.manager.Storage().GetEvent(ctx, provider, eventID)
	if err != nil {
		h.logger.Error("failed to load recorded billing event",
			goentitle.F("provider", provider), goentitle.F("event_id", eventID), goentitle.F("error", err))
		return false, fmt.Errorf("failed to load billing event: %w", err)
	}
	switch stored.ProcessingStatus {
	case goentitle.ProcessingReceived, goentitle.ProcessingReceivedUnknownType:
		return true, nil
	}
	return false, nil
}

func (h *Handler) record(provider goentitle.Provider, eventType, outcome string, start time.Time) {
	h.metrics.RecordWebhookEvent(string(provider), eventType, outcome)
	h.metrics.RecordWebhookProcessingDuration(string(provider), time.Since(start))
}

func (h *Handler) fail(provider string, err error) error {
	_, errType := classifyError(err)
	h.metrics.RecordWebhookError(provider, errType)
	return err
}

// classifyError maps pipeline errors to an HTTP status and a metric label
func classifyError(err error) (code int, errType string) {
	switch {
	case errors.Is(err, billing.ErrUnsupportedProvider):
		return http.StatusNotFound, "unsupported_provider"
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusInternalServerError, "not_configured"
	case errors.Is(err, billing.ErrInvalidWebhookSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, billing.ErrMissingEventID):
		return http.StatusBadRequest, "missing_event_id"
	case errors.Is(err, billing.ErrMissingIdentity):
		return http.StatusBadRequest, "missing_identity"
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		return http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, goentitle.ErrCircuitOpen):
		return http.StatusInternalServerError, "circuit_open"
	}
	return http.StatusInternalServerError, "storage"
}

func publicMessage(code int) string {
	switch code {
	case http.StatusNotFound:
		return "unsupported provider"
	case http.StatusUnauthorized:
		return "invalid signature"
	case http.StatusBadRequest:
		return "invalid payload"
	}
	return "internal error"
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	if err := internal.WriteJSON(w, code, response{OK: false, Error: msg}); err != nil {
		h.logger.Debug("failed to write webhook response", goentitle.F("error", err.Error()))
	}
}
