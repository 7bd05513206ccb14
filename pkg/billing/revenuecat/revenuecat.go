// Package revenuecat adapts RevenueCat webhook events.
//
// RevenueCat authenticates webhooks with a shared Authorization value. A
// base64 HMAC-SHA256 of the body in the same header is accepted as well.
package revenuecat

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/signature"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// SignatureHeader carries "Bearer <token>", the bare token, or a base64 HMAC
const SignatureHeader = "Authorization"

const (
	anonymousIDPrefix   = "$RCAnonymousID:"
	cancelReasonSupport = "CUSTOMER_SUPPORT"

	eventNonRenewing       = "NON_RENEWING_PURCHASE"
	eventSubscriptionExtnd = "SUBSCRIPTION_EXTENDED"
	eventTemporaryGrant    = "TEMPORARY_ENTITLEMENT_GRANT"
	eventRefundReversed    = "REFUND_REVERSED"
)

// webhookPayload is the subset of the RevenueCat event envelope used here
type webhookPayload struct {
	APIVersion string `json:"api_version"`
	Event      struct {
		ID                    string                         `json:"id"`
		Type                  string                         `json:"type"`
		AppUserID             string                         `json:"app_user_id"`
		OriginalAppUserID     string                         `json:"original_app_user_id"`
		ProductID             string                         `json:"product_id"`
		EntitlementIDs        []string                       `json:"entitlement_ids"`
		PeriodType            string                         `json:"period_type"`
		Store                 string                         `json:"store"`
		TransactionID         string                         `json:"transaction_id"`
		OriginalTransactionID string                         `json:"original_transaction_id"`
		CancelReason          string                         `json:"cancel_reason"`
		ExpirationAtMs        int64                          `json:"expiration_at_ms"`
		EventTimestampMs      int64                          `json:"event_timestamp_ms"`
		SubscriberAttributes  map[string]subscriberAttribute `json:"subscriber_attributes"`
	} `json:"event"`
}

type subscriberAttribute struct {
	Value string `json:"value"`
}

// Provider implements billing.Provider for RevenueCat
type Provider struct {
	config     billing.Config
	acceptHMAC bool
}

// Option configures the RevenueCat adapter
type Option func(*Provider)

// WithoutHMAC accepts only the shared Authorization token
func WithoutHMAC() Option {
	return func(p *Provider) { p.acceptHMAC = false }
}

// New creates a RevenueCat adapter
func New(config billing.Config, opts ...Option) *Provider {
	p := &Provider{config: config.WithDefaults(), acceptHMAC: true}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() goentitle.Provider { return goentitle.ProviderRevenueCat }

func (p *Provider) SignatureHeader() string { return SignatureHeader }

// Verify matches the Authorization value against the shared secret in
// constant time, falling back to a base64 HMAC of the body.
func (p *Provider) Verify(rawBody []byte, header, secret string) bool {
	token := extractToken(header)
	if token == "" || secret == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
		return true
	}
	return p.acceptHMAC && signature.VerifyBase64(rawBody, token, secret)
}

func extractToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return header
}

// Normalize maps a RevenueCat event. The event id is event.id, falling back
// to a body hash.
func (p *Provider) Normalize(_ billing.Payload, rawBody []byte) (*goentitle.NormalizedEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	e := payload.Event
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", billing.ErrInvalidWebhookPayload)
	}

	eventType := strings.ToUpper(strings.TrimSpace(e.Type))
	names := append([]string{e.ProductID}, e.EntitlementIDs...)

	in := billing.Event{
		EventID:    e.ID,
		EventType:  eventType,
		Email:      e.SubscriberAttributes["$email"].Value,
		UserIDHint: userHint(e.AppUserID, e.OriginalAppUserID),
		Flags: billing.Flags{
			// Refunds arrive as cancellations issued by customer support.
			Refunded: eventType == "CANCELLATION" && e.CancelReason == cancelReasonSupport,
			Lifetime: eventType == eventNonRenewing && p.config.IsLifetimeProduct(names...),
		},
		End:   millis(e.ExpirationAtMs),
		Scope: p.config.DetectScope(names...),
		Refs: goentitle.ProviderRefs{
			SaleID:         e.TransactionID,
			SubscriptionID: e.OriginalTransactionID,
			CustomerID:     e.OriginalAppUserID,
		},
		OccurredAt: millis(e.EventTimestampMs),
	}

	switch eventType {
	case eventSubscriptionExtnd, eventTemporaryGrant:
		in.EventType = "RENEWAL"
	case eventRefundReversed:
		// The original purchase events still stand; nothing to apply.
		in.EventType = "IGNORED"
	}

	ev, err := p.config.Build(in, rawBody)
	if err != nil {
		return nil, err
	}
	ev.EventType = eventType
	return ev, nil
}

// userHint returns the app user id unless it is an SDK-generated anonymous id
func userHint(ids ...string) string {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !strings.HasPrefix(id, anonymousIDPrefix) {
			return id
		}
	}
	return ""
}

func millis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
