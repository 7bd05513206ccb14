// Package paddle adapts Paddle Billing subscription, transaction and
// adjustment notifications. Signatures are verified with the Paddle SDK.
package paddle

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"

	paddlesdk "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// SignatureHeader carries "ts=<unix>;h1=<hex hmac>"
const SignatureHeader = "Paddle-Signature"

const (
	scheduledActionCancel = "cancel"
	adjustmentApproved    = "approved"
	unclassified          = "unclassified"
)

// Provider implements billing.Provider for Paddle Billing
type Provider struct {
	config billing.Config
}

// New creates a Paddle adapter
func New(config billing.Config) *Provider {
	return &Provider{config: config.WithDefaults()}
}

func (p *Provider) Name() goentitle.Provider { return goentitle.ProviderPaddle }

func (p *Provider) SignatureHeader() string { return SignatureHeader }

// Verify checks the Paddle-Signature header against the raw body. The SDK
// verifier works on requests, so one is rebuilt around the exact bytes.
func (p *Provider) Verify(rawBody []byte, header, secret string) bool {
	if strings.TrimSpace(header) == "" || secret == "" {
		return false
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, "/webhook", bytes.NewReader(rawBody))
	if err != nil {
		return false
	}
	req.Header.Set(SignatureHeader, header)

	valid, err := paddlesdk.NewWebhookVerifier(secret).Verify(req)
	return err == nil && valid
}

// Normalize maps a Paddle notification. The event id chain is event_id,
// then notification_id, then a body hash.
func (p *Provider) Normalize(payload billing.Payload, rawBody []byte) (*goentitle.NormalizedEvent, error) {
	data := payload.Map("data")
	if data == nil {
		return nil, billing.ErrInvalidWebhookPayload
	}
	eventType := strings.ToLower(payload.String("event_type"))

	in := billing.Event{
		EventID:    billing.FirstNonEmpty(payload.String("event_id"), payload.String("notification_id")),
		EventType:  eventType,
		Email:      billing.FirstNonEmpty(data.String("customer", "email"), data.String("custom_data", "email")),
		UserIDHint: data.String("custom_data", "user_id"),
		Scope:      p.config.DetectScope(scopeCandidates(data)...),
		Refs: goentitle.ProviderRefs{
			CustomerID: data.String("customer_id"),
			ManageURL: billing.FirstNonEmpty(
				data.String("management_urls", "update_payment_method"),
				data.String("management_urls", "cancel"),
			),
		},
		OccurredAt: payload.Time("occurred_at"),
	}

	switch {
	case strings.HasPrefix(eventType, "subscription."):
		subscriptionEvent(data, &in)
	case strings.HasPrefix(eventType, "transaction."):
		p.transactionEvent(data, &in)
	case strings.HasPrefix(eventType, "adjustment."):
		adjustmentEvent(data, &in)
	default:
		in.EventType = unclassified
	}

	ev, err := p.config.Build(in, rawBody)
	if err != nil {
		return nil, err
	}
	ev.EventType = eventType
	return ev, nil
}

func subscriptionEvent(data billing.Payload, in *billing.Event) {
	in.Refs.SubscriptionID = data.String("id")
	in.Refs.SaleID = data.String("transaction_id")

	switch strings.ToLower(data.String("status")) {
	case "canceled":
		in.EventType = "subscription.canceled"
		in.End = billing.FirstTime(data.Time("canceled_at"), data.Time("current_billing_period", "ends_at"))
		return
	case "paused":
		in.EventType = unclassified
		return
	}

	if strings.EqualFold(data.String("scheduled_change", "action"), scheduledActionCancel) {
		in.EventType = "subscription.cancel_scheduled"
		in.End = billing.FirstTime(data.Time("scheduled_change", "effective_at"), data.Time("current_billing_period", "ends_at"))
		return
	}
	in.End = data.Time("current_billing_period", "ends_at")
}

func (p *Provider) transactionEvent(data billing.Payload, in *billing.Event) {
	in.Refs.SaleID = data.String("id")
	in.Refs.SubscriptionID = data.String("subscription_id")

	// Only a completed transaction is a payment; earlier stages grant nothing.
	if in.EventType != "transaction.completed" {
		in.EventType = unclassified
		return
	}
	if in.Refs.SubscriptionID == "" {
		in.Flags.Lifetime = true
		return
	}
	in.End = data.Time("billing_period", "ends_at")
}

// adjustmentEvent handles refunds and chargebacks. Only approved adjustments
// change access.
func adjustmentEvent(data billing.Payload, in *billing.Event) {
	in.Refs.SaleID = data.String("transaction_id")
	in.Refs.SubscriptionID = data.String("subscription_id")

	if !strings.EqualFold(data.String("status"), adjustmentApproved) {
		in.EventType = unclassified
		return
	}
	switch strings.ToLower(data.String("action")) {
	case "refund":
		in.EventType = "adjustment.refund"
	case "chargeback":
		in.EventType = "adjustment.chargeback"
	default:
		in.EventType = unclassified
	}
}

func scopeCandidates(data billing.Payload) []string {
	names := []string{data.String("custom_data", "scope")}
	items, _ := data.Value("items")
	list, _ := items.([]interface{})
	for i := range list {
		item := strconv.Itoa(i)
		names = append(names,
			data.String("items", item, "price", "name"),
			data.String("items", item, "price", "description"),
			data.String("items", item, "product", "name"),
		)
	}
	return names
}
