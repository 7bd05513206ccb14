// Package gumroad adapts Gumroad sale and resource-subscription pings.
//
// Gumroad posts form-encoded bodies. Sale pings carry no resource_name;
// resource pings (refund, dispute, cancellation, subscription_ended, ...)
// name themselves in resource_name.
package gumroad

import (
	"strings"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/signature"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body
const SignatureHeader = "X-Gumroad-Signature"

// Provider implements billing.Provider for Gumroad
type Provider struct {
	config billing.Config
}

// New creates a Gumroad adapter
func New(config billing.Config) *Provider {
	return &Provider{config: config.WithDefaults()}
}

func (p *Provider) Name() goentitle.Provider { return goentitle.ProviderGumroad }

func (p *Provider) SignatureHeader() string { return SignatureHeader }

func (p *Provider) Verify(rawBody []byte, header, secret string) bool {
	return signature.Verify(rawBody, header, secret)
}

// Normalize maps a Gumroad ping. The event id chain is sale_id, then
// order_number, then a body hash. A subscription id is not an event id:
// every later ping of the same kind for the subscription would collide.
func (p *Provider) Normalize(payload billing.Payload, rawBody []byte) (*goentitle.NormalizedEvent, error) {
	resource := strings.ToLower(payload.String("resource_name"))
	eventType := billing.FirstNonEmpty(resource, "sale")

	eventID := billing.FirstNonEmpty(payload.String("sale_id"), payload.String("order_number"))
	if eventID != "" && resource != "" && resource != "sale" {
		// Resource pings reuse the sale id of the sale they refer to.
		eventID += ":" + resource
	}

	productNames := []string{payload.String("product_name"), payload.String("variants"), payload.String("permalink")}
	recurring := payload.String("recurrence") != "" || payload.String("subscription_id") != "" ||
		payload.Bool("is_recurring_charge")

	flags := billing.Flags{
		Refunded:   payload.Bool("refunded"),
		Chargeback: payload.Bool("disputed") || payload.Bool("chargebacked"),
		Lifetime:   eventType == "sale" && !recurring,
	}

	email := billing.FirstNonEmpty(payload.String("email"), payload.String("user_email"), payload.String("purchaser_email"))
	hint := billing.FirstNonEmpty(payload.String("url_params[user_id]"), payload.String("custom_fields[user_id]"))

	ev, err := p.config.Build(billing.Event{
		EventID:    eventID,
		EventType:  eventType,
		Email:      email,
		UserIDHint: hint,
		Flags:      flags,
		End:        billing.FirstTime(payload.Time("ended_at"), payload.Time("ends_at")),
		Scope:      p.config.DetectScope(productNames...),
		Refs: goentitle.ProviderRefs{
			SaleID:         payload.String("sale_id"),
			SubscriptionID: payload.String("subscription_id"),
			CustomerID:     payload.String("purchaser_id"),
		},
		OccurredAt: billing.FirstTime(payload.Time("sale_timestamp"), payload.Time("cancelled_at")),
	}, rawBody)
	if err != nil {
		return nil, err
	}

	// A won dispute restores nothing by itself; the sale stands as it was.
	if resource == "dispute_won" {
		ev.EventTypeKnown = false
		ev.Entitlement = goentitle.Entitlement{}
		ev.ValidUntilInferred = false
	}
	return ev, nil
}
