// Package lemonsqueezy adapts Lemon Squeezy order and subscription webhooks.
package lemonsqueezy

import (
	"strings"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/signature"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body
const SignatureHeader = "X-Signature"

// Provider implements billing.Provider for Lemon Squeezy
type Provider struct {
	config billing.Config
}

// New creates a Lemon Squeezy adapter
func New(config billing.Config) *Provider {
	return &Provider{config: config.WithDefaults()}
}

func (p *Provider) Name() goentitle.Provider { return goentitle.ProviderLemonSqueezy }

func (p *Provider) SignatureHeader() string { return SignatureHeader }

func (p *Provider) Verify(rawBody []byte, header, secret string) bool {
	return signature.Verify(rawBody, header, secret)
}

// Normalize maps a Lemon Squeezy webhook. The event id chain is
// meta.webhook_id, then a body hash. data.id names the subscription or
// order, which repeats across subscription_updated deliveries.
func (p *Provider) Normalize(payload billing.Payload, rawBody []byte) (*goentitle.NormalizedEvent, error) {
	meta := payload.Map("meta")
	data := payload.Map("data")
	attrs := data.Map("attributes")
	if meta == nil || attrs == nil {
		return nil, billing.ErrInvalidWebhookPayload
	}

	eventName := strings.ToLower(meta.String("event_name"))
	eventID := meta.String("webhook_id")

	// subscription_updated carries the real state in attributes.status.
	classifyAs := eventName
	if strings.HasSuffix(eventName, "_updated") {
		if status := strings.ToLower(attrs.String("status")); status != "" {
			classifyAs = eventName + ":" + status
		}
	}

	names := []string{
		attrs.String("product_name"),
		attrs.String("variant_name"),
		attrs.String("first_order_item", "product_name"),
		attrs.String("first_order_item", "variant_name"),
	}

	refs := goentitle.ProviderRefs{
		CustomerID: attrs.String("customer_id"),
		ManageURL:  attrs.String("urls", "customer_portal"),
	}
	switch data.String("type") {
	case "subscriptions":
		refs.SubscriptionID = data.String("id")
		refs.SaleID = attrs.String("order_id")
	case "orders":
		refs.SaleID = data.String("id")
	case "subscription-invoices":
		refs.SubscriptionID = attrs.String("subscription_id")
	}

	ev, err := p.config.Build(billing.Event{
		EventID:    eventID,
		EventType:  classifyAs,
		Email:      attrs.String("user_email"),
		UserIDHint: meta.String("custom_data", "user_id"),
		Flags: billing.Flags{
			Refunded: attrs.Bool("refunded"),
			Lifetime: data.String("type") == "orders" && p.config.IsLifetimeProduct(names...),
		},
		End:        billing.FirstTime(attrs.Time("ends_at"), attrs.Time("renews_at")),
		Scope:      p.config.DetectScope(names...),
		Refs:       refs,
		OccurredAt: billing.FirstTime(attrs.Time("updated_at"), attrs.Time("created_at")),
	}, rawBody)
	if err != nil {
		return nil, err
	}
	ev.EventType = eventName
	return ev, nil
}
