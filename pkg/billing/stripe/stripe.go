// Package stripe adapts Stripe checkout, subscription, invoice and charge
// events. Signatures are verified with the stripe-go webhook package.
package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// SignatureHeader carries Stripe's timestamped v1 signature
const SignatureHeader = "Stripe-Signature"

const (
	subscriptionStatusCanceled          = "canceled"
	subscriptionStatusUnpaid            = "unpaid"
	subscriptionStatusIncompleteExpired = "incomplete_expired"
	subscriptionStatusPaused            = "paused"
	subscriptionStatusIncomplete        = "incomplete"
	checkoutModePayment                 = "payment"

	// unclassified matches no classifier rule, so the event is recorded
	// without touching entitlements.
	unclassified = "unclassified"
)

// Provider implements billing.Provider for Stripe
type Provider struct {
	config billing.Config
}

// New creates a Stripe adapter
func New(config billing.Config) *Provider {
	return &Provider{config: config.WithDefaults()}
}

func (p *Provider) Name() goentitle.Provider { return goentitle.ProviderStripe }

func (p *Provider) SignatureHeader() string { return SignatureHeader }

// Verify checks the Stripe-Signature header, including its timestamp
// tolerance. Events from other API versions are accepted.
func (p *Provider) Verify(rawBody []byte, header, secret string) bool {
	if strings.TrimSpace(header) == "" || secret == "" {
		return false
	}
	_, err := webhook.ConstructEventWithOptions(rawBody, header, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	return err == nil
}

// Normalize maps a Stripe event. The event id is the Stripe event id.
func (p *Provider) Normalize(_ billing.Payload, rawBody []byte) (*goentitle.NormalizedEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event has no data object", billing.ErrInvalidWebhookPayload)
	}

	in := billing.Event{
		EventID:   event.ID,
		EventType: string(event.Type),
	}
	if event.Created > 0 {
		created := time.Unix(event.Created, 0).UTC()
		in.OccurredAt = &created
	}

	var err error
	switch {
	case strings.HasPrefix(in.EventType, "checkout.session."):
		err = p.fromCheckoutSession(event.Data.Raw, &in)
	case strings.HasPrefix(in.EventType, "customer.subscription."):
		err = p.fromSubscription(event.Data.Raw, &in)
	case strings.HasPrefix(in.EventType, "invoice."):
		err = p.fromInvoice(event.Data.Raw, &in)
	case strings.HasPrefix(in.EventType, "charge.dispute."):
		err = p.fromDispute(event.Data.Raw, &in)
	case strings.HasPrefix(in.EventType, "charge."):
		err = p.fromCharge(event.Data.Raw, &in)
	default:
		in.EventType = unclassified
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	// Adapters may rewrite in.EventType to steer classification; the stored
	// event type is always Stripe's own.
	ev, err := p.config.Build(in, rawBody)
	if err != nil {
		return nil, err
	}
	ev.EventType = string(event.Type)
	return ev, nil
}

func (p *Provider) fromCheckoutSession(raw json.RawMessage, in *billing.Event) error {
	var s checkoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	in.Email = billing.FirstNonEmpty(s.CustomerDetails.Email, s.CustomerEmail)
	in.UserIDHint = billing.FirstNonEmpty(s.ClientReferenceID, s.Metadata["user_id"])
	in.Scope = p.config.DetectScope(s.Metadata["scope"], s.Metadata["product_name"])
	in.Flags.Lifetime = s.Mode == checkoutModePayment
	in.Refs = goentitle.ProviderRefs{
		SaleID:         billing.FirstNonEmpty(s.PaymentIntent, s.ID),
		SubscriptionID: s.Subscription,
		CustomerID:     s.Customer,
	}
	switch in.EventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		// Delayed payment methods complete unpaid and grant on async_payment_succeeded.
		if s.PaymentStatus == "unpaid" {
			in.EventType = unclassified
		}
	default:
		in.EventType = unclassified
	}
	return nil
}

func (p *Provider) fromSubscription(raw json.RawMessage, in *billing.Event) error {
	var s subscription
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	in.Email = s.Metadata["email"]
	in.UserIDHint = s.Metadata["user_id"]
	in.Scope = p.config.DetectScope(s.scopeCandidates()...)
	in.Refs = goentitle.ProviderRefs{
		SubscriptionID: s.ID,
		CustomerID:     s.Customer,
		SaleID:         s.LatestInvoice,
	}

	periodEnd := s.CurrentPeriodEnd
	if periodEnd == 0 && len(s.Items.Data) > 0 {
		periodEnd = s.Items.Data[0].CurrentPeriodEnd
	}

	switch {
	case in.EventType == "customer.subscription.deleted":
		in.End = unixTime(s.EndedAt)
	case s.Status == subscriptionStatusCanceled:
		in.EventType = "customer.subscription.canceled"
		in.End = firstUnix(s.EndedAt, s.CanceledAt)
	case s.CancelAtPeriodEnd || s.CancelAt > 0:
		in.EventType = "customer.subscription.cancel_scheduled"
		in.End = firstUnix(s.CancelAt, periodEnd)
	case s.Status == subscriptionStatusUnpaid, s.Status == subscriptionStatusIncompleteExpired:
		in.EventType = "customer.subscription.expired"
		in.End = unixTime(s.EndedAt)
	case s.Status == subscriptionStatusPaused, s.Status == subscriptionStatusIncomplete:
		in.EventType = unclassified
	default:
		in.End = unixTime(periodEnd)
	}
	return nil
}

func (p *Provider) fromInvoice(raw json.RawMessage, in *billing.Event) error {
	var inv invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	in.Email = inv.CustomerEmail
	in.UserIDHint = billing.FirstNonEmpty(inv.SubscriptionDetails.Metadata["user_id"], inv.Metadata["user_id"])
	in.Refs = goentitle.ProviderRefs{
		SaleID:         inv.ID,
		SubscriptionID: inv.subscriptionID(),
		CustomerID:     inv.Customer,
		ManageURL:      inv.HostedInvoiceURL,
	}
	var names []string
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		in.End = unixTime(line.Period.End)
		names = append(names, line.Description, line.Metadata["scope"])
	}
	in.Scope = p.config.DetectScope(names...)
	if inv.Status != "paid" {
		in.EventType = unclassified
	}
	return nil
}

func (p *Provider) fromCharge(raw json.RawMessage, in *billing.Event) error {
	var c charge
	if err := json.Unmarshal(raw, &c); err != nil {
		return err
	}
	in.Email = billing.FirstNonEmpty(c.BillingDetails.Email, c.ReceiptEmail)
	in.UserIDHint = c.Metadata["user_id"]
	in.Scope = p.config.DetectScope(c.Description, c.Metadata["scope"])
	in.Flags.Refunded = c.Refunded
	in.Refs = goentitle.ProviderRefs{SaleID: billing.FirstNonEmpty(c.PaymentIntent, c.ID), CustomerID: c.Customer}
	// Only a full refund changes access; partial refunds and successful
	// charges are covered by invoice and subscription events.
	if !c.Refunded {
		in.EventType = unclassified
	}
	return nil
}

func (p *Provider) fromDispute(raw json.RawMessage, in *billing.Event) error {
	var d dispute
	if err := json.Unmarshal(raw, &d); err != nil {
		return err
	}
	in.Email = d.Evidence.CustomerEmailAddress
	in.UserIDHint = d.Metadata["user_id"]
	in.Refs = goentitle.ProviderRefs{SaleID: billing.FirstNonEmpty(d.PaymentIntent, d.Charge)}
	// A dispute closed in the merchant's favour restores nothing by itself.
	if in.EventType == "charge.dispute.closed" && d.Status == "won" {
		in.EventType = unclassified
		return nil
	}
	in.Flags.Chargeback = true
	return nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func firstUnix(secs ...int64) *time.Time {
	for _, s := range secs {
		if t := unixTime(s); t != nil {
			return t
		}
	}
	return nil
}
