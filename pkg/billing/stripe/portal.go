package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// PortalSessionCreator creates Stripe Customer Portal sessions.
// *stripe.Client's V1BillingPortalSessions satisfies it.
type PortalSessionCreator interface {
	Create(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
}

// NewPortalClient returns the portal session service of a Stripe API client
func NewPortalClient(apiKey string) PortalSessionCreator {
	return stripe.NewClient(strings.TrimSpace(apiKey)).V1BillingPortalSessions
}

// PortalURLResolver returns a goentitle.ManageURLResolver that creates a
// Customer Portal session for Stripe events carrying a customer id. Events
// from other providers, or without a customer, resolve to "".
func PortalURLResolver(portal PortalSessionCreator, returnURL string) goentitle.ManageURLResolver {
	return func(ctx context.Context, provider goentitle.Provider, refs goentitle.ProviderRefs) (string, error) {
		if provider != goentitle.ProviderStripe || refs.CustomerID == "" {
			return "", nil
		}
		params := &stripe.BillingPortalSessionCreateParams{
			Customer: stripe.String(refs.CustomerID),
		}
		if returnURL != "" {
			params.ReturnURL = stripe.String(returnURL)
		}
		session, err := portal.Create(ctx, params)
		if err != nil {
			return "", fmt.Errorf("failed to create portal session: %w", err)
		}
		return session.URL, nil
	}
}
