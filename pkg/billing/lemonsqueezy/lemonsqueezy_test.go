package lemonsqueezy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/signature"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func normalize(t *testing.T, body string) (*goentitle.NormalizedEvent, error) {
	t.Helper()
	payload, err := billing.DecodePayload([]byte(body), "application/json")
	require.NoError(t, err)
	p := New(billing.Config{Now: func() time.Time { return testNow }})
	return p.Normalize(payload, []byte(body))
}

func TestNormalize_SubscriptionCreated(t *testing.T) {
	ev, err := normalize(t, `{
		"meta": {"event_name": "subscription_created", "webhook_id": "wh_1", "custom_data": {"user_id": "u1"}},
		"data": {"type": "subscriptions", "id": "42", "attributes": {
			"user_email": "Buyer@Example.com", "customer_id": 7, "order_id": 99,
			"product_name": "Acme Pro", "status": "active",
			"renews_at": "2026-04-01T00:00:00Z",
			"urls": {"customer_portal": "https://acme.lemonsqueezy.com/billing"}
		}}
	}`)
	require.NoError(t, err)

	assert.Equal(t, "wh_1", ev.EventID)
	assert.Equal(t, "subscription_created", ev.EventType)
	assert.True(t, ev.EventTypeKnown)
	assert.Equal(t, "buyer@example.com", ev.Email)
	assert.Equal(t, "u1", ev.UserIDHint)
	assert.Equal(t, goentitle.StatusActive, ev.Entitlement.Status)
	require.NotNil(t, ev.Entitlement.ValidUntil)
	assert.True(t, ev.Entitlement.ValidUntil.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, goentitle.ProviderRefs{
		SubscriptionID: "42",
		SaleID:         "99",
		CustomerID:     "7",
		ManageURL:      "https://acme.lemonsqueezy.com/billing",
	}, ev.Refs)
}

func TestNormalize_Statuses(t *testing.T) {
	const (
		updatedCancelled = `{"meta":{"event_name":"subscription_updated"},"data":{"type":"subscriptions","id":"42",
				"attributes":{"user_email":"a@b.c","status":"cancelled","ends_at":"2026-03-20T00:00:00Z"}}}`
		updatedExpired   = `{"meta":{"event_name":"subscription_updated"},"data":{"type":"subscriptions","id":"42",
				"attributes":{"user_email":"a@b.c","status":"expired"}}}`
	)

	tests := []struct {
		name     string
		body     string
		wantID   string
		status   goentitle.Status
		scope    goentitle.Scope
		inferred bool
		known    bool
	}{
		{
			name: "updated to cancelled with ends_at",
			body:   updatedCancelled,
			wantID: billing.DeriveEventID([]byte(updatedCancelled)),
			status: goentitle.StatusCancelled,
			scope:  goentitle.ScopePro,
			known:  true,
		},
		{
			name: "updated to expired",
			body:   updatedExpired,
			wantID: billing.DeriveEventID([]byte(updatedExpired)),
			status: goentitle.StatusExpired,
			scope:  goentitle.ScopePro,
			known:  true,
		},
		{
			name: "cancelled without dates fails closed",
			body: `{"meta":{"event_name":"subscription_cancelled","webhook_id":"wh_2"},"data":{"type":"subscriptions","id":"42",
				"attributes":{"user_email":"a@b.c"}}}`,
			wantID:   "wh_2",
			status:   goentitle.StatusCancelled,
			scope:    goentitle.ScopePro,
			inferred: true,
			known:    true,
		},
		{
			name: "lifetime order",
			body: `{"meta":{"event_name":"order_created","webhook_id":"wh_3"},"data":{"type":"orders","id":"5",
				"attributes":{"user_email":"a@b.c","first_order_item":{"product_name":"Acme Pro Lifetime"}}}}`,
			wantID: "wh_3",
			status: goentitle.StatusLifetime,
			scope:  goentitle.ScopePro,
			known:  true,
		},
		{
			name: "refunded order for projects",
			body: `{"meta":{"event_name":"order_refunded","webhook_id":"wh_4"},"data":{"type":"orders","id":"6",
				"attributes":{"user_email":"a@b.c","refunded":true,"first_order_item":{"product_name":"Acme Projects"}}}}`,
			wantID: "wh_4",
			status: goentitle.StatusNone,
			scope:  goentitle.ScopeProjects,
			known:  true,
		},
		{
			name: "payment failed is unknown",
			body: `{"meta":{"event_name":"subscription_payment_failed","webhook_id":"wh_5"},"data":{"type":"subscription-invoices","id":"8",
				"attributes":{"user_email":"a@b.c","subscription_id":42}}}`,
			wantID: "wh_5",
			scope:  goentitle.ScopePro,
			known:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := normalize(t, tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, ev.EventID)
			assert.Equal(t, tt.known, ev.EventTypeKnown)
			assert.Equal(t, tt.status, ev.Entitlement.Status)
			assert.Equal(t, tt.scope, ev.Scope)
			assert.Equal(t, tt.inferred, ev.ValidUntilInferred)
		})
	}
}

func TestNormalize_Invalid(t *testing.T) {
	_, err := normalize(t, `{"data":{"id":"1"}}`)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)

	_, err = normalize(t, `{"meta":{"event_name":"order_created"},"data":{"id":"1","attributes":{}}}`)
	assert.ErrorIs(t, err, billing.ErrMissingIdentity)
}

func TestVerify(t *testing.T) {
	p := New(billing.DefaultConfig())
	body := []byte(`{"meta":{}}`)
	assert.True(t, p.Verify(body, signature.Sign(body, "whsec"), "whsec"))
	assert.False(t, p.Verify(body, signature.Sign(body, "whsec"), "other"))
}
