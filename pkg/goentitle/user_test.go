package goentitle_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

func TestUser_SetEntitlement_RecomputesTier(t *testing.T) {
	now := time.Now()
	u := &goentitle.User{ID: "u1", AccessTier: goentitle.AccessTierFree}

	prev := u.SetEntitlement(goentitle.ScopePro, goentitle.Entitlement{Status: goentitle.StatusActive}, now)
	assert.Equal(t, goentitle.AccessTierFree, prev)
	assert.Equal(t, goentitle.AccessTierPremium, u.AccessTier)

	// The projects scope never drives the tier.
	u.SetEntitlement(goentitle.ScopeProjects, goentitle.Entitlement{Status: goentitle.StatusNone}, now)
	assert.Equal(t, goentitle.AccessTierPremium, u.AccessTier)

	prev = u.SetEntitlement(goentitle.ScopePro, goentitle.Entitlement{Status: goentitle.StatusRefunded}, now)
	assert.Equal(t, goentitle.AccessTierPremium, prev)
	assert.Equal(t, goentitle.AccessTierFree, u.AccessTier)
}

func TestUser_RecordProviderEvent_KeepsKnownRefs(t *testing.T) {
	u := &goentitle.User{ID: "u1"}
	at := time.Now()

	u.RecordProviderEvent(goentitle.ProviderStripe, "evt_1", "checkout.session.completed",
		goentitle.ProviderRefs{SubscriptionID: "sub_1", CustomerID: "cus_1"}, at)
	u.RecordProviderEvent(goentitle.ProviderStripe, "evt_2", "invoice.paid",
		goentitle.ProviderRefs{}, at.Add(time.Minute))

	pb := u.Billing.Providers[goentitle.ProviderStripe]
	assert.Equal(t, "sub_1", pb.SubscriptionID)
	assert.Equal(t, "cus_1", pb.CustomerID)
	assert.Equal(t, "evt_2", pb.LastEventID)
	assert.Equal(t, "invoice.paid", pb.LastEventType)
	assert.True(t, pb.LastEventAt.Equal(at.Add(time.Minute)))
}

func TestUser_Clone(t *testing.T) {
	until := time.Now().Add(time.Hour)
	u := &goentitle.User{
		ID:           "u1",
		Entitlements: goentitle.Entitlements{Pro: goentitle.Entitlement{Status: goentitle.StatusActive, ValidUntil: &until}},
	}
	u.RecordProviderEvent(goentitle.ProviderPaddle, "evt_1", "subscription.created", goentitle.ProviderRefs{}, until)

	c := u.Clone()
	require.NotSame(t, u.Entitlements.Pro.ValidUntil, c.Entitlements.Pro.ValidUntil)
	c.Billing.Providers[goentitle.ProviderPaddle] = goentitle.ProviderBilling{LastEventID: "changed"}
	assert.Equal(t, "evt_1", u.Billing.Providers[goentitle.ProviderPaddle].LastEventID)
}

func TestProcessingStatus_Transitions(t *testing.T) {
	tests := []struct {
		from goentitle.ProcessingStatus
		to   goentitle.ProcessingStatus
		ok   bool
	}{
		{goentitle.ProcessingReceived, goentitle.ProcessingProcessed, true},
		{goentitle.ProcessingReceived, goentitle.ProcessingPendingUser, true},
		{goentitle.ProcessingReceived, goentitle.ProcessingReceivedUnknownType, true},
		{goentitle.ProcessingReceivedUnknownType, goentitle.ProcessingProcessedUnknownType, true},
		{goentitle.ProcessingProcessed, goentitle.ProcessingReceived, false},
		{goentitle.ProcessingPendingUser, goentitle.ProcessingProcessed, false},
		{goentitle.ProcessingReceivedUnknownType, goentitle.ProcessingProcessed, false},
		{goentitle.ProcessingProcessedUnknownType, goentitle.ProcessingReceived, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	assert.True(t, goentitle.ProcessingProcessed.Terminal())
	assert.True(t, goentitle.ProcessingPendingUser.Terminal())
	assert.False(t, goentitle.ProcessingReceived.Terminal())
	assert.Equal(t, goentitle.ProcessingReceived, goentitle.InitialStatus(true))
	assert.Equal(t, goentitle.ProcessingReceivedUnknownType, goentitle.InitialStatus(false))
}
