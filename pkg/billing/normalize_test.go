package billing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		eventType string
		flags     Flags
		want      goentitle.Status
		known     bool
	}{
		{"sale", Flags{}, goentitle.StatusActive, true},
		{"sale", Flags{Lifetime: true}, goentitle.StatusLifetime, true},
		{"sale", Flags{Refunded: true}, goentitle.StatusNone, true},
		{"sale", Flags{Chargeback: true}, goentitle.StatusNone, true},
		{"refund", Flags{}, goentitle.StatusRefunded, true},
		{"subscription_payment_refunded", Flags{}, goentitle.StatusRefunded, true},
		{"charge.dispute.created", Flags{}, goentitle.StatusChargeback, true},
		{"adjustment.chargeback", Flags{}, goentitle.StatusChargeback, true},
		{"cancellation", Flags{}, goentitle.StatusCancelled, true},
		{"subscription.canceled", Flags{}, goentitle.StatusCancelled, true},
		{"UNCANCELLATION", Flags{}, goentitle.StatusActive, true},
		{"subscription_resumed", Flags{}, goentitle.StatusActive, true},
		{"subscription_unpaused", Flags{}, goentitle.StatusActive, true},
		{"subscription_expired", Flags{}, goentitle.StatusExpired, true},
		{"EXPIRATION", Flags{}, goentitle.StatusExpired, true},
		{"subscription_ended", Flags{}, goentitle.StatusExpired, true},
		{"customer.subscription.deleted", Flags{}, goentitle.StatusExpired, true},
		{"subscription_ended", Flags{Lifetime: true}, goentitle.StatusExpired, true},
		{"order_created", Flags{}, goentitle.StatusActive, true},
		{"RENEWAL", Flags{}, goentitle.StatusActive, true},
		{"INITIAL_PURCHASE", Flags{}, goentitle.StatusActive, true},
		{"invoice.paid", Flags{}, goentitle.StatusActive, true},
		{"invoice.payment_succeeded", Flags{}, goentitle.StatusActive, true},
		{"subscription_payment_success", Flags{}, goentitle.StatusActive, true},
		{"checkout.session.completed", Flags{}, goentitle.StatusActive, true},
		{"subscription.activated", Flags{}, goentitle.StatusActive, true},
		{"subscription_updated", Flags{}, goentitle.StatusActive, true},
		{"BILLING_ISSUE", Flags{}, "", false},
		{"ping", Flags{}, "", false},
		{"", Flags{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			got, known := ClassifyStatus(tt.eventType, tt.flags)
			assert.Equal(t, tt.known, known)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildEntitlement(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(72 * time.Hour)

	ent, inferred := BuildEntitlement(goentitle.StatusCancelled, nil, now)
	assert.True(t, inferred)
	require.NotNil(t, ent.ValidUntil)
	assert.True(t, ent.ValidUntil.Equal(now))
	assert.False(t, goentitle.IsAccessActiveAt(ent, now))

	ent, inferred = BuildEntitlement(goentitle.StatusCancelled, &end, now)
	assert.False(t, inferred)
	assert.True(t, ent.ValidUntil.Equal(end))
	assert.True(t, goentitle.IsAccessActiveAt(ent, now))

	ent, _ = BuildEntitlement(goentitle.StatusLifetime, &end, now)
	assert.Nil(t, ent.ValidUntil)

	ent, _ = BuildEntitlement(goentitle.StatusRefunded, &end, now)
	assert.Nil(t, ent.ValidUntil)

	ent, _ = BuildEntitlement(goentitle.StatusActive, nil, now)
	assert.Nil(t, ent.ValidUntil)
}

func TestDeriveEventID(t *testing.T) {
	a := DeriveEventID([]byte("body"))
	assert.True(t, strings.HasPrefix(a, "sha256:"))
	assert.Len(t, a, len("sha256:")+64)
	assert.Equal(t, a, DeriveEventID([]byte("body")))
	assert.NotEqual(t, a, DeriveEventID([]byte("body ")))
}

func TestConfig_Build(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Now: func() time.Time { return now }}
	raw := []byte("email=a%40b.c")

	ev, err := cfg.Build(Event{EventType: "cancellation", Email: " A@B.c "}, raw)
	require.NoError(t, err)
	assert.Equal(t, DeriveEventID(raw), ev.EventID)
	assert.Equal(t, "a@b.c", ev.Email)
	assert.Equal(t, goentitle.ScopePro, ev.Scope)
	assert.True(t, ev.EventTypeKnown)
	assert.True(t, ev.ValidUntilInferred)
	assert.Equal(t, goentitle.StatusCancelled, ev.Entitlement.Status)

	_, err = cfg.Build(Event{EventID: "x", EventType: "sale"}, raw)
	assert.ErrorIs(t, err, ErrMissingIdentity)

	_, err = cfg.Build(Event{EventType: "sale", Email: "a@b.c"}, nil)
	assert.ErrorIs(t, err, ErrMissingEventID)

	ev, err = cfg.Build(Event{EventID: "x", EventType: "mystery", UserIDHint: "u1"}, raw)
	require.NoError(t, err)
	assert.False(t, ev.EventTypeKnown)
	assert.Equal(t, "u1", ev.UserIDHint)
}

func TestConfig_DetectScope(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, goentitle.ScopeProjects, cfg.DetectScope("Acme", "Acme Projects Add-on"))
	assert.Equal(t, goentitle.ScopePro, cfg.DetectScope("Acme Pro Monthly"))
	assert.True(t, cfg.IsLifetimeProduct("Pro (Lifetime)"))

	custom := Config{ProjectsMarker: "workspace"}.WithDefaults()
	assert.Equal(t, goentitle.ScopeProjects, custom.DetectScope("Team Workspace"))
}
