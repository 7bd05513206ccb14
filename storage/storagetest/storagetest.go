// Package storagetest holds the behavioural suite every goentitle.Storage
// backend must pass. Backends call Run from their own tests with a factory
// returning a fresh, empty store.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Factory returns an empty store. It may call t.Skip when the backend is unreachable.
type Factory func(t *testing.T) goentitle.Storage

// Run executes the full suite against the backend
func Run(t *testing.T, newStorage Factory) {
	t.Run("RecordEventIdempotent", func(t *testing.T) { testRecordEventIdempotent(t, newStorage(t)) })
	t.Run("RecordEventConcurrent", func(t *testing.T) { testRecordEventConcurrent(t, newStorage(t)) })
	t.Run("TransitionEvent", func(t *testing.T) { testTransitionEvent(t, newStorage(t)) })
	t.Run("PendingOrdering", func(t *testing.T) { testPendingOrdering(t, newStorage(t)) })
	t.Run("PendingWriteOnce", func(t *testing.T) { testPendingWriteOnce(t, newStorage(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStorage(t)) })
	t.Run("UserRoundTrip", func(t *testing.T) { testUserRoundTrip(t, newStorage(t)) })
}

func testRecordEventIdempotent(t *testing.T, s goentitle.Storage) {
	ctx := context.Background()
	received := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	event := &goentitle.BillingEvent{
		Provider:         goentitle.ProviderStripe,
		EventID:          "evt_1",
		EventType:        "invoice.paid",
		EventTypeKnown:   true,
		Email:            "a@x.io",
		ProcessingStatus: goentitle.ProcessingReceived,
		Payload:          []byte(`{"id":"evt_1"}`),
		ReceivedAt:       received,
	}
	duplicate, err := s.RecordEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, duplicate)

	duplicate, err = s.RecordEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, duplicate)

	other := *event
	other.Provider = goentitle.ProviderPaddle
	duplicate, err = s.RecordEvent(ctx, &other)
	require.NoError(t, err)
	assert.False(t, duplicate, "the same id from another provider is a different event")

	stored, err := s.GetEvent(ctx, goentitle.ProviderStripe, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "invoice.paid", stored.EventType)
	assert.True(t, stored.EventTypeKnown)
	assert.Equal(t, "a@x.io", stored.Email)
	assert.Equal(t, event.Payload, stored.Payload)
	assert.True(t, stored.ReceivedAt.Equal(received))
	assert.Nil(t, stored.ProcessedAt)

	_, err = s.GetEvent(ctx, goentitle.ProviderGumroad, "evt_1")
	assert.ErrorIs(t, err, goentitle.ErrEventNotFound)
}

func testRecordEventConcurrent(t *testing.T, s goentitle.Storage) {
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			duplicate, err := s.RecordEvent(ctx, &goentitle.BillingEvent{
				Provider:         goentitle.ProviderGumroad,
				EventID:          "sale_1",
				ProcessingStatus: goentitle.ProcessingReceived,
				ReceivedAt:       time.Now().UTC(),
			})
			assert.NoError(t, err)
			if err == nil && !duplicate {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
}

func testTransitionEvent(t *testing.T, s goentitle.Storage) {
	ctx := context.Background()

	_, err := s.RecordEvent(ctx, &goentitle.BillingEvent{
		Provider:         goentitle.ProviderGumroad,
		EventID:          "sale_1",
		ProcessingStatus: goentitle.ProcessingReceived,
		ReceivedAt:       time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, s.TransitionEvent(ctx, goentitle.ProviderGumroad, "sale_1", goentitle.ProcessingProcessed, "u1"))

	event, err := s.GetEvent(ctx, goentitle.ProviderGumroad, "sale_1")
	require.NoError(t, err)
	assert.Equal(t, goentitle.ProcessingProcessed, event.ProcessingStatus)
	assert.Equal(t, "u1", event.UserID)
	assert.NotNil(t, event.ProcessedAt)

	err = s.TransitionEvent(ctx, goentitle.ProviderGumroad, "sale_1", goentitle.ProcessingPendingUser, "")
	assert.ErrorIs(t, err, goentitle.ErrInvalidTransition)

	err = s.TransitionEvent(ctx, goentitle.ProviderGumroad, "missing", goentitle.ProcessingProcessed, "")
	assert.ErrorIs(t, err, goentitle.ErrEventNotFound)
}

func testPendingOrdering(t *testing.T, s goentitle.Storage) {
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := at.Add(30 * 24 * time.Hour)

	entries := []*goentitle.PendingEntitlement{
		{Provider: goentitle.ProviderStripe, EventID: "b", Email: "a@x.io", ReceivedAt: at},
		{Provider: goentitle.ProviderStripe, EventID: "a", Email: "a@x.io", ReceivedAt: at},
		{Provider: goentitle.ProviderStripe, EventID: "early", Email: "a@x.io", ReceivedAt: at.Add(-time.Minute)},
		{
			Provider: goentitle.ProviderPaddle, EventID: "hinted", EventType: "subscription.created",
			Email: "other@x.io", UserIDHint: "u1", Scope: goentitle.ScopeProjects,
			Entitlement: goentitle.Entitlement{Status: goentitle.StatusActive, ValidUntil: &end},
			Refs:        goentitle.ProviderRefs{SubscriptionID: "sub_1"},
			ReceivedAt:  at.Add(time.Minute),
		},
		{Provider: goentitle.ProviderPaddle, EventID: "unrelated", Email: "z@x.io", ReceivedAt: at},
	}
	var last int64
	for _, p := range entries {
		duplicate, err := s.EnqueuePending(ctx, p)
		require.NoError(t, err)
		assert.False(t, duplicate)
		assert.Greater(t, p.Sequence, last, "sequence must increase")
		last = p.Sequence
	}
	duplicate, err := s.EnqueuePending(ctx, &goentitle.PendingEntitlement{
		Provider: goentitle.ProviderStripe, EventID: "a", Email: "a@x.io", ReceivedAt: at,
	})
	require.NoError(t, err)
	assert.True(t, duplicate)

	list, err := s.ListUnappliedPending(ctx, "a@x.io", "u1")
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.EventID)
	}
	// Ties on ReceivedAt fall back to insertion order.
	assert.Equal(t, []string{"early", "b", "a", "hinted"}, ids)

	hinted := list[3]
	assert.Equal(t, goentitle.ScopeProjects, hinted.Scope)
	assert.Equal(t, "subscription.created", hinted.EventType)
	assert.Equal(t, goentitle.StatusActive, hinted.Entitlement.Status)
	require.NotNil(t, hinted.Entitlement.ValidUntil)
	assert.True(t, hinted.Entitlement.ValidUntil.Equal(end))
	assert.Equal(t, "sub_1", hinted.Refs.SubscriptionID)

	empty, err := s.ListUnappliedPending(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testPendingWriteOnce(t *testing.T, s goentitle.Storage) {
	ctx := context.Background()

	p := &goentitle.PendingEntitlement{
		Provider: goentitle.ProviderGumroad, EventID: "s1", Email: "a@x.io", ReceivedAt: time.Now().UTC(),
	}
	_, err := s.EnqueuePending(ctx, p)
	require.NoError(t, err)

	first := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.MarkPendingApplied(ctx, []goentitle.PendingKey{p.Key()}, "u1", first))
	require.NoError(t, s.MarkPendingApplied(ctx, []goentitle.PendingKey{p.Key()}, "u2", first.Add(time.Hour)))
	require.NoError(t, s.MarkPendingApplied(ctx, []goentitle.PendingKey{{Provider: "gumroad", EventID: "nope"}}, "u1", first))

	list, err := s.ListUnappliedPending(ctx, "a@x.io", "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testUsers(t *testing.T, s goentitle.Storage) {
	ctx := context.Background()

	_, err := s.FindByID(ctx, "u1")
	assert.ErrorIs(t, err, goentitle.ErrUserNotFound)
	_, err = s.FindByEmail(ctx, "user@example.com")
	assert.ErrorIs(t, err, goentitle.ErrUserNotFound)

	u := &goentitle.User{ID: "u1", Email: "User@Example.com"}
	require.NoError(t, s.Save(ctx, u))
	assert.Equal(t, int64(1), u.Version)

	found, err := s.FindByEmail(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", found.ID)

	err = s.Save(ctx, &goentitle.User{ID: "u2", Email: "user@example.com"})
	assert.ErrorIs(t, err, goentitle.ErrDuplicateEmail)

	err = s.Save(ctx, &goentitle.User{ID: "u1", Email: "fresh@example.com"})
	assert.ErrorIs(t, err, goentitle.ErrVersionConflict, "creating an existing id must conflict")

	stale := found.Clone()
	found.AccessTier = goentitle.AccessTierPremium
	require.NoError(t, s.Save(ctx, found))
	assert.ErrorIs(t, s.Save(ctx, stale), goentitle.ErrVersionConflict)

	found.Email = "new@example.com"
	require.NoError(t, s.Save(ctx, found))
	_, err = s.FindByEmail(ctx, "user@example.com")
	assert.ErrorIs(t, err, goentitle.ErrUserNotFound)
	moved, err := s.FindByEmail(ctx, "NEW@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(3), moved.Version)
}

func testUserRoundTrip(t *testing.T, s goentitle.Storage) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	until := now.Add(24 * time.Hour)

	u := &goentitle.User{ID: uuid.NewString(), Email: "round@example.com"}
	u.SetEntitlement(goentitle.ScopePro, goentitle.Entitlement{Status: goentitle.StatusActive, ValidUntil: &until}, now)
	u.SetEntitlement(goentitle.ScopeProjects, goentitle.Entitlement{Status: goentitle.StatusLifetime}, now)
	u.RecordProviderEvent(goentitle.ProviderStripe, "evt_9", "invoice.paid",
		goentitle.ProviderRefs{CustomerID: "cus_1", ManageURL: "https://billing.example.com"}, now)
	require.NoError(t, s.Save(ctx, u))

	got, err := s.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, goentitle.AccessTierPremium, got.AccessTier)
	assert.Equal(t, goentitle.StatusActive, got.Entitlements.Pro.Status)
	require.NotNil(t, got.Entitlements.Pro.ValidUntil)
	assert.True(t, got.Entitlements.Pro.ValidUntil.Equal(until))
	assert.Equal(t, goentitle.StatusLifetime, got.Entitlements.Projects.Status)
	assert.Nil(t, got.Entitlements.Projects.ValidUntil)

	pb := got.Billing.Providers[goentitle.ProviderStripe]
	assert.Equal(t, "cus_1", pb.CustomerID)
	assert.Equal(t, "evt_9", pb.LastEventID)
	assert.True(t, pb.LastEventAt.Equal(now))
	assert.False(t, got.CreatedAt.IsZero())
}
