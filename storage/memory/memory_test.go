package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/storagetest"
)

var _ goentitle.Storage = (*Storage)(nil)

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(*testing.T) goentitle.Storage { return New() })
}

func TestStorage_MarkPendingApplied_WriteOnce(t *testing.T) {
	storage := New()
	ctx := context.Background()

	p := &goentitle.PendingEntitlement{Provider: goentitle.ProviderGumroad, EventID: "s1", Email: "a@x.io"}
	_, err := storage.EnqueuePending(ctx, p)
	require.NoError(t, err)

	first := time.Now().UTC()
	require.NoError(t, storage.MarkPendingApplied(ctx, []goentitle.PendingKey{p.Key()}, "u1", first))
	require.NoError(t, storage.MarkPendingApplied(ctx, []goentitle.PendingKey{p.Key()}, "u2", first.Add(time.Hour)))

	list, err := storage.ListUnappliedPending(ctx, "a@x.io", "")
	require.NoError(t, err)
	assert.Empty(t, list)

	stored := storage.pending[p.Key()]
	assert.Equal(t, "u1", stored.AppliedUserID)
	assert.True(t, stored.AppliedAt.Equal(first))
}
