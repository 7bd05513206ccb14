package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/storagetest"
)

const testProjectID = "test-project"

var _ goentitle.Storage = (*Storage)(nil)

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("Skipping test: FIRESTORE_EMULATOR_HOST is not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() {
		//nolint:errcheck // Closing the test client
		_ = client.Close()
	})
	return client
}

// testConfig returns unique collection names for each test run
func testConfig() Config {
	suffix := fmt.Sprintf("_%d", time.Now().UnixNano())
	return Config{
		UsersCollection:    "users" + suffix,
		EmailsCollection:   "user_emails" + suffix,
		EventsCollection:   "billing_events" + suffix,
		PendingCollection:  "pending_entitlements" + suffix,
		CountersCollection: "counters" + suffix,
	}
}

func cleanupFirestore(t *testing.T, client *firestore.Client, config Config) {
	t.Helper()
	ctx := context.Background()

	for _, coll := range []string{
		config.UsersCollection, config.EmailsCollection, config.EventsCollection,
		config.PendingCollection, config.CountersCollection,
	} {
		docs, err := client.Collection(coll).Documents(ctx).GetAll()
		if err != nil {
			continue
		}
		bw := client.BulkWriter(ctx)
		for _, doc := range docs {
			//nolint:errcheck // Best effort cleanup
			_, _ = bw.Delete(doc.Ref)
		}
		bw.End()
	}
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupFirestoreClient(t)
	config := testConfig()

	storage, err := New(client, config)
	require.NoError(t, err)
	t.Cleanup(func() { cleanupFirestore(t, client, config) })
	return storage
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestKeyID(t *testing.T) {
	assert.Equal(t, "gumroad_sale_1", keyID(goentitle.ProviderGumroad, "sale_1"))
	assert.Equal(t, "stripe_a%2Fb", keyID(goentitle.ProviderStripe, "a/b"))
	assert.NotEqual(t, keyID(goentitle.ProviderStripe, "x"), keyID(goentitle.ProviderPaddle, "x"))
}

func TestFirestore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) goentitle.Storage { return setupTestStorage(t) })
}

func TestFirestore_MarkPendingApplied_WriteOnce(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	p := &goentitle.PendingEntitlement{
		Provider: goentitle.ProviderRevenueCat, EventID: "rc_1", Email: "a@x.io", ReceivedAt: time.Now().UTC(),
	}
	_, err := storage.EnqueuePending(ctx, p)
	require.NoError(t, err)

	first := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, storage.MarkPendingApplied(ctx, []goentitle.PendingKey{p.Key()}, "u1", first))
	require.NoError(t, storage.MarkPendingApplied(ctx, []goentitle.PendingKey{p.Key()}, "u2", first.Add(time.Hour)))

	snap, err := storage.pendingDoc(p.Key()).Get(ctx)
	require.NoError(t, err)
	var rec pendingRecord
	require.NoError(t, snap.DataTo(&rec))
	assert.Equal(t, "u1", rec.AppliedUserID)
	require.NotNil(t, rec.AppliedAt)
	assert.True(t, rec.AppliedAt.Equal(first))
}

func TestFirestore_EmailClaimMovesWithUser(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	u := &goentitle.User{ID: "u1", Email: "old@example.com"}
	require.NoError(t, storage.Save(ctx, u))

	u.Email = "new@example.com"
	require.NoError(t, storage.Save(ctx, u))

	// The released address can be claimed by another user.
	require.NoError(t, storage.Save(ctx, &goentitle.User{ID: "u2", Email: "old@example.com"}))

	found, err := storage.FindByEmail(ctx, "old@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u2", found.ID)
}
