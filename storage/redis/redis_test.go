package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

var _ goentitle.Locker = (*Locker)(nil)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() {
		//nolint:errcheck // Closing the test client
		_ = client.Close()
	})
	return client
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:       "default config",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     DefaultConfig(),
			wantPrefix: "goentitle:lock:",
		},
		{
			name:       "empty prefix falls back to default",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "goentitle:lock:",
		},
		{
			name:       "custom prefix",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "test:"},
			wantPrefix: "test:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locker, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, locker.config.KeyPrefix)
		})
	}
}

func TestLocker_Exclusive(t *testing.T) {
	locker, err := New(setupTestRedis(t), DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "reconcile:u1", time.Minute)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "reconcile:u1", time.Minute)
	assert.ErrorIs(t, err, goentitle.ErrLockHeld)

	// Other keys are independent.
	unlockOther, err := locker.Lock(ctx, "reconcile:u2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, unlockOther(ctx))

	require.NoError(t, unlock(ctx))
	unlock, err = locker.Lock(ctx, "reconcile:u1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}

func TestLocker_ExpiredLockIsNotReleasedByOldOwner(t *testing.T) {
	client := setupTestRedis(t)
	locker, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	staleUnlock, err := locker.Lock(ctx, "reconcile:u1", 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	unlock, err := locker.Lock(ctx, "reconcile:u1", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, staleUnlock(ctx), ErrLockLost)
	exists, err := client.Exists(ctx, "goentitle:lock:reconcile:u1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "the new owner's lock must survive")

	require.NoError(t, unlock(ctx))
}

func TestLocker_Concurrent(t *testing.T) {
	locker, err := New(setupTestRedis(t), DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := locker.Lock(ctx, "reconcile:u1", time.Minute); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acquired)
}

func TestLocker_InvalidTTL(t *testing.T) {
	locker, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), DefaultConfig())
	require.NoError(t, err)
	_, err = locker.Lock(context.Background(), "k", 0)
	assert.Error(t, err)
}
