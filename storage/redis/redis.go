// Package redis provides a Redis implementation of the goentitle.Locker interface.
// Reconciliation of one user is serialized across processes with SET NX PX;
// release goes through a Lua script so an owner never deletes a lock it lost.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// ErrLockLost is returned by unlock when the lock expired or changed owner
var ErrLockLost = errors.New("lock expired or taken over")

// unlockScript deletes the key only if it still holds the caller's token
var unlockScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Locker implements goentitle.Locker using Redis
type Locker struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis locker configuration
type Config struct {
	// KeyPrefix is prepended to all lock keys (default: "goentitle:lock:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "goentitle:lock:",
	}
}

// New creates a new Redis locker
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	return &Locker{client: client, config: config}, nil
}

// Lock implements goentitle.Locker
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}

	redisKey := l.config.KeyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, goentitle.ErrLockHeld
	}

	unlock := func(ctx context.Context) error {
		released, err := unlockScript.Run(ctx, l.client, []string{redisKey}, token).Int()
		if err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		if released == 0 {
			return ErrLockLost
		}
		return nil
	}
	return unlock, nil
}

// Close closes the Redis connection
func (l *Locker) Close() error {
	return l.client.Close()
}

// Ping checks the Redis connection
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
