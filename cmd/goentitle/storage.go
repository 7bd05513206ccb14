package main

import (
	"context"
	"fmt"

	gcpfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/firestore"
	"github.com/mihaimyh/goentitle/storage/memory"
	"github.com/mihaimyh/goentitle/storage/mongo"
	"github.com/mihaimyh/goentitle/storage/postgres"
	"github.com/mihaimyh/goentitle/storage/redis"
)

// backend is an opened storage plus the hooks the server needs around it
type backend struct {
	storage goentitle.Storage
	ping    func(ctx context.Context) error
	close   func(ctx context.Context) error
}

func openStorage(ctx context.Context, cfg config, logger goentitle.Logger) (*backend, error) {
	switch cfg.Storage {
	case storagePostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.PostgresDSN
		pgCfg.Logger = logger
		s, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		return &backend{
			storage: s,
			ping:    s.Ping,
			close: func(context.Context) error {
				s.Close()
				return nil
			},
		}, nil

	case storageMongo:
		mCfg := mongo.DefaultConfig()
		mCfg.URL = cfg.MongoURL
		mCfg.Database = cfg.MongoDatabase
		s, err := mongo.New(ctx, mCfg)
		if err != nil {
			return nil, err
		}
		return &backend{storage: s, ping: s.Ping, close: s.Close}, nil

	case storageFirestore:
		client, err := gcpfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		s, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{
			storage: s,
			ping:    func(context.Context) error { return nil },
			close:   func(context.Context) error { return client.Close() },
		}, nil

	case storageMemory:
		logger.Warn("using in-memory storage, state is lost on restart")
		return &backend{
			storage: memory.New(),
			ping:    func(context.Context) error { return nil },
			close:   func(context.Context) error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownStorage, cfg.Storage)
}

// openLocker returns nil when Redis is not configured
func openLocker(ctx context.Context, cfg config) (*redis.Locker, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	locker, err := redis.New(client, redis.DefaultConfig())
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := locker.Ping(ctx); err != nil {
		_ = locker.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return locker, nil
}
