package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Storage backends selectable through STORAGE
const (
	storageMemory    = "memory"
	storagePostgres  = "postgres"
	storageMongo     = "mongo"
	storageFirestore = "firestore"
)

var errUnknownStorage = errors.New("unknown storage backend")

type config struct {
	Addr             string        `env:"ADDR" envDefault:":8080"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	UserIDHeader     string        `env:"USER_ID_HEADER" envDefault:"X-User-ID"`
	MetricsNamespace string        `env:"METRICS_NAMESPACE" envDefault:"goentitle"`

	Storage          string `env:"STORAGE" envDefault:"memory"`
	PostgresDSN      string `env:"POSTGRES_DSN"`
	MongoURL         string `env:"MONGODB_URL"`
	MongoDatabase    string `env:"MONGODB_DATABASE" envDefault:"goentitle"`
	FirestoreProject string `env:"FIRESTORE_PROJECT_ID"`

	// Redis serializes reconciliation across replicas when set
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	GumroadSecret      string `env:"GUMROAD_WEBHOOK_SECRET"`
	LemonSqueezySecret string `env:"LEMONSQUEEZY_WEBHOOK_SECRET"`
	StripeSecret       string `env:"STRIPE_WEBHOOK_SECRET"`
	PaddleSecret       string `env:"PADDLE_WEBHOOK_SECRET"`
	RevenueCatSecret   string `env:"REVENUECAT_WEBHOOK_SECRET"`

	// RequireAllProviders refuses to start while any webhook secret is missing
	RequireAllProviders bool `env:"REQUIRE_ALL_PROVIDERS" envDefault:"false"`

	StripeAPIKey          string `env:"STRIPE_API_KEY"`
	StripePortalReturnURL string `env:"STRIPE_PORTAL_RETURN_URL"`

	ProjectsMarker string `env:"PROJECTS_MARKER" envDefault:"projects"`
	LifetimeMarker string `env:"LIFETIME_MARKER" envDefault:"lifetime"`

	CircuitBreaker      bool          `env:"CIRCUIT_BREAKER" envDefault:"true"`
	LockTTL             time.Duration `env:"RECONCILE_LOCK_TTL" envDefault:"30s"`
	ExternalCallTimeout time.Duration `env:"EXTERNAL_CALL_TIMEOUT" envDefault:"2s"`
}

// loadConfig reads an optional .env file and then the process environment
func loadConfig() (config, error) {
	// The .env file is optional
	_ = godotenv.Load()

	cfg, err := env.ParseAs[config]()
	if err != nil {
		return config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	switch c.Storage {
	case storageMemory:
	case storagePostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for postgres storage")
		}
	case storageMongo:
		if c.MongoURL == "" {
			return errors.New("MONGODB_URL is required for mongo storage")
		}
	case storageFirestore:
		if c.FirestoreProject == "" {
			return errors.New("FIRESTORE_PROJECT_ID is required for firestore storage")
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownStorage, c.Storage)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}
