// Command goentitle serves billing webhooks and entitlement lookups.
//
// Configuration is read from the environment (and an optional .env file):
//
//	STORAGE=postgres POSTGRES_DSN=postgres://... \
//	STRIPE_WEBHOOK_SECRET=whsec_... goentitle
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	billingprom "github.com/mihaimyh/goentitle/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/goentitle/pkg/billing/stripe"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	zerologadapter "github.com/mihaimyh/goentitle/pkg/goentitle/logger/zerolog"
	entitleprom "github.com/mihaimyh/goentitle/pkg/goentitle/metrics/prometheus"
)

func main() {
	zl := zerolog.New(os.Stdout).With().Timestamp().Str("service", "goentitle").Logger()

	cfg, err := loadConfig()
	if err != nil {
		zl.Fatal().Err(err).Msg("invalid configuration")
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zl = zl.Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg config, zl zerolog.Logger) error {
	logger := zerologadapter.NewLogger(zl)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	be, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage, err)
	}
	defer func() {
		if err := be.close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to close storage", goentitle.F("error", err.Error()))
		}
	}()

	managerCfg := goentitle.Config{
		Metrics:             entitleprom.NewMetrics(reg, cfg.MetricsNamespace),
		Logger:              logger,
		LockTTL:             cfg.LockTTL,
		ExternalCallTimeout: cfg.ExternalCallTimeout,
	}
	if cfg.CircuitBreaker {
		managerCfg.CircuitBreakerConfig = &goentitle.CircuitBreakerConfig{Enabled: true}
	}

	locker, err := openLocker(ctx, cfg)
	if err != nil {
		return err
	}
	if locker != nil {
		defer func() { _ = locker.Close() }()
		managerCfg.Locker = locker
		logger.Info("reconciliation lock enabled", goentitle.F("redis_addr", cfg.RedisAddr))
	}

	if cfg.StripeAPIKey != "" {
		managerCfg.ManageURLResolver = stripe.PortalURLResolver(stripe.NewPortalClient(cfg.StripeAPIKey), cfg.StripePortalReturnURL)
	}

	manager, err := goentitle.NewManager(be.storage, managerCfg)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	registry := newRegistry(cfg)
	if err := registry.Validate(); err != nil {
		if cfg.RequireAllProviders {
			return err
		}
		logger.Error("webhook providers not fully configured", goentitle.F("error", err.Error()))
	}

	handler, err := newRouter(routerDeps{
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		logger:   logger,
		metrics:  billingprom.NewMetrics(reg, cfg.MetricsNamespace),
		gatherer: reg,
		ping:     be.ping,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", goentitle.F("addr", cfg.Addr), goentitle.F("storage", cfg.Storage))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
