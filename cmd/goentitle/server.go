package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/gumroad"
	"github.com/mihaimyh/goentitle/pkg/billing/lemonsqueezy"
	"github.com/mihaimyh/goentitle/pkg/billing/paddle"
	"github.com/mihaimyh/goentitle/pkg/billing/revenuecat"
	"github.com/mihaimyh/goentitle/pkg/billing/stripe"
	"github.com/mihaimyh/goentitle/pkg/billing/webhook"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	healthTimeout     = 2 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// newRegistry registers every supported provider. Providers without a secret
// stay registered so their webhooks answer 500 rather than 404.
func newRegistry(cfg config) *billing.Registry {
	adapterCfg := billing.Config{
		ProjectsMarker: cfg.ProjectsMarker,
		LifetimeMarker: cfg.LifetimeMarker,
	}

	registry := billing.NewRegistry()
	registry.Register(gumroad.New(adapterCfg), cfg.GumroadSecret)
	registry.Register(lemonsqueezy.New(adapterCfg), cfg.LemonSqueezySecret)
	registry.Register(stripe.New(adapterCfg), cfg.StripeSecret)
	registry.Register(paddle.New(adapterCfg), cfg.PaddleSecret)
	registry.Register(revenuecat.New(adapterCfg), cfg.RevenueCatSecret)
	return registry
}

type routerDeps struct {
	cfg      config
	manager  *goentitle.Manager
	registry *billing.Registry
	logger   goentitle.Logger
	metrics  billing.Metrics
	gatherer prometheus.Gatherer
	ping     func(ctx context.Context) error
}

func newRouter(deps routerDeps) (http.Handler, error) {
	hooks, err := webhook.New(webhook.Config{
		Registry: deps.registry,
		Manager:  deps.manager,
		Logger:   deps.logger,
		Metrics:  deps.metrics,
	})
	if err != nil {
		return nil, err
	}

	entitlements, err := api.NewHandler(api.Config{
		Manager:   deps.manager,
		GetUserID: api.FromHeader(deps.cfg.UserIDHeader),
		Logger:    deps.logger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	hooks.Register(r)
	r.Get(api.Route, entitlements.GetEntitlements)
	r.Handle("/metrics", promhttp.HandlerFor(deps.gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := deps.ping(ctx); err != nil {
			deps.logger.Warn("health check failed", goentitle.F("error", err.Error()))
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r, nil
}
