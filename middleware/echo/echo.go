// Package echo provides Echo middleware that reconciles pending entitlements
// for the authenticated user
package echo

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// AccessTierKey is the Echo context key holding the evaluated access tier
const AccessTierKey = "goentitle.accessTier"

const defaultTimeout = 2 * time.Second

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement manager instance
	Manager *goentitle.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Logger receives reconciliation failures (default: NoopLogger)
	Logger goentitle.Logger

	// Timeout bounds the reconciliation done before the handler runs
	// Default: 2 seconds
	Timeout time.Duration

	// OnReconciled is called after a successful reconciliation.
	//
	// IMPORTANT: This function should ONLY set headers (c.Response().Header().Set).
	// Do NOT write to the response body, the handler has not run yet.
	OnReconciled func(c echo.Context, result *goentitle.ReconcileResult)
}

// Middleware creates an Echo middleware that drains pending entitlements
// before the handler runs. Reconciliation errors are logged, never returned.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("goentitle/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/echo: Config.GetUserID is required")
	}

	// Set defaults
	if cfg.Logger == nil {
		cfg.Logger = &goentitle.NoopLogger{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID != "" {
				reconcile(c, userID, cfg)
			}
			return next(c)
		}
	}
}

func reconcile(c echo.Context, userID string, cfg Config) {
	ctx, cancel := context.WithTimeout(c.Request().Context(), cfg.Timeout)
	defer cancel()

	result, err := cfg.Manager.ReconcileForUser(ctx, userID)
	if errors.Is(err, goentitle.ErrUserNotFound) {
		cfg.Logger.Debug("reconcile skipped, user not provisioned", goentitle.F("user_id", userID))
		return
	}
	if err != nil {
		cfg.Logger.Warn("reconciliation failed",
			goentitle.F("user_id", userID), goentitle.F("error", err.Error()))
	} else if cfg.OnReconciled != nil {
		cfg.OnReconciled(c, result)
	}

	tier, err := cfg.Manager.AccessTier(ctx, userID)
	if err != nil {
		cfg.Logger.Warn("access tier lookup failed",
			goentitle.F("user_id", userID), goentitle.F("error", err.Error()))
		return
	}
	c.Set(AccessTierKey, tier)
}

// AccessTier returns the tier the middleware evaluated for this request
func AccessTier(c echo.Context) (goentitle.AccessTier, bool) {
	tier, ok := c.Get(AccessTierKey).(goentitle.AccessTier)
	return tier, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an earlier auth middleware via c.Set(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
