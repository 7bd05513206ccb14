// Package fiber provides Fiber middleware that reconciles pending
// entitlements for the authenticated user
package fiber

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// AccessTierKey is the Locals key holding the evaluated access tier
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
	// IMPORTANT: This function should ONLY set headers (c.Set).
	// Do NOT write to the response body, the handler has not run yet.
	OnReconciled func(c *fiber.Ctx, result *goentitle.ReconcileResult)
}

// Middleware creates a Fiber middleware that drains pending entitlements
// before the handler runs. Reconciliation errors are logged, never returned.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("goentitle/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/fiber: Config.GetUserID is required")
	}

	// Set defaults
	if cfg.Logger == nil {
		cfg.Logger = &goentitle.NoopLogger{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return func(c *fiber.Ctx) error {
		if userID := cfg.GetUserID(c); userID != "" {
			reconcile(c, userID, cfg)
		}
		return c.Next()
	}
}

func reconcile(c *fiber.Ctx, userID string, cfg Config) {
	// Fiber uses fasthttp, so the request context comes from c.UserContext()
	ctx, cancel := context.WithTimeout(c.UserContext(), cfg.Timeout)
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
	c.Locals(AccessTierKey, tier)
}

// AccessTier returns the tier the middleware evaluated for this request
func AccessTier(c *fiber.Ctx) (goentitle.AccessTier, bool) {
	tier, ok := c.Locals(AccessTierKey).(goentitle.AccessTier)
	return tier, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In entitlement middleware config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
