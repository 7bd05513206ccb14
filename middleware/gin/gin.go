// Package gin provides Gin middleware that reconciles pending entitlements
// for the authenticated user
package gin

import (
	"context"
	"errors"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// AccessTierKey is the Gin context key holding the evaluated access tier
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
	// It may set headers but must not write the response body.
	OnReconciled func(c *gongin.Context, result *goentitle.ReconcileResult)
}

// Middleware creates a Gin middleware that drains pending entitlements
// before the handler runs. It never aborts the chain.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("goentitle/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/gin: Config.GetUserID is required")
	}

	// Set defaults
	if cfg.Logger == nil {
		cfg.Logger = &goentitle.NoopLogger{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Timeout)
		defer cancel()

		result, err := cfg.Manager.ReconcileForUser(ctx, userID)
		switch {
		case errors.Is(err, goentitle.ErrUserNotFound):
			cfg.Logger.Debug("reconcile skipped, user not provisioned", goentitle.F("user_id", userID))
			c.Next()
			return
		case err != nil:
			cfg.Logger.Warn("reconciliation failed",
				goentitle.F("user_id", userID), goentitle.F("error", err.Error()))
		case cfg.OnReconciled != nil:
			cfg.OnReconciled(c, result)
		}

		if tier, err := cfg.Manager.AccessTier(ctx, userID); err == nil {
			c.Set(AccessTierKey, tier)
		} else {
			cfg.Logger.Warn("access tier lookup failed",
				goentitle.F("user_id", userID), goentitle.F("error", err.Error()))
		}

		// Proceed to handler
		c.Next()
	}
}

// AccessTier returns the tier the middleware evaluated for this request
func AccessTier(c *gongin.Context) (goentitle.AccessTier, bool) {
	val, exists := c.Get(AccessTierKey)
	if !exists {
		return "", false
	}
	tier, ok := val.(goentitle.AccessTier)
	return tier, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In entitlement middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
