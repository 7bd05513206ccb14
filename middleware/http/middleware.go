// Package http provides net/http middleware that reconciles pending
// entitlements once the caller's identity is known
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement manager instance
	Manager *goentitle.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Logger receives reconciliation failures (default: NoopLogger)
	Logger goentitle.Logger

	// Timeout bounds the reconciliation work done before the next handler runs
	// Default: 2 seconds
	Timeout time.Duration

	// OnReconciled is called after a successful reconciliation (optional)
	OnReconciled func(r *http.Request, result *goentitle.ReconcileResult)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "goentitle:userID"

	// AccessTierKey is the context key for the access tier evaluated by the middleware
	AccessTierKey ContextKey = "goentitle:accessTier"

	defaultTimeout = 2 * time.Second
)

// Middleware creates an HTTP middleware that drains pending entitlements for
// the authenticated user and then calls the next handler. Failures are
// logged and never block the request. Anonymous requests pass through.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("goentitle/http: Config.Manager is required")
	}
	if config.GetUserID == nil {
		panic("goentitle/http: Config.GetUserID is required")
	}

	// Set defaults
	if config.Logger == nil {
		config.Logger = &goentitle.NoopLogger{}
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			if tier, ok := reconcile(r, userID, config); ok {
				r = r.WithContext(context.WithValue(r.Context(), AccessTierKey, tier))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reconcile(r *http.Request, userID string, config Config) (goentitle.AccessTier, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), config.Timeout)
	defer cancel()

	result, err := config.Manager.ReconcileForUser(ctx, userID)
	if errors.Is(err, goentitle.ErrUserNotFound) {
		// Signed in but not provisioned yet; the signup path reconciles later.
		config.Logger.Debug("reconcile skipped, user not provisioned", goentitle.F("user_id", userID))
		return "", false
	}
	if err != nil {
		config.Logger.Warn("reconciliation failed",
			goentitle.F("user_id", userID), goentitle.F("error", err.Error()))
	} else if config.OnReconciled != nil {
		config.OnReconciled(r, result)
	}

	tier, err := config.Manager.AccessTier(ctx, userID)
	if err != nil {
		config.Logger.Warn("access tier lookup failed",
			goentitle.F("user_id", userID), goentitle.F("error", err.Error()))
		return "", false
	}
	return tier, true
}

// HandlerFunc creates an HTTP middleware that reconciles entitlements (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// AccessTierFromContext returns the tier the middleware evaluated for this request
func AccessTierFromContext(ctx context.Context) (goentitle.AccessTier, bool) {
	tier, ok := ctx.Value(AccessTierKey).(goentitle.AccessTier)
	return tier, ok
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
