package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	// Route is the path the entitlements endpoint is usually mounted at
	Route = "/v1/entitlements"

	maxUserIDLen = 255
)

// Handler provides HTTP endpoints for entitlement inspection
type Handler struct {
	config Config
}

// GetEntitlements reconciles pending entitlements for the authenticated user
// and returns the resulting state. A failed reconciliation is logged and the
// stored state is returned anyway.
func (h *Handler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// 1. Extract User ID
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	// 2. Drain pending entitlements
	var summary ReconcileSummary
	result, err := h.config.Manager.ReconcileForUser(ctx, userID)
	switch {
	case errors.Is(err, goentitle.ErrUserNotFound):
		h.handleError(w, r, fmt.Errorf("user not found"), http.StatusNotFound)
		return
	case err != nil:
		h.config.Logger.Warn("reconciliation failed",
			goentitle.F("user_id", userID), goentitle.F("error", err.Error()))
	default:
		summary = ReconcileSummary{Applied: result.Applied, Count: result.MarkedCount, Skipped: result.Skipped}
	}

	// 3. Read the user after reconciliation
	user, err := h.config.Manager.GetUser(ctx, userID)
	if errors.Is(err, goentitle.ErrUserNotFound) {
		h.handleError(w, r, fmt.Errorf("user not found"), http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get user: %w", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(buildResponse(user, summary, time.Now())); err != nil {
		// Status is already sent; the client went away or the body failed to encode.
		h.config.Logger.Debug("failed to write entitlements response",
			goentitle.F("user_id", userID), goentitle.F("error", err.Error()))
	}
}

// buildResponse evaluates access at now rather than trusting the cached
// tier, which goes stale once ValidUntil passes without a new event.
func buildResponse(user *goentitle.User, summary ReconcileSummary, now time.Time) EntitlementsResponse {
	resp := EntitlementsResponse{
		UserID:     user.ID,
		AccessTier: string(goentitle.TierFor(user.Entitlements.Pro, now)),
		Entitlements: map[string]EntitlementStatus{
			string(goentitle.ScopePro):      entitlementStatus(user.Entitlements.Pro, now),
			string(goentitle.ScopeProjects): entitlementStatus(user.Entitlements.Projects, now),
		},
		Reconciled: summary,
	}
	for provider, billing := range user.Billing.Providers {
		if billing.ManageURL == "" {
			continue
		}
		if resp.ManageURLs == nil {
			resp.ManageURLs = make(map[string]string)
		}
		resp.ManageURLs[string(provider)] = billing.ManageURL
	}
	return resp
}

func entitlementStatus(e goentitle.Entitlement, now time.Time) EntitlementStatus {
	status := e.Status
	if status == "" {
		status = goentitle.StatusNone
	}
	return EntitlementStatus{
		Status:     string(status),
		ValidUntil: e.ValidUntil,
		Active:     goentitle.IsAccessActiveAt(e, now),
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	// Default error handling
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		h.config.Logger.Debug("failed to write error response",
			goentitle.F("status", statusCode), goentitle.F("error", encodeErr.Error()))
	}
}
