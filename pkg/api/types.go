package api

import "time"

// EntitlementsResponse is the entitlement state of the authenticated user
type EntitlementsResponse struct {
	UserID       string                       `json:"user_id"`
	AccessTier   string                       `json:"access_tier"`
	Entitlements map[string]EntitlementStatus `json:"entitlements"`
	ManageURLs   map[string]string            `json:"manage_urls,omitempty"`
	Reconciled   ReconcileSummary             `json:"reconciled"`
}

// EntitlementStatus is one scope of the user's entitlements
type EntitlementStatus struct {
	Status     string     `json:"status"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Active     bool       `json:"active"`
}

// ReconcileSummary reports what the reconciliation run on this request did
type ReconcileSummary struct {
	Applied bool `json:"applied"`

	// Count is the number of pending entries consumed
	Count int `json:"count"`

	// Skipped is set when another process held the user's lock
	Skipped bool `json:"skipped,omitempty"`
}
