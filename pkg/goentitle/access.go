package goentitle

import "time"

// IsAccessActive reports whether the entitlement grants access right now.
//
// Access is granted for active, lifetime and cancelled entitlements whose
// ValidUntil is unset or still in the future. A cancelled subscription keeps
// access until the end of the paid period.
//
// This is the only place access is decided; everything else derives from it.
func IsAccessActive(e Entitlement) bool {
	return IsAccessActiveAt(e, time.Now())
}

// IsAccessActiveAt is IsAccessActive evaluated at a fixed instant
func IsAccessActiveAt(e Entitlement, now time.Time) bool {
	switch e.Status {
	case StatusActive, StatusLifetime, StatusCancelled:
	default:
		return false
	}
	if e.ValidUntil == nil {
		return true
	}
	return e.ValidUntil.After(now)
}

// TierFor derives the access tier from the pro entitlement
func TierFor(pro Entitlement, now time.Time) AccessTier {
	if IsAccessActiveAt(pro, now) {
		return AccessTierPremium
	}
	return AccessTierFree
}
