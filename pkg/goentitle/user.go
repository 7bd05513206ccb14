package goentitle

import "time"

// SetEntitlement replaces the entitlement of a scope and recomputes the
// access tier in the same call. It is the only mutator of Entitlements.
// It returns the tier the user had before the change.
func (u *User) SetEntitlement(scope Scope, ent Entitlement, now time.Time) (previous AccessTier) {
	previous = u.AccessTier
	switch scope {
	case ScopePro:
		u.Entitlements.Pro = ent
	case ScopeProjects:
		u.Entitlements.Projects = ent
	}
	u.RefreshAccessTier(now)
	return previous
}

// RefreshAccessTier recomputes the cached access tier from the pro entitlement
func (u *User) RefreshAccessTier(now time.Time) {
	u.AccessTier = TierFor(u.Entitlements.Pro, now)
}

// RecordProviderEvent updates the per-provider billing trail. Empty refs never
// overwrite values learned from earlier events.
func (u *User) RecordProviderEvent(provider Provider, eventID, eventType string, refs ProviderRefs, at time.Time) {
	if u.Billing.Providers == nil {
		u.Billing.Providers = make(map[Provider]ProviderBilling)
	}
	pb := u.Billing.Providers[provider]
	if refs.SubscriptionID != "" {
		pb.SubscriptionID = refs.SubscriptionID
	}
	if refs.SaleID != "" {
		pb.SaleID = refs.SaleID
	}
	if refs.CustomerID != "" {
		pb.CustomerID = refs.CustomerID
	}
	if refs.ManageURL != "" {
		pb.ManageURL = refs.ManageURL
	}
	pb.LastEventID = eventID
	pb.LastEventType = eventType
	pb.LastEventAt = at
	u.Billing.Providers[provider] = pb
}

// MergeEntitlement returns the entitlement that results from applying
// incoming on top of current. Incoming state wins, except that a lifetime
// grant is only taken away by a revoking status (none, refunded, chargeback).
func MergeEntitlement(current, incoming Entitlement) Entitlement {
	if current.Status == StatusLifetime && incoming.Status != StatusLifetime && !incoming.Status.Revokes() {
		return current
	}
	if incoming.Status == StatusLifetime {
		return Entitlement{Status: StatusLifetime}
	}
	return incoming
}

// Clone returns a deep copy of the user
func (u *User) Clone() *User {
	c := *u
	c.Entitlements.Pro = u.Entitlements.Pro.clone()
	c.Entitlements.Projects = u.Entitlements.Projects.clone()
	if u.Billing.Providers != nil {
		c.Billing.Providers = make(map[Provider]ProviderBilling, len(u.Billing.Providers))
		for k, v := range u.Billing.Providers {
			c.Billing.Providers[k] = v
		}
	}
	return &c
}

func (e Entitlement) clone() Entitlement {
	if e.ValidUntil != nil {
		t := *e.ValidUntil
		e.ValidUntil = &t
	}
	return e
}
