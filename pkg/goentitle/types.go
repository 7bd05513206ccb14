package goentitle

import (
	"strings"
	"time"
)

// Provider identifies a payment provider that delivers billing webhooks
type Provider string

const (
	ProviderGumroad      Provider = "gumroad"
	ProviderLemonSqueezy Provider = "lemonsqueezy"
	ProviderStripe       Provider = "stripe"
	ProviderPaddle       Provider = "paddle"
	ProviderRevenueCat   Provider = "revenuecat"
)

// Scope is the product line an entitlement applies to
type Scope string

const (
	// ScopePro is the main subscription product and drives the access tier
	ScopePro Scope = "pro"
	// ScopeProjects is the separately sold projects product line
	ScopeProjects Scope = "projects"
)

// Valid reports whether s is a known scope
func (s Scope) Valid() bool {
	return s == ScopePro || s == ScopeProjects
}

// Status is the lifecycle state of an entitlement
type Status string

const (
	StatusNone       Status = "none"
	StatusActive     Status = "active"
	StatusLifetime   Status = "lifetime"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
	StatusRefunded   Status = "refunded"
	StatusChargeback Status = "chargeback"
)

// Revokes reports whether the status takes access away regardless of any
// previous lifetime grant.
func (s Status) Revokes() bool {
	switch s {
	case StatusNone, StatusRefunded, StatusChargeback:
		return true
	}
	return false
}

// AccessTier is the derived premium/free flag cached on the user record
type AccessTier string

const (
	AccessTierFree    AccessTier = "free"
	AccessTierPremium AccessTier = "premium"
)

// Entitlement is the per-scope state of a user's paid access.
// ValidUntil is nil for open-ended access (lifetime, or active with no known end).
type Entitlement struct {
	Status     Status     `json:"status" bson:"status" firestore:"status"`
	ValidUntil *time.Time `json:"validUntil" bson:"validUntil" firestore:"validUntil"`
}

// Entitlements holds the current entitlement of each scope
type Entitlements struct {
	Pro      Entitlement `json:"pro" bson:"pro" firestore:"pro"`
	Projects Entitlement `json:"projects" bson:"projects" firestore:"projects"`
}

// Get returns the entitlement for a scope. Unknown scopes read as StatusNone.
func (e Entitlements) Get(scope Scope) Entitlement {
	switch scope {
	case ScopePro:
		return e.Pro
	case ScopeProjects:
		return e.Projects
	}
	return Entitlement{Status: StatusNone}
}

// ProviderRefs are the provider-side identifiers carried by an event
type ProviderRefs struct {
	SaleID         string `json:"saleId,omitempty" bson:"saleId,omitempty" firestore:"saleId,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty" bson:"subscriptionId,omitempty" firestore:"subscriptionId,omitempty"`
	CustomerID     string `json:"customerId,omitempty" bson:"customerId,omitempty" firestore:"customerId,omitempty"`
	ManageURL      string `json:"manageUrl,omitempty" bson:"manageUrl,omitempty" firestore:"manageUrl,omitempty"`
}

// ProviderBilling is the per-provider audit trail kept on the user record.
// It is never consulted when deciding access.
type ProviderBilling struct {
	SubscriptionID string    `json:"subscriptionId,omitempty" bson:"subscriptionId,omitempty" firestore:"subscriptionId,omitempty"`
	SaleID         string    `json:"saleId,omitempty" bson:"saleId,omitempty" firestore:"saleId,omitempty"`
	CustomerID     string    `json:"customerId,omitempty" bson:"customerId,omitempty" firestore:"customerId,omitempty"`
	ManageURL      string    `json:"manageUrl,omitempty" bson:"manageUrl,omitempty" firestore:"manageUrl,omitempty"`
	LastEventID    string    `json:"lastEventId,omitempty" bson:"lastEventId,omitempty" firestore:"lastEventId,omitempty"`
	LastEventType  string    `json:"lastEventType,omitempty" bson:"lastEventType,omitempty" firestore:"lastEventType,omitempty"`
	LastEventAt    time.Time `json:"lastEventAt" bson:"lastEventAt" firestore:"lastEventAt"`
}

// Billing groups provider metadata on the user record
type Billing struct {
	Providers map[Provider]ProviderBilling `json:"providers" bson:"providers" firestore:"providers"`
}

// User is the slice of the account record owned by this engine.
// Entitlements may only be changed through SetEntitlement so that AccessTier
// is recomputed on the same write.
type User struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	Entitlements Entitlements `json:"entitlements"`
	Billing      Billing      `json:"billing"`
	AccessTier   AccessTier   `json:"accessTier"`

	// Version is the optimistic concurrency token checked by UserStore.Save.
	// Zero means the user has never been persisted.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BillingEvent is the audit record of one received webhook
type BillingEvent struct {
	Provider         Provider
	EventID          string
	EventType        string
	EventTypeKnown   bool
	Email            string
	Payload          []byte
	ProcessingStatus ProcessingStatus
	ReceivedAt       time.Time
	ProcessedAt      *time.Time
	UserID           string
}

// PendingKey identifies a pending entitlement
type PendingKey struct {
	Provider Provider
	EventID  string
}

// PendingEntitlement is an entitlement change waiting for a resolvable user
type PendingEntitlement struct {
	Provider           Provider
	EventID            string
	EventType          string
	Scope              Scope
	Email              string
	UserIDHint         string
	Entitlement        Entitlement
	ValidUntilInferred bool
	Refs               ProviderRefs
	ReceivedAt         time.Time

	// Sequence is assigned by the store on insert and breaks ReceivedAt ties
	Sequence int64

	AppliedAt     *time.Time
	AppliedUserID string
}

// Key returns the idempotency key of the pending entitlement
func (p *PendingEntitlement) Key() PendingKey {
	return PendingKey{Provider: p.Provider, EventID: p.EventID}
}

// Applied reports whether the entry has already been consumed
func (p *PendingEntitlement) Applied() bool {
	return p.AppliedAt != nil
}

// NormalizedEvent is the provider-agnostic form of a webhook payload
type NormalizedEvent struct {
	EventID        string
	EventType      string
	EventTypeKnown bool
	Email          string

	// UserIDHint is the internal user id passed through checkout metadata.
	// When set it must match the user the entitlement is applied to.
	UserIDHint string

	Entitlement Entitlement
	Scope       Scope
	Refs        ProviderRefs

	// ValidUntilInferred is true when ValidUntil was not present in the
	// payload and was chosen by policy (fail-closed cancellation).
	ValidUntilInferred bool

	OccurredAt time.Time
}

// NormalizeEmail lowercases and trims an email address for matching
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
