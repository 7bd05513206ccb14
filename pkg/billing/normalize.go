package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// DeriveEventID is the last link of every event id fallback chain: a stable
// id computed from the exact raw bytes, so a redelivered body deduplicates.
func DeriveEventID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// FirstNonEmpty returns the first argument that is not blank
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Flags are payload markers that override the event type
type Flags struct {
	// Refunded is set when the payload says the sale was refunded
	Refunded bool
	// Chargeback is set for disputed or charged-back sales
	Chargeback bool
	// Lifetime is set for one-time purchases of a lifetime product
	Lifetime bool
}

var (
	reactivationKeywords = []string{"uncancel", "unpause", "resume", "restart", "reactivat"}
	expiryKeywords       = []string{"expir", "ended", "deleted"}
	activeKeywords       = []string{
		"sale", "purchase", "created", "renew", "payment_success", "succeeded",
		"paid", "updated", "completed", "activated", "recovered",
	}
)

// ClassifyStatus maps a provider event type and payload flags to an
// entitlement status. Rules are evaluated in order and the first match wins.
// known is false when no rule matched; such events never change entitlements.
func ClassifyStatus(eventType string, flags Flags) (status goentitle.Status, known bool) {
	t := strings.ToLower(eventType)

	switch {
	case flags.Refunded || flags.Chargeback:
		return goentitle.StatusNone, true
	case strings.Contains(t, "refund"):
		return goentitle.StatusRefunded, true
	case strings.Contains(t, "chargeback"), strings.Contains(t, "dispute"):
		return goentitle.StatusChargeback, true
	case containsAny(t, reactivationKeywords):
		// "uncancelled" must not fall through to the cancel rule.
		return activeOrLifetime(flags), true
	case strings.Contains(t, "cancel"):
		return goentitle.StatusCancelled, true
	case containsAny(t, expiryKeywords):
		return goentitle.StatusExpired, true
	case flags.Lifetime:
		return goentitle.StatusLifetime, true
	case containsAny(t, activeKeywords):
		return goentitle.StatusActive, true
	}
	return "", false
}

func activeOrLifetime(flags Flags) goentitle.Status {
	if flags.Lifetime {
		return goentitle.StatusLifetime
	}
	return goentitle.StatusActive
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// BuildEntitlement pairs a status with its end date. Lifetime never carries
// an end date. A cancellation without an explicit end date fails closed:
// access ends now and inferred is true.
func BuildEntitlement(status goentitle.Status, end *time.Time, now time.Time) (ent goentitle.Entitlement, inferred bool) {
	switch status {
	case goentitle.StatusLifetime:
		return goentitle.Entitlement{Status: status}, false
	case goentitle.StatusCancelled:
		if end == nil {
			n := now.UTC()
			return goentitle.Entitlement{Status: status, ValidUntil: &n}, true
		}
	case goentitle.StatusNone, goentitle.StatusRefunded, goentitle.StatusChargeback:
		return goentitle.Entitlement{Status: status}, false
	}
	return goentitle.Entitlement{Status: status, ValidUntil: end}, false
}

// FirstTime returns the first non-nil time
func FirstTime(times ...*time.Time) *time.Time {
	for _, t := range times {
		if t != nil {
			return t
		}
	}
	return nil
}

// Event is the classification input shared by all adapters
type Event struct {
	EventID    string
	EventType  string
	Email      string
	UserIDHint string
	Flags      Flags
	End        *time.Time
	Scope      goentitle.Scope
	Refs       goentitle.ProviderRefs
	OccurredAt *time.Time
}

// Build classifies e and returns the normalized event, enforcing the
// identity rules: an event id is always present (falling back to a hash of
// raw) and either an email or a user id hint is required.
func (c Config) Build(e Event, raw []byte) (*goentitle.NormalizedEvent, error) {
	c = c.WithDefaults()
	now := c.Now()

	id := FirstNonEmpty(e.EventID)
	if id == "" {
		if len(raw) == 0 {
			return nil, ErrMissingEventID
		}
		id = DeriveEventID(raw)
	}

	email := goentitle.NormalizeEmail(e.Email)
	hint := strings.TrimSpace(e.UserIDHint)
	if email == "" && hint == "" {
		return nil, ErrMissingIdentity
	}

	scope := e.Scope
	if !scope.Valid() {
		scope = goentitle.ScopePro
	}

	ev := &goentitle.NormalizedEvent{
		EventID:    id,
		EventType:  e.EventType,
		Email:      email,
		UserIDHint: hint,
		Scope:      scope,
		Refs:       e.Refs,
		OccurredAt: now,
	}
	if e.OccurredAt != nil {
		ev.OccurredAt = *e.OccurredAt
	}

	status, known := ClassifyStatus(e.EventType, e.Flags)
	ev.EventTypeKnown = known
	if known {
		ev.Entitlement, ev.ValidUntilInferred = BuildEntitlement(status, e.End, now)
	}
	return ev, nil
}
