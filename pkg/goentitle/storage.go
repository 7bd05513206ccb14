package goentitle

import (
	"context"
	"time"
)

// EventStore records billing events exactly once per (provider, eventID).
// Uniqueness must be enforced by the backend (unique index or equivalent),
// never by application-level locking.
type EventStore interface {
	// RecordEvent inserts the event. If an event with the same provider and
	// event id already exists it returns duplicate=true and changes nothing.
	RecordEvent(ctx context.Context, event *BillingEvent) (duplicate bool, err error)

	// GetEvent returns the stored event or ErrEventNotFound
	GetEvent(ctx context.Context, provider Provider, eventID string) (*BillingEvent, error)

	// TransitionEvent moves the event to status `to`, recording userID when
	// non-empty. Returns ErrInvalidTransition if the current status does not
	// allow the move, ErrEventNotFound if the event does not exist.
	TransitionEvent(ctx context.Context, provider Provider, eventID string, to ProcessingStatus, userID string) error
}

// PendingStore holds entitlement changes whose user could not be resolved
type PendingStore interface {
	// EnqueuePending inserts the entry, assigning its Sequence. A second
	// insert for the same (provider, eventID) returns duplicate=true.
	EnqueuePending(ctx context.Context, pending *PendingEntitlement) (duplicate bool, err error)

	// ListUnappliedPending returns entries with AppliedAt unset whose email
	// equals email or whose UserIDHint equals userID, ordered by ReceivedAt
	// then Sequence ascending. Empty arguments match nothing.
	ListUnappliedPending(ctx context.Context, email, userID string) ([]*PendingEntitlement, error)

	// MarkPendingApplied sets AppliedAt and AppliedUserID on each entry that
	// is still unapplied. Entries already applied are left untouched.
	MarkPendingApplied(ctx context.Context, keys []PendingKey, userID string, at time.Time) error
}

// UserStore is the user directory collaborator
type UserStore interface {
	// FindByEmail returns the user with the normalized email or ErrUserNotFound
	FindByEmail(ctx context.Context, email string) (*User, error)

	// FindByID returns the user or ErrUserNotFound
	FindByID(ctx context.Context, id string) (*User, error)

	// Save persists the user. A user with Version 0 is created (ErrDuplicateEmail
	// if the email is taken); otherwise the write only succeeds when the stored
	// version equals u.Version, else ErrVersionConflict. On success u.Version is
	// incremented.
	Save(ctx context.Context, u *User) error
}

// Storage is the full persistence surface used by the Manager
type Storage interface {
	EventStore
	PendingStore
	UserStore
}

// Locker serializes work on a key across processes
type Locker interface {
	// Lock acquires key for at most ttl. It returns ErrLockHeld when another
	// owner holds it. The returned unlock func releases only this owner's lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, err error)
}
