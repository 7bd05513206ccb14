package goentitle

import "errors"

var (
	// ErrUserNotFound is returned by a UserStore when no user matches
	ErrUserNotFound = errors.New("user not found")

	// ErrEventNotFound is returned when a billing event does not exist
	ErrEventNotFound = errors.New("billing event not found")

	// ErrInvalidTransition is returned for a processing status move the state machine forbids
	ErrInvalidTransition = errors.New("invalid processing status transition")

	// ErrVersionConflict is returned by UserStore.Save when the stored user changed since it was read
	ErrVersionConflict = errors.New("user version conflict")

	// ErrDuplicateEmail is returned when creating a user whose email is taken
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrLockHeld is returned by a Locker when another holder owns the key
	ErrLockHeld = errors.New("lock held by another owner")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidEvent is returned when a normalized event lacks required fields
	ErrInvalidEvent = errors.New("invalid normalized event")
)
