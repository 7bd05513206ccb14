package goentitle

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) RecordEvent(ctx context.Context, event *BillingEvent) (bool, error) {
	var duplicate bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		duplicate, e = s.storage.RecordEvent(ctx, event)
		return e
	})
	return duplicate, err
}

func (s *CircuitBreakerStorage) GetEvent(ctx context.Context, provider Provider, eventID string) (*BillingEvent, error) {
	var event *BillingEvent
	err := s.cb.Execute(ctx, func() error {
		var e error
		event, e = s.storage.GetEvent(ctx, provider, eventID)
		return e
	})
	return event, err
}

func (s *CircuitBreakerStorage) TransitionEvent(ctx context.Context, provider Provider, eventID string,
	to ProcessingStatus, userID string) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.TransitionEvent(ctx, provider, eventID, to, userID)
	})
}

func (s *CircuitBreakerStorage) EnqueuePending(ctx context.Context, pending *PendingEntitlement) (bool, error) {
	var duplicate bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		duplicate, e = s.storage.EnqueuePending(ctx, pending)
		return e
	})
	return duplicate, err
}

func (s *CircuitBreakerStorage) ListUnappliedPending(ctx context.Context, email, userID string) (
	[]*PendingEntitlement, error) {
	var entries []*PendingEntitlement
	err := s.cb.Execute(ctx, func() error {
		var e error
		entries, e = s.storage.ListUnappliedPending(ctx, email, userID)
		return e
	})
	return entries, err
}

func (s *CircuitBreakerStorage) MarkPendingApplied(ctx context.Context, keys []PendingKey, userID string,
	at time.Time) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.MarkPendingApplied(ctx, keys, userID, at)
	})
}

func (s *CircuitBreakerStorage) FindByEmail(ctx context.Context, email string) (*User, error) {
	var user *User
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.storage.FindByEmail(ctx, email)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStorage) FindByID(ctx context.Context, id string) (*User, error) {
	var user *User
	err := s.cb.Execute(ctx, func() error {
		var e error
		user, e = s.storage.FindByID(ctx, id)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStorage) Save(ctx context.Context, u *User) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.Save(ctx, u)
	})
}
