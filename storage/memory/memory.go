// Package memory provides an in-memory implementation of the goentitle.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Storage implements goentitle.Storage using in-memory maps
type Storage struct {
	mu sync.RWMutex

	events  map[goentitle.PendingKey]*goentitle.BillingEvent
	pending map[goentitle.PendingKey]*goentitle.PendingEntitlement
	seq     int64

	users   map[string]*goentitle.User
	byEmail map[string]string
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		events:  make(map[goentitle.PendingKey]*goentitle.BillingEvent),
		pending: make(map[goentitle.PendingKey]*goentitle.PendingEntitlement),
		users:   make(map[string]*goentitle.User),
		byEmail: make(map[string]string),
	}
}

// RecordEvent implements goentitle.EventStore
func (s *Storage) RecordEvent(_ context.Context, event *goentitle.BillingEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid billing event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := goentitle.PendingKey{Provider: event.Provider, EventID: event.EventID}
	if _, ok := s.events[key]; ok {
		return true, nil
	}

	// Store a copy to prevent external mutations
	s.events[key] = cloneEvent(event)
	return false, nil
}

// GetEvent implements goentitle.EventStore
func (s *Storage) GetEvent(_ context.Context, provider goentitle.Provider, eventID string) (
	*goentitle.BillingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[goentitle.PendingKey{Provider: provider, EventID: eventID}]
	if !ok {
		return nil, goentitle.ErrEventNotFound
	}
	return cloneEvent(event), nil
}

// TransitionEvent implements goentitle.EventStore
func (s *Storage) TransitionEvent(_ context.Context, provider goentitle.Provider, eventID string,
	to goentitle.ProcessingStatus, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[goentitle.PendingKey{Provider: provider, EventID: eventID}]
	if !ok {
		return goentitle.ErrEventNotFound
	}
	if !event.ProcessingStatus.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", goentitle.ErrInvalidTransition, event.ProcessingStatus, to)
	}

	now := time.Now().UTC()
	event.ProcessingStatus = to
	event.ProcessedAt = &now
	if userID != "" {
		event.UserID = userID
	}
	return nil
}

// EnqueuePending implements goentitle.PendingStore
func (s *Storage) EnqueuePending(_ context.Context, pending *goentitle.PendingEntitlement) (bool, error) {
	if pending == nil || pending.EventID == "" {
		return false, fmt.Errorf("invalid pending entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pending.Key()
	if _, ok := s.pending[key]; ok {
		return true, nil
	}

	s.seq++
	pending.Sequence = s.seq
	s.pending[key] = clonePending(pending)
	return false, nil
}

// ListUnappliedPending implements goentitle.PendingStore
func (s *Storage) ListUnappliedPending(_ context.Context, email, userID string) (
	[]*goentitle.PendingEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*goentitle.PendingEntitlement
	for _, p := range s.pending {
		if p.Applied() {
			continue
		}
		if (email != "" && p.Email == email) || (userID != "" && p.UserIDHint == userID) {
			out = append(out, clonePending(p))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// MarkPendingApplied implements goentitle.PendingStore
func (s *Storage) MarkPendingApplied(_ context.Context, keys []goentitle.PendingKey, userID string,
	at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		p, ok := s.pending[key]
		if !ok || p.Applied() {
			continue
		}
		appliedAt := at
		p.AppliedAt = &appliedAt
		p.AppliedUserID = userID
	}
	return nil
}

// FindByEmail implements goentitle.UserStore
func (s *Storage) FindByEmail(_ context.Context, email string) (*goentitle.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[goentitle.NormalizeEmail(email)]
	if !ok {
		return nil, goentitle.ErrUserNotFound
	}
	return s.users[id].Clone(), nil
}

// FindByID implements goentitle.UserStore
func (s *Storage) FindByID(_ context.Context, id string) (*goentitle.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, goentitle.ErrUserNotFound
	}
	return user.Clone(), nil
}

// Save implements goentitle.UserStore with optimistic version checks
func (s *Storage) Save(_ context.Context, u *goentitle.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	email := goentitle.NormalizeEmail(u.Email)
	if owner, ok := s.byEmail[email]; ok && email != "" && owner != u.ID {
		return goentitle.ErrDuplicateEmail
	}

	existing, exists := s.users[u.ID]
	switch {
	case u.Version == 0 && exists:
		return goentitle.ErrVersionConflict
	case u.Version != 0 && (!exists || existing.Version != u.Version):
		return goentitle.ErrVersionConflict
	}

	if exists {
		delete(s.byEmail, goentitle.NormalizeEmail(existing.Email))
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Version++
	s.users[u.ID] = u.Clone()
	if email != "" {
		s.byEmail[email] = u.ID
	}
	return nil
}

func cloneEvent(e *goentitle.BillingEvent) *goentitle.BillingEvent {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

func clonePending(p *goentitle.PendingEntitlement) *goentitle.PendingEntitlement {
	c := *p
	if p.Entitlement.ValidUntil != nil {
		t := *p.Entitlement.ValidUntil
		c.Entitlement.ValidUntil = &t
	}
	if p.AppliedAt != nil {
		t := *p.AppliedAt
		c.AppliedAt = &t
	}
	return &c
}
