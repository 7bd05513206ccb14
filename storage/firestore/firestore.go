// Package firestore provides a Firestore implementation of the goentitle.Storage interface.
// Event idempotency uses DocumentRef.Create, which fails with AlreadyExists on
// redelivery. Everything that reads before it writes runs in a transaction.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const pendingCounterID = "pending_entitlements"

// Storage implements goentitle.Storage using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	usersCollection    string
	emailsCollection   string
	eventsCollection   string
	pendingCollection  string
	countersCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection for user records
	// Default: "users"
	UsersCollection string

	// EmailsCollection maps normalized emails to user ids and enforces uniqueness
	// Default: "user_emails"
	EmailsCollection string

	// EventsCollection is the Firestore collection for received billing events
	// Default: "billing_events"
	EventsCollection string

	// PendingCollection is the Firestore collection for pending entitlements
	// Default: "pending_entitlements"
	PendingCollection string

	// CountersCollection holds sequence counters
	// Default: "counters"
	CountersCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.EmailsCollection == "" {
		config.EmailsCollection = "user_emails"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_events"
	}
	if config.PendingCollection == "" {
		config.PendingCollection = "pending_entitlements"
	}
	if config.CountersCollection == "" {
		config.CountersCollection = "counters"
	}

	return &Storage{
		client:             client,
		usersCollection:    config.UsersCollection,
		emailsCollection:   config.EmailsCollection,
		eventsCollection:   config.EventsCollection,
		pendingCollection:  config.PendingCollection,
		countersCollection: config.CountersCollection,
	}, nil
}

// keyID builds a document id from provider and event id. Event ids are
// escaped because they may contain "/".
func keyID(provider goentitle.Provider, eventID string) string {
	return string(provider) + "_" + url.PathEscape(eventID)
}

func (s *Storage) eventDoc(provider goentitle.Provider, eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(keyID(provider, eventID))
}

func (s *Storage) pendingDoc(key goentitle.PendingKey) *firestore.DocumentRef {
	return s.client.Collection(s.pendingCollection).Doc(keyID(key.Provider, key.EventID))
}

type eventRecord struct {
	Provider         string     `firestore:"provider"`
	EventID          string     `firestore:"eventId"`
	EventType        string     `firestore:"eventType"`
	EventTypeKnown   bool       `firestore:"eventTypeKnown"`
	Email            string     `firestore:"email"`
	Payload          []byte     `firestore:"payload"`
	ProcessingStatus string     `firestore:"processingStatus"`
	ReceivedAt       time.Time  `firestore:"receivedAt"`
	ProcessedAt      *time.Time `firestore:"processedAt"`
	UserID           string     `firestore:"userId"`
}

// RecordEvent implements goentitle.EventStore
func (s *Storage) RecordEvent(ctx context.Context, event *goentitle.BillingEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid billing event")
	}

	_, err := s.eventDoc(event.Provider, event.EventID).Create(ctx, eventRecord{
		Provider:         string(event.Provider),
		EventID:          event.EventID,
		EventType:        event.EventType,
		EventTypeKnown:   event.EventTypeKnown,
		Email:            event.Email,
		Payload:          event.Payload,
		ProcessingStatus: string(event.ProcessingStatus),
		ReceivedAt:       event.ReceivedAt.UTC(),
		ProcessedAt:      event.ProcessedAt,
		UserID:           event.UserID,
	})
	if status.Code(err) == codes.AlreadyExists {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record billing event: %w", err)
	}
	return false, nil
}

// GetEvent implements goentitle.EventStore
func (s *Storage) GetEvent(ctx context.Context, provider goentitle.Provider, eventID string) (
	*goentitle.BillingEvent, error) {
	snap, err := s.eventDoc(provider, eventID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, goentitle.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing event: %w", err)
	}

	var rec eventRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode billing event: %w", err)
	}
	return &goentitle.BillingEvent{
		Provider:         goentitle.Provider(rec.Provider),
		EventID:          rec.EventID,
		EventType:        rec.EventType,
		EventTypeKnown:   rec.EventTypeKnown,
		Email:            rec.Email,
		Payload:          rec.Payload,
		ProcessingStatus: goentitle.ProcessingStatus(rec.ProcessingStatus),
		ReceivedAt:       rec.ReceivedAt.UTC(),
		ProcessedAt:      rec.ProcessedAt,
		UserID:           rec.UserID,
	}, nil
}

// TransitionEvent implements goentitle.EventStore
func (s *Storage) TransitionEvent(ctx context.Context, provider goentitle.Provider, eventID string,
	to goentitle.ProcessingStatus, userID string) error {
	ref := s.eventDoc(provider, eventID)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return goentitle.ErrEventNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get billing event: %w", err)
		}

		from, err := snap.DataAt("processingStatus")
		if err != nil {
			return fmt.Errorf("failed to read processing status: %w", err)
		}
		current := goentitle.ProcessingStatus(fmt.Sprint(from))
		if !current.CanTransitionTo(to) {
			return fmt.Errorf("%w: %s -> %s", goentitle.ErrInvalidTransition, current, to)
		}

		updates := []firestore.Update{
			{Path: "processingStatus", Value: string(to)},
			{Path: "processedAt", Value: time.Now().UTC()},
		}
		if userID != "" {
			updates = append(updates, firestore.Update{Path: "userId", Value: userID})
		}
		return tx.Update(ref, updates)
	})
}

type pendingRecord struct {
	Provider           string                 `firestore:"provider"`
	EventID            string                 `firestore:"eventId"`
	Sequence           int64                  `firestore:"sequence"`
	EventType          string                 `firestore:"eventType"`
	Scope              string                 `firestore:"scope"`
	Email              string                 `firestore:"email"`
	UserIDHint         string                 `firestore:"userIdHint"`
	Entitlement        goentitle.Entitlement  `firestore:"entitlement"`
	ValidUntilInferred bool                   `firestore:"validUntilInferred"`
	Refs               goentitle.ProviderRefs `firestore:"refs"`
	ReceivedAt         time.Time              `firestore:"receivedAt"`
	AppliedAt          *time.Time             `firestore:"appliedAt"`
	AppliedUserID      string                 `firestore:"appliedUserId"`
}

func (r *pendingRecord) pending() *goentitle.PendingEntitlement {
	return &goentitle.PendingEntitlement{
		Provider:           goentitle.Provider(r.Provider),
		EventID:            r.EventID,
		EventType:          r.EventType,
		Scope:              goentitle.Scope(r.Scope),
		Email:              r.Email,
		UserIDHint:         r.UserIDHint,
		Entitlement:        r.Entitlement,
		ValidUntilInferred: r.ValidUntilInferred,
		Refs:               r.Refs,
		ReceivedAt:         r.ReceivedAt.UTC(),
		Sequence:           r.Sequence,
		AppliedAt:          r.AppliedAt,
		AppliedUserID:      r.AppliedUserID,
	}
}

// EnqueuePending implements goentitle.PendingStore. The counter increment and
// the insert commit together, so sequences have no gaps.
func (s *Storage) EnqueuePending(ctx context.Context, pending *goentitle.PendingEntitlement) (bool, error) {
	if pending == nil || pending.EventID == "" {
		return false, fmt.Errorf("invalid pending entitlement")
	}

	ref := s.pendingDoc(pending.Key())
	counter := s.client.Collection(s.countersCollection).Doc(pendingCounterID)

	var (
		duplicate bool
		sequence  int64
	)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		duplicate = false

		_, err := tx.Get(ref)
		if err == nil {
			duplicate = true
			return nil
		}
		if status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to get pending entitlement: %w", err)
		}

		var seq int64
		snap, err := tx.Get(counter)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return fmt.Errorf("failed to get pending counter: %w", err)
		default:
			if v, ok := snap.Data()["seq"].(int64); ok {
				seq = v
			}
		}
		sequence = seq + 1

		if err := tx.Set(counter, map[string]interface{}{"seq": sequence}); err != nil {
			return err
		}
		return tx.Create(ref, pendingRecord{
			Provider:           string(pending.Provider),
			EventID:            pending.EventID,
			Sequence:           sequence,
			EventType:          pending.EventType,
			Scope:              string(pending.Scope),
			Email:              pending.Email,
			UserIDHint:         pending.UserIDHint,
			Entitlement:        pending.Entitlement,
			ValidUntilInferred: pending.ValidUntilInferred,
			Refs:               pending.Refs,
			ReceivedAt:         pending.ReceivedAt.UTC(),
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue pending entitlement: %w", err)
	}
	if duplicate {
		return true, nil
	}

	pending.Sequence = sequence
	return false, nil
}

// ListUnappliedPending implements goentitle.PendingStore. Email and hint
// matches are fetched with two equality queries and ordered here, which
// avoids composite index requirements.
func (s *Storage) ListUnappliedPending(ctx context.Context, email, userID string) (
	[]*goentitle.PendingEntitlement, error) {
	seen := make(map[goentitle.PendingKey]*goentitle.PendingEntitlement)

	collect := func(field, value string) error {
		if value == "" {
			return nil
		}
		iter := s.client.Collection(s.pendingCollection).
			Where(field, "==", value).
			Where("appliedAt", "==", nil).
			Documents(ctx)
		defer iter.Stop()

		for {
			snap, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to list pending entitlements: %w", err)
			}
			var rec pendingRecord
			if err := snap.DataTo(&rec); err != nil {
				return fmt.Errorf("failed to decode pending entitlement: %w", err)
			}
			p := rec.pending()
			seen[p.Key()] = p
		}
	}

	if err := collect("email", email); err != nil {
		return nil, err
	}
	if err := collect("userIdHint", userID); err != nil {
		return nil, err
	}

	out := make([]*goentitle.PendingEntitlement, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
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
func (s *Storage) MarkPendingApplied(ctx context.Context, keys []goentitle.PendingKey, userID string,
	at time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	refs := make([]*firestore.DocumentRef, 0, len(keys))
	for _, key := range keys {
		refs = append(refs, s.pendingDoc(key))
	}

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return fmt.Errorf("failed to get pending entitlements: %w", err)
		}
		for _, snap := range snaps {
			if !snap.Exists() {
				continue
			}
			if applied, _ := snap.DataAt("appliedAt"); applied != nil {
				continue
			}
			err := tx.Update(snap.Ref, []firestore.Update{
				{Path: "appliedAt", Value: at.UTC()},
				{Path: "appliedUserId", Value: userID},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

type userRecord struct {
	Email        string                               `firestore:"email"`
	Entitlements goentitle.Entitlements               `firestore:"entitlements"`
	Providers    map[string]goentitle.ProviderBilling `firestore:"providers"`
	AccessTier   string                               `firestore:"accessTier"`
	Version      int64                                `firestore:"version"`
	CreatedAt    time.Time                            `firestore:"createdAt"`
	UpdatedAt    time.Time                            `firestore:"updatedAt"`
}

type emailRecord struct {
	UserID string `firestore:"userId"`
}

func (s *Storage) emailDoc(email string) *firestore.DocumentRef {
	return s.client.Collection(s.emailsCollection).Doc(url.PathEscape(email))
}

// FindByEmail implements goentitle.UserStore
func (s *Storage) FindByEmail(ctx context.Context, email string) (*goentitle.User, error) {
	email = goentitle.NormalizeEmail(email)
	if email == "" {
		return nil, goentitle.ErrUserNotFound
	}

	snap, err := s.emailDoc(email).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, goentitle.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email index: %w", err)
	}
	var rec emailRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode email index: %w", err)
	}
	return s.FindByID(ctx, rec.UserID)
}

// FindByID implements goentitle.UserStore
func (s *Storage) FindByID(ctx context.Context, id string) (*goentitle.User, error) {
	if id == "" {
		return nil, goentitle.ErrUserNotFound
	}
	snap, err := s.client.Collection(s.usersCollection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, goentitle.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return decodeUser(snap)
}

func decodeUser(snap *firestore.DocumentSnapshot) (*goentitle.User, error) {
	var rec userRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	u := &goentitle.User{
		ID:           snap.Ref.ID,
		Email:        rec.Email,
		Entitlements: rec.Entitlements,
		AccessTier:   goentitle.AccessTier(rec.AccessTier),
		Version:      rec.Version,
		CreatedAt:    rec.CreatedAt.UTC(),
		UpdatedAt:    rec.UpdatedAt.UTC(),
	}
	if len(rec.Providers) > 0 {
		u.Billing.Providers = make(map[goentitle.Provider]goentitle.ProviderBilling, len(rec.Providers))
		for k, v := range rec.Providers {
			u.Billing.Providers[goentitle.Provider(k)] = v
		}
	}
	return u, nil
}

// Save implements goentitle.UserStore. The version check, the email claim and
// the user write happen in one transaction.
func (s *Storage) Save(ctx context.Context, u *goentitle.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}

	userRef := s.client.Collection(s.usersCollection).Doc(u.ID)
	email := goentitle.NormalizeEmail(u.Email)
	now := time.Now().UTC()

	rec := userRecord{
		Email:        u.Email,
		Entitlements: u.Entitlements,
		AccessTier:   string(u.AccessTier),
		Version:      u.Version + 1,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    now,
	}
	if rec.AccessTier == "" {
		rec.AccessTier = string(goentitle.AccessTierFree)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if len(u.Billing.Providers) > 0 {
		rec.Providers = make(map[string]goentitle.ProviderBilling, len(u.Billing.Providers))
		for k, v := range u.Billing.Providers {
			rec.Providers[string(k)] = v
		}
	}

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		var previousEmail string
		snap, err := tx.Get(userRef)
		switch {
		case status.Code(err) == codes.NotFound:
			if u.Version != 0 {
				return goentitle.ErrVersionConflict
			}
		case err != nil:
			return fmt.Errorf("failed to get user: %w", err)
		default:
			stored, err := decodeUser(snap)
			if err != nil {
				return err
			}
			if u.Version == 0 || stored.Version != u.Version {
				return goentitle.ErrVersionConflict
			}
			previousEmail = goentitle.NormalizeEmail(stored.Email)
		}

		var claim *firestore.DocumentRef
		if email != "" {
			claim = s.emailDoc(email)
			claimSnap, err := tx.Get(claim)
			if err != nil && status.Code(err) != codes.NotFound {
				return fmt.Errorf("failed to get email index: %w", err)
			}
			if err == nil {
				var owner emailRecord
				if err := claimSnap.DataTo(&owner); err != nil {
					return fmt.Errorf("failed to decode email index: %w", err)
				}
				if owner.UserID != u.ID {
					return goentitle.ErrDuplicateEmail
				}
			}
		}

		if previousEmail != "" && previousEmail != email {
			if err := tx.Delete(s.emailDoc(previousEmail)); err != nil {
				return err
			}
		}
		if claim != nil {
			if err := tx.Set(claim, emailRecord{UserID: u.ID}); err != nil {
				return err
			}
		}
		return tx.Set(userRef, rec)
	})
	if err != nil {
		if errors.Is(err, goentitle.ErrVersionConflict) || errors.Is(err, goentitle.ErrDuplicateEmail) {
			return err
		}
		return fmt.Errorf("failed to save user: %w", err)
	}

	u.Version = rec.Version
	u.CreatedAt = rec.CreatedAt
	u.UpdatedAt = now
	return nil
}
