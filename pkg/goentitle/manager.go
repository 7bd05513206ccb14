package goentitle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxSaveRetries      = 3
	defaultLockTTL             = 30 * time.Second
	defaultExternalCallTimeout = 2 * time.Second
	defaultReconcileTimeout    = 10 * time.Second
)

// ManageURLResolver looks up a customer self-service URL at the provider.
// It is called with a bounded context and its failures are never fatal.
type ManageURLResolver func(ctx context.Context, provider Provider, refs ProviderRefs) (string, error)

// Config holds manager configuration
type Config struct {
	// Metrics is used for tracking resolver activity (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Locker serializes reconciliation of one user across processes (optional).
	// Without it only in-process triggers are coalesced.
	Locker Locker

	// LockTTL bounds how long a reconciliation lock is held (default: 30 seconds)
	LockTTL time.Duration

	// MaxSaveRetries is how many times a user write is retried after a
	// version conflict (default: 3)
	MaxSaveRetries int

	// ManageURLResolver is an optional hook for fetching the provider manage URL
	ManageURLResolver ManageURLResolver

	// ExternalCallTimeout bounds every external call made while resolving (default: 2 seconds)
	ExternalCallTimeout time.Duration

	// ReconcileTimeout bounds one shared reconciliation run. The run outlives
	// a caller that gives up, so other callers waiting on it still get a result
	// (default: 10 seconds)
	ReconcileTimeout time.Duration

	// CircuitBreakerConfig wraps storage with a circuit breaker when enabled
	CircuitBreakerConfig *CircuitBreakerConfig

	// Now overrides the clock (tests)
	Now func() time.Time
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// ResolveResult is the outcome of applying one normalized event
type ResolveResult struct {
	UserFound      bool
	UserID         string
	PendingCreated bool
	AccessTier     AccessTier
}

// Manager applies normalized billing events to users and drains pending
// entitlements once a user becomes resolvable.
type Manager struct {
	storage Storage
	config  Config
	metrics Metrics
	logger  Logger
	group   singleflight.Group
}

// NewManager creates a new entitlement manager with the given storage and configuration
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaultLockTTL
	}
	if config.MaxSaveRetries <= 0 {
		config.MaxSaveRetries = defaultMaxSaveRetries
	}
	if config.ExternalCallTimeout <= 0 {
		config.ExternalCallTimeout = defaultExternalCallTimeout
	}
	if config.ReconcileTimeout <= 0 {
		config.ReconcileTimeout = defaultReconcileTimeout
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		threshold := cbc.FailureThreshold
		if threshold <= 0 {
			threshold = 5
		}
		timeout := cbc.ResetTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		metrics := config.Metrics
		cb := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
		})
		storage = NewCircuitBreakerStorage(storage, cb)
	}

	return &Manager{
		storage: storage,
		config:  config,
		metrics: config.Metrics,
		logger:  config.Logger,
	}, nil
}

// Storage returns the storage the manager writes through
func (m *Manager) Storage() Storage {
	return m.storage
}

// GetUser returns a user by id
func (m *Manager) GetUser(ctx context.Context, userID string) (*User, error) {
	return m.storage.FindByID(ctx, userID)
}

// AccessTier evaluates the user's access at the current time. Unlike the
// tier stored on the user it accounts for a ValidUntil that has passed.
func (m *Manager) AccessTier(ctx context.Context, userID string) (AccessTier, error) {
	user, err := m.storage.FindByID(ctx, userID)
	if err != nil {
		return AccessTierFree, err
	}
	return TierFor(user.Entitlements.Pro, m.config.Now()), nil
}

// Resolve applies a normalized event that has just been recorded in the
// event store. If the user exists the entitlement is merged and the event is
// marked processed; otherwise the change is queued as a pending entitlement
// and the event is marked pending_user. A missing user is not an error.
func (m *Manager) Resolve(ctx context.Context, provider Provider, event *NormalizedEvent) (*ResolveResult, error) {
	if event == nil || strings.TrimSpace(event.EventID) == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrInvalidEvent)
	}
	if event.Email == "" && event.UserIDHint == "" {
		return nil, fmt.Errorf("%w: email or user id hint is required", ErrInvalidEvent)
	}
	scope := event.Scope
	if !scope.Valid() {
		scope = ScopePro
	}
	now := m.config.Now()

	user, err := m.findUser(ctx, event)
	if err != nil {
		m.metrics.RecordResolve(provider, scope, "error")
		return nil, err
	}

	if user == nil {
		return m.deferEvent(ctx, provider, scope, event, now)
	}

	refs := m.resolveManageURL(ctx, provider, event.Refs)
	user, err = m.applyToUser(ctx, user, entitlementChange{
		provider:  provider,
		eventID:   event.EventID,
		eventType: event.EventType,
		known:     event.EventTypeKnown,
		scope:     scope,
		ent:       event.Entitlement,
		refs:      refs,
		at:        now,
	})
	if err != nil {
		m.metrics.RecordResolve(provider, scope, "error")
		return nil, err
	}
	if event.EventTypeKnown {
		if err := m.supersedePending(ctx, user, scope, event.EventID, now); err != nil {
			m.metrics.RecordResolve(provider, scope, "error")
			return nil, err
		}
	}

	status := ProcessingProcessed
	outcome := "applied"
	if !event.EventTypeKnown {
		status = ProcessingProcessedUnknownType
		outcome = "unknown_type"
		m.logger.Warn("billing event with unknown type matched to user, entitlement left unchanged",
			F("provider", provider), F("event_id", event.EventID), F("event_type", event.EventType),
			F("user_id", user.ID))
	}
	if err := m.transitionEvent(ctx, provider, event.EventID, status, user.ID); err != nil {
		m.metrics.RecordResolve(provider, scope, "error")
		return nil, fmt.Errorf("failed to mark event %s: %w", status, err)
	}

	m.metrics.RecordResolve(provider, scope, outcome)
	m.logger.Info("billing event applied",
		F("provider", provider), F("event_id", event.EventID), F("user_id", user.ID),
		F("scope", scope), F("status", event.Entitlement.Status), F("access_tier", user.AccessTier))

	return &ResolveResult{
		UserFound:  true,
		UserID:     user.ID,
		AccessTier: user.AccessTier,
	}, nil
}

// deferEvent queues the change for a user that does not exist yet
func (m *Manager) deferEvent(
	ctx context.Context, provider Provider, scope Scope, event *NormalizedEvent, now time.Time,
) (*ResolveResult, error) {
	if !event.EventTypeKnown {
		// Nothing to apply later; the event stays received_unknown_type for review.
		m.metrics.RecordResolve(provider, scope, "unknown_type")
		m.logger.Warn("billing event with unknown type for unresolved user",
			F("provider", provider), F("event_id", event.EventID), F("event_type", event.EventType),
			F("email", event.Email))
		return &ResolveResult{UserFound: false}, nil
	}

	pending := &PendingEntitlement{
		Provider:           provider,
		EventID:            event.EventID,
		EventType:          event.EventType,
		Scope:              scope,
		Email:              NormalizeEmail(event.Email),
		UserIDHint:         strings.TrimSpace(event.UserIDHint),
		Entitlement:        event.Entitlement,
		ValidUntilInferred: event.ValidUntilInferred,
		Refs:               event.Refs,
		ReceivedAt:         now,
	}
	duplicate, err := m.storage.EnqueuePending(ctx, pending)
	if err != nil {
		m.metrics.RecordResolve(provider, scope, "error")
		return nil, fmt.Errorf("failed to enqueue pending entitlement: %w", err)
	}
	if err := m.transitionEvent(ctx, provider, event.EventID, ProcessingPendingUser, ""); err != nil {
		m.metrics.RecordResolve(provider, scope, "error")
		return nil, fmt.Errorf("failed to mark event pending_user: %w", err)
	}

	m.metrics.RecordResolve(provider, scope, "pending")
	m.logger.Info("billing event deferred until user exists",
		F("provider", provider), F("event_id", event.EventID), F("email", pending.Email),
		F("user_id_hint", pending.UserIDHint), F("duplicate_pending", duplicate))

	return &ResolveResult{UserFound: false, PendingCreated: !duplicate}, nil
}

// transitionEvent moves the event to its final status. A concurrent
// redelivery may have resolved the same event first; reaching the same
// status that way is not an error.
func (m *Manager) transitionEvent(
	ctx context.Context, provider Provider, eventID string, to ProcessingStatus, userID string,
) error {
	err := m.storage.TransitionEvent(ctx, provider, eventID, to, userID)
	if !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	stored, getErr := m.storage.GetEvent(ctx, provider, eventID)
	if getErr == nil && stored.ProcessingStatus == to {
		return nil
	}
	return err
}

// supersedePending consumes the unapplied pending entries of a scope that a
// directly applied event has overtaken. Without this a later reconcile would
// roll the user back to the older state.
func (m *Manager) supersedePending(ctx context.Context, user *User, scope Scope, eventID string, at time.Time) error {
	pending, err := m.storage.ListUnappliedPending(ctx, NormalizeEmail(user.Email), user.ID)
	if err != nil {
		return fmt.Errorf("failed to list pending entitlements: %w", err)
	}

	var keys []PendingKey
	for _, p := range pending {
		if p.Scope != scope || p.ReceivedAt.After(at) {
			continue
		}
		if p.UserIDHint != "" && p.UserIDHint != user.ID {
			continue
		}
		keys = append(keys, p.Key())
	}
	if len(keys) == 0 {
		return nil
	}

	if err := m.storage.MarkPendingApplied(ctx, keys, user.ID, at); err != nil {
		return fmt.Errorf("failed to mark superseded pending entitlements: %w", err)
	}
	m.logger.Info("pending entitlements superseded by newer event",
		F("user_id", user.ID), F("scope", scope), F("event_id", eventID), F("consumed", len(keys)))
	return nil
}

// findUser resolves the event's user. A user-id hint is binding: when present
// the user is looked up by id only, never by email.
func (m *Manager) findUser(ctx context.Context, event *NormalizedEvent) (*User, error) {
	var (
		user *User
		err  error
	)
	if hint := strings.TrimSpace(event.UserIDHint); hint != "" {
		user, err = m.storage.FindByID(ctx, hint)
	} else {
		user, err = m.storage.FindByEmail(ctx, NormalizeEmail(event.Email))
	}
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// entitlementChange is one entitlement update, from a live event or a pending entry
type entitlementChange struct {
	provider  Provider
	eventID   string
	eventType string
	known     bool
	scope     Scope
	ent       Entitlement
	refs      ProviderRefs
	at        time.Time
}

// applyToUser merges the change into the user and persists it, re-reading
// the user and retrying when a concurrent writer bumped its version.
func (m *Manager) applyToUser(ctx context.Context, user *User, change entitlementChange) (*User, error) {
	for attempt := 0; ; attempt++ {
		now := m.config.Now()
		previous := user.AccessTier
		if change.known {
			merged := MergeEntitlement(user.Entitlements.Get(change.scope), change.ent)
			user.SetEntitlement(change.scope, merged, now)
		} else {
			user.RefreshAccessTier(now)
		}
		user.RecordProviderEvent(change.provider, change.eventID, change.eventType, change.refs, change.at)
		user.UpdatedAt = now

		start := time.Now()
		err := m.storage.Save(ctx, user)
		m.metrics.RecordStorageOperation("save_user", time.Since(start), err)
		if err == nil {
			if previous != user.AccessTier {
				m.metrics.RecordTierChange(previous, user.AccessTier)
			}
			return user, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= m.config.MaxSaveRetries {
			return nil, fmt.Errorf("failed to save user: %w", err)
		}

		m.logger.Debug("user version conflict, retrying",
			F("user_id", user.ID), F("attempt", attempt+1))
		fresh, err := m.storage.FindByID(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload user: %w", err)
		}
		user = fresh
	}
}

// resolveManageURL fills in the manage URL through the optional hook. The
// call is bounded and runs after the event store write, so it can only
// delay, never block, ingestion.
func (m *Manager) resolveManageURL(ctx context.Context, provider Provider, refs ProviderRefs) ProviderRefs {
	if refs.ManageURL != "" || m.config.ManageURLResolver == nil {
		return refs
	}
	callCtx, cancel := context.WithTimeout(ctx, m.config.ExternalCallTimeout)
	defer cancel()

	url, err := m.config.ManageURLResolver(callCtx, provider, refs)
	if err != nil {
		m.logger.Warn("manage url lookup failed", F("provider", provider), F("error", err.Error()))
		return refs
	}
	refs.ManageURL = url
	return refs
}
