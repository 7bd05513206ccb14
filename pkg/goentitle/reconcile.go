package goentitle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReconcileResult summarizes one reconciliation run
type ReconcileResult struct {
	// Applied is true when at least one scope was updated
	Applied bool
	// AppliedCount is the number of scopes updated
	AppliedCount int
	// MarkedCount is the number of pending entries marked applied
	MarkedCount int
	// Skipped is true when another process held the user's reconciliation lock
	Skipped bool
	// AccessTier is the user's tier after the run
	AccessTier AccessTier
}

// ReconcileForUser applies every unapplied pending entitlement matching the
// user's email or id. Concurrent calls for the same user share one run,
// which is not cancelled when the caller that started it goes away.
// Calling it when nothing is pending is a no-op, so it is safe to call on
// every login or identity sync.
func (m *Manager) ReconcileForUser(ctx context.Context, userID string) (*ReconcileResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidEvent)
	}
	ch := m.group.DoChan(userID, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.ReconcileTimeout)
		defer cancel()
		return m.reconcileLocked(runCtx, userID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// Each caller gets its own copy of the shared result.
		result := *(res.Val.(*ReconcileResult))
		return &result, nil
	}
}

// ReconcileUser is ReconcileForUser for a user the caller already loaded.
// The user is re-read under the lock, so a stale copy is harmless.
func (m *Manager) ReconcileUser(ctx context.Context, user *User) (*ReconcileResult, error) {
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidEvent)
	}
	return m.ReconcileForUser(ctx, user.ID)
}

func (m *Manager) reconcileLocked(ctx context.Context, userID string) (*ReconcileResult, error) {
	start := time.Now()

	if m.config.Locker != nil {
		unlock, err := m.config.Locker.Lock(ctx, "reconcile:"+userID, m.config.LockTTL)
		if errors.Is(err, ErrLockHeld) {
			m.metrics.RecordReconciliation("skipped", time.Since(start))
			m.logger.Debug("reconciliation already running elsewhere", F("user_id", userID))
			return &ReconcileResult{Skipped: true}, nil
		}
		if err != nil {
			m.metrics.RecordReconciliation("error", time.Since(start))
			return nil, fmt.Errorf("failed to acquire reconciliation lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("failed to release reconciliation lock",
					F("user_id", userID), F("error", err.Error()))
			}
		}()
	}

	user, err := m.storage.FindByID(ctx, userID)
	if err != nil {
		m.metrics.RecordReconciliation("error", time.Since(start))
		return nil, fmt.Errorf("failed to load user for reconciliation: %w", err)
	}

	result, err := m.reconcile(ctx, user)
	outcome := "noop"
	switch {
	case err != nil:
		outcome = "error"
	case result.Applied:
		outcome = "applied"
	}
	m.metrics.RecordReconciliation(outcome, time.Since(start))
	return result, err
}

// reconcile drains the pending entries of a loaded user. Entries are grouped
// by scope; within a scope the latest eligible entry is applied and every
// eligible entry is marked consumed. Entries bound to a different user via
// their hint are left untouched.
func (m *Manager) reconcile(ctx context.Context, user *User) (*ReconcileResult, error) {
	pending, err := m.storage.ListUnappliedPending(ctx, NormalizeEmail(user.Email), user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entitlements: %w", err)
	}

	result := &ReconcileResult{AccessTier: user.AccessTier}
	if len(pending) == 0 {
		return result, nil
	}

	var (
		scopes  []Scope
		byScope = make(map[Scope][]*PendingEntitlement)
	)
	for _, p := range pending {
		if p.UserIDHint != "" && p.UserIDHint != user.ID {
			m.logger.Warn("pending entitlement bound to another user, skipping",
				F("provider", p.Provider), F("event_id", p.EventID),
				F("user_id", user.ID), F("user_id_hint", p.UserIDHint))
			continue
		}
		if _, ok := byScope[p.Scope]; !ok {
			scopes = append(scopes, p.Scope)
		}
		byScope[p.Scope] = append(byScope[p.Scope], p)
	}

	for _, scope := range scopes {
		eligible := byScope[scope]
		// Store order is (ReceivedAt, Sequence), so the last entry is the latest.
		latest := eligible[len(eligible)-1]

		user, err = m.applyToUser(ctx, user, entitlementChange{
			provider:  latest.Provider,
			eventID:   latest.EventID,
			eventType: latest.EventType,
			known:     true,
			scope:     scope,
			ent:       latest.Entitlement,
			refs:      latest.Refs,
			at:        latest.ReceivedAt,
		})
		if err != nil {
			return nil, err
		}

		keys := make([]PendingKey, 0, len(eligible))
		for _, p := range eligible {
			keys = append(keys, p.Key())
		}
		if err := m.storage.MarkPendingApplied(ctx, keys, user.ID, m.config.Now()); err != nil {
			return nil, fmt.Errorf("failed to mark pending entitlements applied: %w", err)
		}

		m.metrics.RecordPendingApplied(latest.Provider, scope, len(keys))
		m.logger.Info("pending entitlements applied",
			F("user_id", user.ID), F("scope", scope), F("event_id", latest.EventID),
			F("status", latest.Entitlement.Status), F("consumed", len(keys)))

		result.AppliedCount++
		result.MarkedCount += len(keys)
	}

	result.Applied = result.AppliedCount > 0
	result.AccessTier = user.AccessTier
	return result, nil
}
