package goentitle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStorage is a mock storage implementation for testing
type mockStorage struct {
	err   error
	calls int
}

func (m *mockStorage) RecordEvent(_ context.Context, _ *BillingEvent) (bool, error) {
	m.calls++
	return false, m.err
}

func (m *mockStorage) GetEvent(_ context.Context, _ Provider, _ string) (*BillingEvent, error) {
	m.calls++
	return nil, m.err
}

func (m *mockStorage) TransitionEvent(_ context.Context, _ Provider, _ string, _ ProcessingStatus, _ string) error {
	m.calls++
	return m.err
}

func (m *mockStorage) EnqueuePending(_ context.Context, _ *PendingEntitlement) (bool, error) {
	m.calls++
	return false, m.err
}

func (m *mockStorage) ListUnappliedPending(_ context.Context, _, _ string) ([]*PendingEntitlement, error) {
	m.calls++
	return nil, m.err
}

func (m *mockStorage) MarkPendingApplied(_ context.Context, _ []PendingKey, _ string, _ time.Time) error {
	m.calls++
	return m.err
}

func (m *mockStorage) FindByEmail(_ context.Context, _ string) (*User, error) {
	m.calls++
	return nil, m.err
}

func (m *mockStorage) FindByID(_ context.Context, _ string) (*User, error) {
	m.calls++
	return nil, m.err
}

func (m *mockStorage) Save(_ context.Context, _ *User) error {
	m.calls++
	return m.err
}

func TestCircuitBreakerStorage_OpensOnBackendFailures(t *testing.T) {
	backend := &mockStorage{err: errors.New("dial tcp: connection refused")}
	s := NewCircuitBreakerStorage(backend, NewDefaultCircuitBreaker(2, time.Minute, nil))
	ctx := context.Background()

	_, err := s.RecordEvent(ctx, &BillingEvent{})
	assert.Error(t, err)
	_, err = s.FindByEmail(ctx, "a@b.c")
	assert.Error(t, err)

	_, err = s.FindByID(ctx, "u1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, s.Save(ctx, &User{ID: "u1"}), ErrCircuitOpen)
	assert.Equal(t, 2, backend.calls)
}

func TestCircuitBreakerStorage_NotFoundKeepsCircuitClosed(t *testing.T) {
	backend := &mockStorage{err: ErrUserNotFound}
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)
	s := NewCircuitBreakerStorage(backend, cb)

	for i := 0; i < 3; i++ {
		_, err := s.FindByEmail(context.Background(), "missing@example.com")
		assert.ErrorIs(t, err, ErrUserNotFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestNewManager_WrapsStorageWithCircuitBreaker(t *testing.T) {
	var states []string
	metrics := &recordingMetrics{onState: func(s string) { states = append(states, s) }}
	m, err := NewManager(&mockStorage{err: errors.New("timeout")}, Config{
		Metrics:              metrics,
		CircuitBreakerConfig: &CircuitBreakerConfig{Enabled: true, FailureThreshold: 1},
	})
	require.NoError(t, err)
	_, ok := m.Storage().(*CircuitBreakerStorage)
	require.True(t, ok)

	_, err = m.GetUser(context.Background(), "u1")
	assert.Error(t, err)
	assert.Equal(t, []string{string(StateOpen)}, states)
}

type recordingMetrics struct {
	NoopMetrics
	onState func(string)
}

func (r *recordingMetrics) RecordCircuitBreakerStateChange(state string) {
	r.onState(state)
}
