package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const testUserID = "user123"

// Helper to create a test manager with one registered user
func newTestManager(t *testing.T) (*goentitle.Manager, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	manager, err := goentitle.NewManager(storage, goentitle.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	if err := storage.Save(context.Background(), &goentitle.User{ID: testUserID, Email: "buyer@example.com"}); err != nil {
		t.Fatalf("Failed to save user: %v", err)
	}
	return manager, storage
}

func newTestHandler(t *testing.T, manager *goentitle.Manager, userID string) *Handler {
	t.Helper()
	handler, err := NewHandler(Config{
		Manager:   manager,
		GetUserID: func(_ *http.Request) string { return userID },
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return handler
}

func get(t *testing.T, handler *Handler) (*httptest.ResponseRecorder, EntitlementsResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, Route, http.NoBody)
	w := httptest.NewRecorder()
	handler.GetEntitlements(w, req)

	var resp EntitlementsResponse
	if w.Code == http.StatusOK {
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return w, resp
}

func TestHandler_GetEntitlements_AppliesPending(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	// A lifetime purchase made before the account existed under this email.
	_, err := storage.EnqueuePending(ctx, &goentitle.PendingEntitlement{
		Provider:    goentitle.ProviderGumroad,
		EventID:     "sale_1",
		EventType:   "sale",
		Scope:       goentitle.ScopePro,
		Email:       "buyer@example.com",
		Entitlement: goentitle.Entitlement{Status: goentitle.StatusLifetime},
		Refs:        goentitle.ProviderRefs{ManageURL: "https://gumroad.com/library"},
		ReceivedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to enqueue pending: %v", err)
	}

	w, resp := get(t, newTestHandler(t, manager, testUserID))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", ct)
	}

	if resp.UserID != testUserID {
		t.Errorf("Expected user_id %s, got %s", testUserID, resp.UserID)
	}
	if resp.AccessTier != string(goentitle.AccessTierPremium) {
		t.Errorf("Expected premium access, got %s", resp.AccessTier)
	}
	pro := resp.Entitlements["pro"]
	if pro.Status != "lifetime" || !pro.Active || pro.ValidUntil != nil {
		t.Errorf("Unexpected pro entitlement: %+v", pro)
	}
	if projects := resp.Entitlements["projects"]; projects.Status != "none" || projects.Active {
		t.Errorf("Unexpected projects entitlement: %+v", projects)
	}
	if !resp.Reconciled.Applied || resp.Reconciled.Count != 1 {
		t.Errorf("Expected one applied entry, got %+v", resp.Reconciled)
	}
	if resp.ManageURLs["gumroad"] != "https://gumroad.com/library" {
		t.Errorf("Expected gumroad manage URL, got %v", resp.ManageURLs)
	}

	// A second request finds nothing left to apply.
	_, resp = get(t, newTestHandler(t, manager, testUserID))
	if resp.Reconciled.Applied || resp.Reconciled.Count != 0 {
		t.Errorf("Expected no-op reconciliation, got %+v", resp.Reconciled)
	}
	if resp.AccessTier != string(goentitle.AccessTierPremium) {
		t.Errorf("Expected premium access to persist, got %s", resp.AccessTier)
	}
}

func TestHandler_GetEntitlements_ExpiredCancellation(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	// The cached tier is still premium but the paid period has ended.
	user, err := storage.FindByID(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to load user: %v", err)
	}
	ended := time.Now().UTC().Add(-time.Hour)
	user.Entitlements.Pro = goentitle.Entitlement{Status: goentitle.StatusCancelled, ValidUntil: &ended}
	user.AccessTier = goentitle.AccessTierPremium
	if err := storage.Save(ctx, user); err != nil {
		t.Fatalf("Failed to save user: %v", err)
	}

	w, resp := get(t, newTestHandler(t, manager, testUserID))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if resp.AccessTier != string(goentitle.AccessTierFree) {
		t.Errorf("Expected free access after the period ended, got %s", resp.AccessTier)
	}
	pro := resp.Entitlements["pro"]
	if pro.Status != "cancelled" || pro.Active {
		t.Errorf("Unexpected pro entitlement: %+v", pro)
	}
	if pro.ValidUntil == nil || !pro.ValidUntil.Equal(ended) {
		t.Errorf("Expected valid_until %v, got %v", ended, pro.ValidUntil)
	}
}

func TestHandler_GetEntitlements_Errors(t *testing.T) {
	manager, _ := newTestManager(t)

	tests := []struct {
		name   string
		userID string
		want   int
	}{
		{"missing user id", "", http.StatusUnauthorized},
		{"user id too long", strings.Repeat("a", 300), http.StatusBadRequest},
		{"unknown user", "ghost", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := get(t, newTestHandler(t, manager, tt.userID))
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("Expected JSON error body, got %q", w.Body.String())
			}
		})
	}
}

func TestHandler_GetEntitlements_CustomOnError(t *testing.T) {
	manager, _ := newTestManager(t)

	var got error
	handler, err := NewHandler(Config{
		Manager:   manager,
		GetUserID: func(_ *http.Request) string { return "" },
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w, _ := get(t, handler)
	if w.Code != http.StatusTeapot {
		t.Errorf("Expected custom status, got %d", w.Code)
	}
	if got == nil {
		t.Error("Expected OnError to receive the error")
	}
}

// failingPending makes every pending read fail so reconciliation errors out
type failingPending struct {
	*memory.Storage
}

func (f *failingPending) ListUnappliedPending(context.Context, string, string) ([]*goentitle.PendingEntitlement, error) {
	return nil, errors.New("pending store down")
}

func TestHandler_GetEntitlements_ReconcileFailureStillAnswers(t *testing.T) {
	storage := memory.New()
	if err := storage.Save(context.Background(), &goentitle.User{ID: testUserID, Email: "a@example.com"}); err != nil {
		t.Fatalf("Failed to save user: %v", err)
	}
	manager, err := goentitle.NewManager(&failingPending{Storage: storage}, goentitle.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	w, resp := get(t, newTestHandler(t, manager, testUserID))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp.Reconciled.Applied {
		t.Error("Expected no applied entries")
	}
	if resp.AccessTier != string(goentitle.AccessTierFree) {
		t.Errorf("Expected free access, got %s", resp.AccessTier)
	}
}

// debugLogger records debug messages
type debugLogger struct {
	goentitle.NoopLogger
	messages []string
}

func (l *debugLogger) Debug(msg string, _ ...goentitle.Field) {
	l.messages = append(l.messages, msg)
}

// brokenWriter accepts headers but fails every body write
type brokenWriter struct {
	header http.Header
	code   int
}

func (w *brokenWriter) Header() http.Header       { return w.header }
func (w *brokenWriter) WriteHeader(code int)      { w.code = code }
func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection closed") }

func TestHandler_WriteFailuresAreLogged(t *testing.T) {
	manager, _ := newTestManager(t)

	tests := []struct {
		name     string
		userID   string
		wantCode int
		wantMsg  string
	}{
		{"entitlements body", testUserID, http.StatusOK, "failed to write entitlements response"},
		{"error body", "", http.StatusUnauthorized, "failed to write error response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &debugLogger{}
			handler, err := NewHandler(Config{
				Manager:   manager,
				GetUserID: func(_ *http.Request) string { return tt.userID },
				Logger:    logger,
			})
			if err != nil {
				t.Fatalf("Failed to create handler: %v", err)
			}

			w := &brokenWriter{header: make(http.Header)}
			handler.GetEntitlements(w, httptest.NewRequest(http.MethodGet, Route, http.NoBody))

			if w.code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.code)
			}
			if len(logger.messages) != 1 || logger.messages[0] != tt.wantMsg {
				t.Errorf("Expected debug log %q, got %v", tt.wantMsg, logger.messages)
			}
		})
	}
}

func TestNewHandler_InvalidConfig(t *testing.T) {
	manager, _ := newTestManager(t)

	if _, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")}); err == nil {
		t.Error("Expected error for missing manager")
	}
	if _, err := NewHandler(Config{Manager: manager}); err == nil {
		t.Error("Expected error for missing GetUserID")
	}
}

func TestFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, Route, http.NoBody)
	req.Header.Set("X-User-ID", testUserID)

	if got := FromHeader("X-User-ID")(req); got != testUserID {
		t.Errorf("Expected %s, got %s", testUserID, got)
	}
}

type ctxKey struct{}

func TestFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, Route, http.NoBody)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, testUserID))

	if got := FromContext(ctxKey{})(req); got != testUserID {
		t.Errorf("Expected %s, got %s", testUserID, got)
	}
	if got := FromContext("other")(req); got != "" {
		t.Errorf("Expected empty user id, got %s", got)
	}
}
