package gin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

type failingPending struct {
	*memory.Storage
}

func (s *failingPending) ListUnappliedPending(context.Context, string, string) ([]*goentitle.PendingEntitlement, error) {
	return nil, errors.New("connection refused")
}

func newManager(t *testing.T, storage goentitle.Storage) *goentitle.Manager {
	t.Helper()
	manager, err := goentitle.NewManager(storage, goentitle.Config{})
	require.NoError(t, err)
	return manager
}

func seedPurchase(t *testing.T, storage *memory.Storage, userID, email string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, storage.Save(ctx, &goentitle.User{ID: userID, Email: email}))
	until := time.Now().UTC().Add(30 * 24 * time.Hour)
	_, err := storage.EnqueuePending(ctx, &goentitle.PendingEntitlement{
		Provider:    goentitle.ProviderStripe,
		EventID:     "evt_" + userID,
		EventType:   "checkout.session.completed",
		Scope:       goentitle.ScopePro,
		Email:       email,
		Entitlement: goentitle.Entitlement{Status: goentitle.StatusActive, ValidUntil: &until},
		ReceivedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
}

// newRouter mounts the middleware and a handler that reports the tier it saw
func newRouter(cfg Config) *gongin.Engine {
	r := gongin.New()
	r.Use(Middleware(cfg))
	r.GET("/test", func(c *gongin.Context) {
		tier, ok := AccessTier(c)
		if !ok {
			c.String(http.StatusOK, "none")
			return
		}
		c.String(http.StatusOK, string(tier))
	})
	return r
}

func serve(r http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_AppliesPending(t *testing.T) {
	storage := memory.New()
	manager := newManager(t, storage)
	seedPurchase(t, storage, "user1", "user1@example.com")

	var result *goentitle.ReconcileResult
	r := newRouter(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		OnReconciled: func(c *gongin.Context, res *goentitle.ReconcileResult) {
			result = res
			c.Header("X-Entitlements-Applied", "true")
		},
	})

	w := serve(r, "user1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "premium", w.Body.String())
	assert.Equal(t, "true", w.Header().Get("X-Entitlements-Applied"))
	require.NotNil(t, result)
	assert.True(t, result.Applied)
	assert.Equal(t, 1, result.MarkedCount)

	// Nothing left to apply on the next request.
	w = serve(r, "user1")
	assert.Equal(t, "premium", w.Body.String())
	assert.False(t, result.Applied)
}

func TestMiddleware_PassThrough(t *testing.T) {
	storage := memory.New()
	require.NoError(t, storage.Save(context.Background(), &goentitle.User{ID: "user1", Email: "u@example.com"}))

	tests := []struct {
		name     string
		storage  goentitle.Storage
		userID   string
		wantBody string
	}{
		{"anonymous", storage, "", "none"},
		{"unknown user", storage, "ghost", "none"},
		{"reconcile failure", &failingPending{Storage: storage}, "user1", "free"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(Config{
				Manager:   newManager(t, tt.storage),
				GetUserID: FromHeader("X-User-ID"),
			})
			w := serve(r, tt.userID)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	manager := newManager(t, memory.New())
	assert.Panics(t, func() { Middleware(Config{GetUserID: FromHeader("X-User-ID")}) })
	assert.Panics(t, func() { Middleware(Config{Manager: manager}) })
}

func TestExtractors(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gongin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/users/u9", http.NoBody)
	c.Request.Header.Set("X-User-ID", "u1")
	c.Params = gongin.Params{{Key: "id", Value: "u9"}}
	c.Set("UserID", "u2")
	c.Set("Other", 42)

	assert.Equal(t, "u1", FromHeader("X-User-ID")(c))
	assert.Equal(t, "u2", FromContext("UserID")(c))
	assert.Equal(t, "", FromContext("Other")(c))
	assert.Equal(t, "", FromContext("Missing")(c))
	assert.Equal(t, "u9", FromParam("id")(c))
}
