package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classkit/backend-go/internal/v1/wire"
)

func init() { gin.SetMode(gin.TestMode) }

func newMemoryLimiter(t *testing.T, rates Rates) *RateLimiter {
	t.Helper()
	rl, err := New(rates, nil)
	require.NoError(t, err)
	return rl
}

type stubParser struct{ id wire.Identity }

func (s stubParser) ParseAccessToken(string) (wire.Identity, error) { return s.id, nil }

func limitedRouter(rl *RateLimiter, tier string, identity *wire.Identity) *gin.Engine {
	r := gin.New()
	handlers := []gin.HandlerFunc{}
	if identity != nil {
		handlers = append(handlers, wire.Authenticate(stubParser{id: *identity}))
	}
	handlers = append(handlers, rl.Middleware(tier), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/ping", handlers...)
	return r
}

func get(r *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(wire.HeaderAuthToken, "tok")
	r.ServeHTTP(w, req)
	return w
}

func TestInvalidRateIsRejected(t *testing.T) {
	_, err := New(Rates{General: "not-a-rate", Auth: "20-15M", Heavy: "20-15M"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "general")
}

func TestMiddlewareSetsHeadersAndBlocksOverLimit(t *testing.T) {
	rl := newMemoryLimiter(t, Rates{General: "2-1M", Auth: "20-15M", Heavy: "20-15M"})
	router := limitedRouter(rl, TierGeneral, nil)

	w := get(router)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))

	w = get(router)
	require.Equal(t, http.StatusOK, w.Code)

	// Third request in the window trips the limit.
	w = get(router)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Too many requests")
	assert.Contains(t, w.Body.String(), "retry_after")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestAuthenticatedCallersAreKeyedByUser(t *testing.T) {
	rl := newMemoryLimiter(t, Rates{General: "1-1M", Auth: "20-15M", Heavy: "20-15M"})

	anon := limitedRouter(rl, TierGeneral, nil)
	require.Equal(t, http.StatusOK, get(anon).Code)
	require.Equal(t, http.StatusTooManyRequests, get(anon).Code)

	// The same client IP, but a user identity keys a separate budget.
	authed := limitedRouter(rl, TierGeneral, &wire.Identity{UserID: "u1", Role: wire.RoleStudent})
	assert.Equal(t, http.StatusOK, get(authed).Code)
}

func TestUnknownTierFallsBackToGeneral(t *testing.T) {
	rl := newMemoryLimiter(t, Rates{General: "3-1M", Auth: "20-15M", Heavy: "20-15M"})
	router := limitedRouter(rl, "nonsense", nil)

	w := get(router)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
}

func TestCheckConnectionLimitsUpgrades(t *testing.T) {
	rl := newMemoryLimiter(t, Rates{General: "100-15M", Auth: "1-1M", Heavy: "20-15M"})

	makeCtx := func() (*gin.Context, *httptest.ResponseRecorder) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
		return c, w
	}

	c, _ := makeCtx()
	assert.True(t, rl.CheckConnection(c))

	c, w := makeCtx()
	assert.False(t, rl.CheckConnection(c))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Too many connections")
}
