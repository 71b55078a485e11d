package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]any
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *capture) wait(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.paths) >= n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAchievementUnlockedDelivery(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	n := New(srv.URL, "")
	n.AchievementUnlocked(context.Background(), "u1", Achievement{
		ID: "first_steps", Name: "First Steps", Description: "Complete your first quiz",
		Icon: "footprints", Rarity: "common", Points: 10,
	})

	rec.wait(t, 1)
	assert.Equal(t, "/api/events/achievement-unlocked", rec.paths[0])
	assert.Equal(t, "u1", rec.bodies[0]["userId"])
	ach, ok := rec.bodies[0]["achievement"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "first_steps", ach["id"])
	assert.Equal(t, "First Steps", ach["name"])
	assert.Equal(t, "Complete your first quiz", ach["description"])
	assert.Equal(t, "footprints", ach["icon"])
	assert.Equal(t, "common", ach["rarity"])
	assert.Equal(t, float64(10), ach["points"])
}

func TestModerationActionIncludesExpiry(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	n := New("", srv.URL)
	expires := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	n.ModerationAction(context.Background(), "u2", "act-1", "ban", &expires)

	rec.wait(t, 1)
	assert.Equal(t, "/api/internal/moderation-action", rec.paths[0])
	assert.Equal(t, "u2", rec.bodies[0]["userId"])
	assert.Equal(t, "ban", rec.bodies[0]["actionType"])
	assert.Equal(t, "act-1", rec.bodies[0]["moderationActionId"])
	assert.Equal(t, "2026-09-01T12:00:00Z", rec.bodies[0]["expiresAt"])
}

func TestModerationRevokedDelivery(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	n := New("", srv.URL)
	n.ModerationRevoked(context.Background(), "u2", "act-1")

	rec.wait(t, 1)
	assert.Equal(t, "/api/internal/moderation-revoked", rec.paths[0])
	assert.Equal(t, "act-1", rec.bodies[0]["moderationActionId"])
}

func TestDisabledTargetIsSilentlySkipped(t *testing.T) {
	n := New("", "")
	// Must not panic or block with no targets configured.
	n.AchievementUnlocked(context.Background(), "u1", Achievement{ID: "a", Name: "A", Rarity: "rare"})
	n.ModerationRevoked(context.Background(), "u1", "act-1")
}

func TestFailedDeliveryDoesNotPropagate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(srv.URL, "")
	// Fire-and-forget: the caller never sees the 502.
	n.AchievementUnlocked(context.Background(), "u1", Achievement{ID: "a", Name: "A", Rarity: "rare"})
	time.Sleep(100 * time.Millisecond)
}
