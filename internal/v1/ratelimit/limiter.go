// Package ratelimit enforces per-tier request limits using Redis, with a
// local memory fallback when Redis is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/metrics"
	"github.com/classkit/backend-go/internal/v1/wire"
)

// Tier names map to the configured rates: general covers every API route,
// auth covers pre-authentication work such as WebSocket upgrades, heavy
// covers admin rebuilds and bulk updates.
const (
	TierGeneral = "general"
	TierAuth    = "auth"
	TierHeavy   = "heavy"
)

// RateLimiter holds one limiter per tier, all sharing a single store.
type RateLimiter struct {
	tiers map[string]*limiter.Limiter
	store limiter.Store
}

// Rates configures the formatted rate per tier, e.g. "100-15M".
type Rates struct {
	General string
	Auth    string
	Heavy   string
}

// New builds the rate limiter. A non-nil Redis client selects the shared
// Redis store so limits hold across instances; nil falls back to local memory.
func New(rates Rates, redisClient *redis.Client) (*RateLimiter, error) {
	parse := func(tier, formatted string) (limiter.Rate, error) {
		r, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return limiter.Rate{}, fmt.Errorf("invalid %s rate %q: %w", tier, formatted, err)
		}
		return r, nil
	}

	generalRate, err := parse(TierGeneral, rates.General)
	if err != nil {
		return nil, err
	}
	authRate, err := parse(TierAuth, rates.Auth)
	if err != nil {
		return nil, err
	}
	heavyRate, err := parse(TierHeavy, rates.Heavy)
	if err != nil {
		return nil, err
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (Redis unavailable)")
	}

	return &RateLimiter{
		tiers: map[string]*limiter.Limiter{
			TierGeneral: limiter.New(store, generalRate),
			TierAuth:    limiter.New(store, authRate),
			TierHeavy:   limiter.New(store, heavyRate),
		},
		store: store,
	}, nil
}

// Middleware enforces the named tier. Authenticated callers are keyed by user
// ID, anonymous ones by client IP. Store failures fail open: availability
// beats strictness when the limiter backend is down.
func (rl *RateLimiter) Middleware(tier string) gin.HandlerFunc {
	inst, ok := rl.tiers[tier]
	if !ok {
		inst = rl.tiers[TierGeneral]
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		keyType := "ip"
		if id, ok := wire.CallerIdentity(c); ok {
			key = id.UserID
			keyType = "user"
		}

		ctx := c.Request.Context()
		lctx, err := inst.Get(ctx, tier+":"+key)
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), keyType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":     false,
				"message":     "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckConnection applies the auth tier to a WebSocket upgrade attempt,
// keyed by IP since the upgrade happens before authentication finishes.
// Writes the 429 response itself when the limit is reached.
func (rl *RateLimiter) CheckConnection(c *gin.Context) bool {
	ctx := c.Request.Context()
	lctx, err := rl.tiers[TierAuth].Get(ctx, "ws:"+c.ClientIP())
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"message": "Too many connections from this address",
		})
		return false
	}
	return true
}
