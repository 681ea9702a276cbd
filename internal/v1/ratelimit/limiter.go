// Package ratelimit implements request rate limiting backed by Redis or
// local memory.
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

	"github.com/astation/relay/internal/v1/config"
	"github.com/astation/relay/internal/v1/logging"
	"github.com/astation/relay/internal/v1/metrics"
)

// RateLimiter holds the per-tier limiter instances. All keys are client
// IPs: the relay has no authenticated principals, only codes and tokens.
type RateLimiter struct {
	api         *limiter.Limiter
	grant       *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds the limiter tiers from config. When a Redis
// client is provided the counters are shared across replicas; otherwise
// a process-local memory store is used.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPI)
	if err != nil {
		return nil, fmt.Errorf("invalid API rate: %w", err)
	}

	grantRate, err := limiter.NewRateFromFormatted(cfg.RateLimitGrant)
	if err != nil {
		return nil, fmt.Errorf("invalid grant rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:relay:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		api:         limiter.New(store, apiRate),
		grant:       limiter.New(store, grantRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// RedisClient returns the underlying Redis client, nil for memory stores.
func (rl *RateLimiter) RedisClient() *redis.Client {
	if rl == nil {
		return nil
	}
	return rl.redisClient
}

// APIMiddleware enforces the general per-IP limit on the API surface.
func (rl *RateLimiter) APIMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.api, "ip")
}

// GrantMiddleware enforces the strict tier on the OTP grant endpoint,
// which is the one route an attacker can brute-force.
func (rl *RateLimiter) GrantMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.grant, "grant")
}

func (rl *RateLimiter) middleware(inst *limiter.Limiter, tier string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := inst.Get(ctx, c.ClientIP())
		if err != nil {
			// Fail open: a broken store must not take the API down.
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), tier).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}
