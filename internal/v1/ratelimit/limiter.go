// Package ratelimit guards the upgrade endpoint with a per-IP rate limit.
// Message-level limiting happens per connection in the transport package;
// this layer only keeps reconnect storms from exhausting upgrade capacity.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/metrics"
)

// UpgradeLimiter enforces the UPGRADE_RATE_LIMIT budget per client IP.
type UpgradeLimiter struct {
	limiter *limiter.Limiter
}

// New builds the upgrade limiter from a rate in ulule format ("100-M").
// With a Redis client the budget is shared across instances; without one it
// is local to this instance.
func New(rate string, redisClient *redis.Client) (*UpgradeLimiter, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid upgrade rate %q: %w", rate, err)
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:upgrade:",
		})
		if err != nil {
			return nil, fmt.Errorf("limiter redis store: %w", err)
		}
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Upgrade rate limit is instance-local without Redis")
	}

	return &UpgradeLimiter{limiter: limiter.New(store, parsed)}, nil
}

// Allow checks the caller's budget and reports whether the upgrade may
// proceed. On refusal the 429 response is already written. A failing limiter
// store fails open: losing rate limiting is better than losing the service.
func (l *UpgradeLimiter) Allow(c *gin.Context) bool {
	ctx := c.Request.Context()
	lctx, err := l.limiter.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed, allowing upgrade", zap.Error(err))
		return true
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

	if lctx.Reached {
		metrics.UpgradeRejections.Inc()
		logging.Warn(ctx, "Upgrade refused by rate limit", zap.String("client_ip", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "too many connection attempts",
			"retry_after": lctx.Reset,
		})
		return false
	}
	return true
}
