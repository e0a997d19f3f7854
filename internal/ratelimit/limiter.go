// Package ratelimit implements WebSocket connection rate limiting using
// Redis or local memory, per spec.md §6's "<count>/<seconds>" rate format.
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

	"github.com/webcall/coordination/internal/config"
	"github.com/webcall/coordination/internal/logging"
	"github.com/webcall/coordination/internal/metrics"
	"go.uber.org/zap"
)

// RateLimiter holds the rate limiter instances guarding every WebSocket
// endpoint's connect path (room, friends, voice capture).
type RateLimiter struct {
	wsIP   *limiter.Limiter
	wsUser *limiter.Limiter
	store  limiter.Store
}

// NewRateLimiter creates a new RateLimiter instance. redisClient is nil
// when the process runs without Redis, in which case limits are tracked
// in a single process's memory only.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(formatRate(cfg.RateLimitWsIP))
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(formatRate(cfg.RateLimitWsUser))
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "limiter:v1:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled)")
	}

	return &RateLimiter{
		wsIP:   limiter.New(store, wsIPRate),
		wsUser: limiter.New(store, wsUserRate),
		store:  store,
	}, nil
}

// formatRate converts spec.md's "<count>/<seconds>" format to ulule's
// "<count>-<unit>" formatted-rate syntax.
func formatRate(spec string) string {
	var count, seconds int
	if _, err := fmt.Sscanf(spec, "%d/%d", &count, &seconds); err != nil {
		return spec
	}
	switch {
	case seconds <= 1:
		return fmt.Sprintf("%d-S", count)
	case seconds <= 60:
		return fmt.Sprintf("%d-M", count)
	case seconds <= 3600:
		return fmt.Sprintf("%d-H", count)
	default:
		return fmt.Sprintf("%d-D", count)
	}
}

// CheckWebSocket enforces the per-IP WebSocket connection limit, the
// first of the two-phase IP-then-user check. Returns true if the
// connection should proceed; on false it has already written the
// rejection response.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed (IP)", zap.Error(err))
		return true // fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}

// CheckWebSocketUser enforces the per-user WebSocket connection limit,
// the second phase of the two-phase check. Call after authenticating
// the connection, once a userID is known.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	userContext, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed (user)", zap.Error(err))
		return nil // fail open
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user")
	}

	return nil
}
