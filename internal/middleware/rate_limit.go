package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orgchat/relay/internal/utils"
)

// RateLimiter implements a token bucket per client IP, backed by Redis so the
// budget holds across relay instances. Without a Redis client every request
// is allowed.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *utils.Logger
	capacity    int64   // maximum tokens the bucket can hold
	rate        float64 // tokens added per second
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(redisClient *redis.Client, logger *utils.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		capacity:    5,
		rate:        1.0, // 1 token per second
	}
}

// Middleware applies rate limiting to HTTP requests.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !rl.Allow(req.Context(), ClientIP(req)) {
			utils.RespondError(req.Context(), w, http.StatusTooManyRequests, "Too many requests")
			return
		}

		next.ServeHTTP(w, req)
	})
}

// Allow checks if a request is allowed for a given client address. Redis
// faults never block a request; abuse protection degrades, the API stays up.
func (rl *RateLimiter) Allow(ctx context.Context, clientIP string) bool {
	if rl.redisClient == nil {
		return true
	}

	key := fmt.Sprintf("rate_limit:%s", clientIP)

	val, err := rl.redisClient.HMGet(ctx, key, "tokens", "last_refill").Result()
	if err != nil {
		rl.logger.Warn(ctx, "Rate limiter read failed: %v", err)
		return true
	}

	currentTokens := rl.capacity
	lastRefillTime := time.Now()

	if val[0] != nil && val[1] != nil {
		if t, err := strconv.ParseFloat(val[0].(string), 64); err == nil {
			currentTokens = int64(t)
		}
		if t, err := time.Parse(time.RFC3339Nano, val[1].(string)); err == nil {
			lastRefillTime = t
		}
	}

	// Refill tokens
	now := time.Now()
	diff := now.Sub(lastRefillTime).Seconds()
	tokensToAdd := int64(diff * rl.rate)
	currentTokens = int64(math.Min(float64(rl.capacity), float64(currentTokens+tokensToAdd)))

	if currentTokens < 1 {
		return false
	}

	currentTokens--
	if _, err := rl.redisClient.HMSet(ctx, key, "tokens", currentTokens, "last_refill", now.Format(time.RFC3339Nano)).Result(); err != nil {
		rl.logger.Warn(ctx, "Rate limiter write failed: %v", err)
	}
	return true
}
