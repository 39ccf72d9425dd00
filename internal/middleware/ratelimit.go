package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/garyvish82-droid/hoodcup/internal/pkg/logger"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/response"
)

// RateLimiter is a fixed-window counter kept in Redis, shared by all API
// instances. Without Redis, or when Redis errors, requests are allowed.
type RateLimiter struct {
	redis   *redis.Client
	scope   string
	limit   int
	window  time.Duration
	proxies *TrustedProxies
}

// NewRateLimiter creates a new rate limiter. PerIP keys on the socket peer
// unless it is one of proxies.
func NewRateLimiter(redisClient *redis.Client, scope string, limit int, window time.Duration, proxies *TrustedProxies) *RateLimiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		redis:   redisClient,
		scope:   scope,
		limit:   limit,
		window:  window,
		proxies: proxies,
	}
}

// Allow checks if key may make another request in the current window
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.redis == nil {
		return true // No Redis, allow all
	}

	redisKey := fmt.Sprintf("ratelimit:%s:%s", rl.scope, key)

	count, err := rl.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		logger.FromContext(ctx).Warn().Err(err).Str("scope", rl.scope).Msg("Rate limiter unavailable, allowing request")
		return true // Fail open
	}

	if count == 1 {
		rl.redis.Expire(ctx, redisKey, rl.window)
	}

	return count <= int64(rl.limit)
}

// PerIP limits requests per client IP
func (rl *RateLimiter) PerIP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(r.Context(), rl.clientKey(r)) {
				w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
				response.TooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) clientKey(r *http.Request) string {
	return rl.proxies.ClientIP(r)
}
