package api

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter enforces a fixed-window per-client request budget backed by
// Redis, so the limit holds across replicas. A Redis failure fails open.
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	logger *zap.Logger
}

// NewRateLimiter creates a limiter allowing requestsPerMinute per client IP.
func NewRateLimiter(redisClient *redis.Client, requestsPerMinute int, logger *zap.Logger) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &RateLimiter{
		redis:  redisClient,
		limit:  requestsPerMinute,
		logger: logger,
	}
}

var incrWithExpiry = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// Middleware rejects requests over the per-minute budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := clientAddr(r)
		key := fmt.Sprintf("honeynet:ratelimit:%s:minute", clientIP)

		current, err := incrWithExpiry.Run(r.Context(), rl.redis, []string{key}, 60000).Int()
		if err != nil {
			rl.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		remaining := rl.limit - current
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if current > rl.limit {
			ttl, _ := rl.redis.TTL(r.Context(), key).Result()
			retryAfter := int(ttl.Seconds())
			if retryAfter <= 0 {
				retryAfter = int(time.Minute.Seconds())
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientAddr returns the client IP. middleware.RealIP has already folded
// X-Forwarded-For / X-Real-IP into RemoteAddr.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
