package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter enforces per-client request budgets over a one minute window.
// Counters live in Redis so limits hold across replicas. When Redis is
// unreachable the limiter fails open.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger

	// Requests per minute for read endpoints, and the tighter budget for
	// feed sync which fans out to every upstream source.
	defaultLimit int
	syncLimit    int
}

// NewRateLimiter creates a rate limiter backed by redisClient.
func NewRateLimiter(redisClient *redis.Client, defaultLimit, syncLimit int, logger *zap.Logger) *RateLimiter {
	if defaultLimit <= 0 {
		defaultLimit = 120
	}
	if syncLimit <= 0 {
		syncLimit = 5
	}
	return &RateLimiter{
		redis:        redisClient,
		logger:       logger,
		defaultLimit: defaultLimit,
		syncLimit:    syncLimit,
	}
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// Middleware returns an HTTP middleware applying the limiter to every
// request, keyed by client IP and path.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := rl.defaultLimit
		if r.URL.Path == "/api/v1/intelligence/sync" {
			limit = rl.syncLimit
		}

		key := fmt.Sprintf("intelify:ratelimit:%s:%s:minute", clientIP(r), r.URL.Path)
		current, err := incrScript.Run(r.Context(), rl.redis, []string{key}, 60000).Int()
		if err != nil {
			rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		remaining := limit - current
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if current > limit {
			ttl, _ := rl.redis.TTL(r.Context(), key).Result()
			w.Header().Set("Retry-After", strconv.Itoa(int(ttl.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate_limit_exceeded","retry_after":%d}`, int(ttl.Seconds()))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
