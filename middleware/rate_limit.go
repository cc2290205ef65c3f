package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storefront-payment-api/models"
	"storefront-payment-api/utils"
)

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Message  string
}

var defaultConfigs = map[string]RateLimitConfig{
	"/api/checkout/mpesa": {
		Requests: 5,
		Window:   5 * time.Minute,
		Message:  "Too many checkout attempts. Please wait a few minutes.",
	},
	"/api/internal/token": {
		Requests: 100,
		Window:   time.Minute,
		Message:  "Internal API rate limit exceeded.",
	},
	"default": {
		Requests: 60,
		Window:   time.Minute,
		Message:  "Rate limit exceeded. Please slow down your requests.",
	},
}

// rateLimitScript counts requests in the current fixed window atomically.
var rateLimitScript = redis.NewScript(`
	local key = KEYS[1]
	local window_start = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local now = ARGV[3]
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, 0, window_start - 1)
	local count = redis.call('ZCARD', key)
	if count < limit then
		redis.call('ZADD', key, now, member)
		redis.call('EXPIRE', key, 3600)
		return {1, limit - count - 1}
	end
	return {0, 0}
`)

type RateLimiter struct {
	client  *redis.Client
	configs map[string]RateLimitConfig
	logger  *zap.SugaredLogger
	now     func() time.Time
}

func NewRateLimiter(redisURL string, logger *zap.SugaredLogger) (*RateLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL for rate limiter: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis for rate limiting: %w", err)
	}
	return NewRateLimiterWithClient(client, logger), nil
}

func NewRateLimiterWithClient(client *redis.Client, logger *zap.SugaredLogger) *RateLimiter {
	return &RateLimiter{
		client:  client,
		configs: defaultConfigs,
		logger:  logger,
		now:     time.Now,
	}
}

// Limit applies the limit configured for the request path. Limiter errors
// let the request through.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		config := rl.configFor(r.URL.Path)
		key := rl.keyFor(r)

		allowed, remaining, reset, err := rl.check(r.Context(), key, config)
		if err != nil {
			rl.logger.Warnw("rate limit check error", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			rl.logger.Infow("rate limit exceeded", "key", key, "path", r.URL.Path)
			retryAfter := int64(reset.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			utils.SendJSON(w, http.StatusTooManyRequests, models.APIResponse{
				Status:  "error",
				Message: config.Message,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) configFor(path string) RateLimitConfig {
	if config, ok := rl.configs[path]; ok {
		return config
	}
	return rl.configs["default"]
}

// keyFor scopes checkout limits to the user when one is authenticated, so
// shoppers behind one NAT address do not share a budget.
func (rl *RateLimiter) keyFor(r *http.Request) string {
	path := strings.TrimSuffix(r.URL.Path, "/")
	if user := GetUserFromContext(r.Context()); user != nil {
		return fmt.Sprintf("rate_limit:user:%d:%s", user.UserID, path)
	}
	return fmt.Sprintf("rate_limit:ip:%s:%s", ClientIP(r), path)
}

func (rl *RateLimiter) check(ctx context.Context, key string, config RateLimitConfig) (bool, int, time.Time, error) {
	now := rl.now()
	windowStart := now.Truncate(config.Window)
	windowEnd := windowStart.Add(config.Window)

	result, err := rateLimitScript.Run(ctx, rl.client, []string{key},
		windowStart.Unix(), config.Requests, now.Unix(), uuid.NewString()).Result()
	if err != nil {
		return false, 0, time.Time{}, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, time.Time{}, fmt.Errorf("unexpected redis result format")
	}
	allowed, ok1 := values[0].(int64)
	remaining, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, time.Time{}, fmt.Errorf("failed to parse redis result")
	}
	return allowed == 1, int(remaining), windowEnd, nil
}

func (rl *RateLimiter) Close() error {
	return rl.client.Close()
}
