package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

type RateLimitConfig struct {
	PerMinute int
	Burst     int
	// Redis switches to a fixed window shared by every instance.
	Redis  *redis.Client
	Logger *zap.Logger
}

type RateLimiter struct {
	local  *tokenLimiter
	shared *windowLimiter
	logger *zap.Logger
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	l := &RateLimiter{
		local:  newTokenLimiter(cfg.PerMinute, cfg.Burst),
		logger: cfg.Logger,
	}
	if cfg.Redis != nil {
		l.shared = &windowLimiter{client: cfg.Redis, limit: int64(l.local.perMinute), now: time.Now}
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.allow(r.Context(), ip) {
			writeError(w, requestID(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(ctx context.Context, key string) bool {
	if l.shared != nil {
		allowed, err := l.shared.allow(ctx, key)
		if err == nil {
			return allowed
		}
		l.logger.Warn("shared rate limit unavailable, using local bucket", zap.Error(err))
	}
	return l.local.allow(key)
}

type windowLimiter struct {
	client *redis.Client
	limit  int64
	now    func() time.Time
}

func (l *windowLimiter) allow(ctx context.Context, key string) (bool, error) {
	window := l.now().Unix() / 60
	redisKey := fmt.Sprintf("queue-engine:ratelimit:%s:%d", key, window)
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= l.limit, nil
}

type tokenLimiter struct {
	mu        sync.Mutex
	perMinute int
	rate      float64
	burst     float64
	bucket    map[string]*bucket
	now       func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(perMinute, burst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &tokenLimiter{
		perMinute: perMinute,
		rate:      float64(perMinute) / 60.0,
		burst:     float64(burst),
		bucket:    make(map[string]*bucket),
		now:       time.Now,
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
