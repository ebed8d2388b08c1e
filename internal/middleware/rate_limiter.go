package middleware

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Tier is one rate-limit class: a request budget over a window. Budgets are
// independent per tier, so read traffic cannot exhaust the write budget.
type Tier struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Standard tiers. Writes are tighter than reads; registration tighter still
// to slow down identity farming.
var (
	TierDefault      = Tier{Name: "default", Limit: 120, Window: time.Minute}
	TierWrite        = Tier{Name: "write", Limit: 20, Window: time.Minute}
	TierBatch        = Tier{Name: "batch", Limit: 10, Window: time.Minute}
	TierRegister     = Tier{Name: "register", Limit: 5, Window: time.Minute}
	TierAutoRegister = Tier{Name: "auto_register", Limit: 3, Window: 5 * time.Minute}
)

// RateLimiter enforces sliding-window limits keyed by tier plus API key
// (writes) or client address (registration and anonymous reads). Counters
// live in process by default; with a Redis client they are shared across
// replicas.
type RateLimiter struct {
	mu           sync.Mutex
	windows      map[string]*window
	rdb          *redis.Client
	defaultLimit int
	logger       *log.Logger

	// Limited, when set, counts 429 responses.
	Limited prometheus.Counter
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter creates an in-process limiter. rdb may be nil.
// defaultPerMinute overrides the read tier's budget when positive.
func NewRateLimiter(rdb *redis.Client, defaultPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		windows:      make(map[string]*window),
		rdb:          rdb,
		defaultLimit: defaultPerMinute,
		logger:       log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// effective applies the configured read-budget override.
func (rl *RateLimiter) effective(tier Tier) Tier {
	if tier.Name == TierDefault.Name && rl.defaultLimit > 0 {
		tier.Limit = rl.defaultLimit
	}
	return tier
}

// Allow reports whether one more request fits the tier's budget for key.
func (rl *RateLimiter) Allow(ctx context.Context, key string, tier Tier) bool {
	tier = rl.effective(tier)
	scoped := tier.Name + ":" + key
	if rl.rdb != nil {
		return rl.allowRedis(ctx, scoped, tier)
	}
	return rl.allowLocal(scoped, tier)
}

func (rl *RateLimiter) allowLocal(key string, tier Tier) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > tier.Window {
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	if w.count > tier.Limit {
		rl.logger.Printf("🚫 Rate limit exceeded: key=%s count=%d limit=%d", key, w.count, tier.Limit)
		return false
	}
	return true
}

func (rl *RateLimiter) allowRedis(ctx context.Context, key string, tier Tier) bool {
	rkey := "ratelimit:" + key
	count, err := rl.rdb.Incr(ctx, rkey).Result()
	if err != nil {
		// Redis down degrades to allow rather than taking down the write path.
		rl.logger.Printf("⚠️  Redis limiter error, allowing request: %v", err)
		return true
	}
	if count == 1 {
		rl.rdb.Expire(ctx, rkey, tier.Window)
	}
	if int(count) > tier.Limit {
		rl.logger.Printf("🚫 Rate limit exceeded (redis): key=%s count=%d limit=%d", key, count, tier.Limit)
		return false
	}
	return true
}

// Middleware wraps a handler with the given tier. The key is the API key
// when present, the client address otherwise.
func (rl *RateLimiter) Middleware(tier Tier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			key = clientAddr(r)
		}

		if !rl.Allow(r.Context(), key, tier) {
			if rl.Limited != nil {
				rl.Limited.Inc()
			}
			retry := int(rl.effective(tier).Window.Seconds())
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate_limited","message":"rate limit exceeded","retry_after_seconds":%d}`, retry)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanup drops expired local windows so the map stays bounded.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, w := range rl.windows {
			if now.Sub(w.start) > 10*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
