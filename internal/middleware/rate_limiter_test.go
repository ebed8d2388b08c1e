package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiterBlocksAboveBudget(t *testing.T) {
	rl := NewRateLimiter(nil, 0)
	tier := Tier{Name: "test", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(context.Background(), "k1", tier))
	}
	assert.False(t, rl.Allow(context.Background(), "k1", tier))

	// independent keys have independent budgets
	assert.True(t, rl.Allow(context.Background(), "k2", tier))
}

func TestLocalLimiterWindowResets(t *testing.T) {
	rl := NewRateLimiter(nil, 0)
	tier := Tier{Name: "test", Limit: 1, Window: 50 * time.Millisecond}

	assert.True(t, rl.Allow(context.Background(), "k", tier))
	assert.False(t, rl.Allow(context.Background(), "k", tier))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow(context.Background(), "k", tier))
}

func TestTiersHaveIndependentBudgets(t *testing.T) {
	rl := NewRateLimiter(nil, 0)
	write := Tier{Name: "write", Limit: 1, Window: time.Minute}
	read := Tier{Name: "default", Limit: 5, Window: time.Minute}

	// exhaust the write budget for one key
	assert.True(t, rl.Allow(context.Background(), "k", write))
	assert.False(t, rl.Allow(context.Background(), "k", write))

	// the same key still has its full read budget
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow(context.Background(), "k", read))
	}
}

func TestDefaultTierLimitOverride(t *testing.T) {
	rl := NewRateLimiter(nil, 2)

	assert.True(t, rl.Allow(context.Background(), "k", TierDefault))
	assert.True(t, rl.Allow(context.Background(), "k", TierDefault))
	assert.False(t, rl.Allow(context.Background(), "k", TierDefault))

	// the override touches only the read tier
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(context.Background(), "k", Tier{Name: "write", Limit: 20, Window: time.Minute}))
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewRateLimiter(rdb, 0)
	tier := Tier{Name: "test", Limit: 2, Window: time.Minute}

	assert.True(t, rl.Allow(context.Background(), "k", tier))
	assert.True(t, rl.Allow(context.Background(), "k", tier))
	assert.False(t, rl.Allow(context.Background(), "k", tier))

	mr.FastForward(time.Minute + time.Second)
	assert.True(t, rl.Allow(context.Background(), "k", tier))
}

func TestRedisLimiterScopesKeysByTier(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewRateLimiter(rdb, 0)

	write := Tier{Name: "write", Limit: 1, Window: time.Minute}
	read := Tier{Name: "default", Limit: 3, Window: time.Minute}

	assert.True(t, rl.Allow(context.Background(), "k", write))
	assert.False(t, rl.Allow(context.Background(), "k", write))
	assert.True(t, rl.Allow(context.Background(), "k", read))

	// separate redis counters per tier
	assert.True(t, mr.Exists("ratelimit:write:k"))
	assert.True(t, mr.Exists("ratelimit:default:k"))
}

func TestMiddlewareReturns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(nil, 0)
	rl.Limited = prometheus.NewCounter(prometheus.CounterOpts{Name: "test_rate_limited_total"})
	tier := Tier{Name: "test", Limit: 1, Window: time.Minute}

	var hits int
	h := rl.Middleware(tier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/verify", nil)
	req.Header.Set("X-Api-Key", "garl_abc")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1.0, testutil.ToFloat64(rl.Limited))
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/agents", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))

	// unknown origins get no allow header
	req = httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
