package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = clock.Now
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("ip:1.2.3.4"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("ip:1.2.3.4"), "request after burst")

	clock.Advance(time.Second)
	assert.True(t, limiter.Allow("ip:1.2.3.4"), "one token refilled after a second")
	assert.False(t, limiter.Allow("ip:1.2.3.4"))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer limiter.Stop()

	assert.True(t, limiter.Allow("actor:buyer-1"))
	assert.False(t, limiter.Allow("actor:buyer-1"))
	assert.True(t, limiter.Allow("actor:buyer-2"))
}

func TestLimiterScopesAreIndependent(t *testing.T) {
	general, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer general.Stop()
	otp, _ := newTestLimiter(OTPConfig())
	defer otp.Stop()

	assert.True(t, general.Allow("actor:buyer-1"))
	assert.False(t, general.Allow("actor:buyer-1"))
	assert.True(t, otp.Allow("actor:buyer-1"))
}

func TestMiddleware_KeysByActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer limiter.Stop()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("actorId", c.GetHeader("X-Actor"))
		c.Next()
	})
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(actor string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set("X-Actor", actor)
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("seller-1").Code)
	w := do("seller-1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do("seller-2").Code)
}

func TestStop_Idempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}
