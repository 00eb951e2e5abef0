package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoginRateLimiter(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLoginRateLimiter(3, time.Minute, false)
	limiter.now = clock.Now

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = ip + ":40000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, send("10.0.0.1").Code)
		clock.Advance(10 * time.Second)
	}

	rec := send("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, send("10.0.0.2").Code)

	clock.Advance(31 * time.Second)
	assert.Equal(t, http.StatusOK, send("10.0.0.1").Code)
}

func TestLoginRateLimiterDefaults(t *testing.T) {
	limiter := NewLoginRateLimiter(0, 0, false)
	assert.Equal(t, 10, limiter.maxHits)
	assert.Equal(t, time.Minute, limiter.window)
}

func TestLoginRateLimiterIgnoresForwardedForWithoutTrustedProxy(t *testing.T) {
	limiter := NewLoginRateLimiter(2, time.Minute, false)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "10.0.0.1:40000"
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("203.0.113.1"))
	assert.Equal(t, http.StatusOK, send("203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.3"))
}

func TestLoginRateLimiterBehindTrustedProxy(t *testing.T) {
	limiter := NewLoginRateLimiter(1, time.Minute, true)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "10.0.0.1:40000"
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("203.0.113.1"))
	// a spoofed leading hop does not change the proxy-appended client address
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.9, 203.0.113.1"))
	assert.Equal(t, http.StatusOK, send("203.0.113.2"))
}
