package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/meter/internal/governance/ratelimit"
)

type principalKey struct{}

func testPrincipal(ctx context.Context) string {
	id, _ := ctx.Value(principalKey{}).(string)
	return id
}

func setupRateLimiter(t *testing.T, class ratelimit.Class, max int, trusted ...string) http.Handler {
	t.Helper()
	return newTestRateLimiter(t, class, max, trusted...).Limit(class)(okHandler())
}

func newTestRateLimiter(t *testing.T, class ratelimit.Class, max int, trusted ...string) *RateLimiter {
	t.Helper()
	limiter := ratelimit.NewLimiter(map[ratelimit.Class]ratelimit.Rule{
		class: {Max: max, Window: time.Minute},
	})
	addr := ratelimit.AddrConfig{IPv6Prefix: ratelimit.DefaultIPv6Prefix}
	for _, p := range trusted {
		addr.TrustedProxies = append(addr.TrustedProxies, netip.MustParsePrefix(p))
	}
	return NewRateLimiter(limiter, testPrincipal, addr)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(handler http.Handler, remoteAddr, principal string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/v1/quota/chat/check", nil)
	req.RemoteAddr = remoteAddr
	if principal != "" {
		req = req.WithContext(context.WithValue(req.Context(), principalKey{}, principal))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	handler := setupRateLimiter(t, ratelimit.ClassAI, 5)

	for i := 0; i < 5; i++ {
		rec := doRequest(handler, "192.168.1.1:12345", "")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(5-(i+1)), rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	handler := setupRateLimiter(t, ratelimit.ClassAI, 3)

	for i := 0; i < 3; i++ {
		rec := doRequest(handler, "10.0.0.1:12345", "")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := doRequest(handler, "10.0.0.1:12345", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, 60)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "too many requests", body["error"])
	assert.Equal(t, float64(retryAfter), body["retry_after"])
}

func TestRateLimiter_DifferentIPs(t *testing.T) {
	handler := setupRateLimiter(t, ratelimit.ClassRead, 2)

	for i := 0; i < 2; i++ {
		doRequest(handler, "10.0.0.1:12345", "")
	}
	assert.Equal(t, http.StatusTooManyRequests, doRequest(handler, "10.0.0.1:12345", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.2:12345", "").Code)
}

func TestRateLimiter_IPv6SameAllocationShareWindow(t *testing.T) {
	handler := setupRateLimiter(t, ratelimit.ClassRead, 1)

	assert.Equal(t, http.StatusOK, doRequest(handler, "[2001:db8:1:100::1]:443", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(handler, "[2001:db8:1:1ff::2]:443", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(handler, "[2001:db8:1:200::1]:443", "").Code)
}

func TestRateLimiter_KeysByPrincipal(t *testing.T) {
	handler := setupRateLimiter(t, ratelimit.ClassAI, 1)

	// Same address, different users.
	assert.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.9:1", "user-1").Code)
	assert.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.9:1", "user-2").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(handler, "10.0.0.10:1", "user-1").Code)
}

func TestRateLimiter_UsesForwardedFor(t *testing.T) {
	handler := setupRateLimiter(t, ratelimit.ClassWebhook, 1, "127.0.0.0/8")

	req := httptest.NewRequest("POST", "/api/v1/internal/usage", nil)
	req.RemoteAddr = "127.0.0.1:1"
	req.Header.Set("X-Forwarded-For", "203.0.113.50")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Different proxy hop, same client.
	req = httptest.NewRequest("POST", "/api/v1/internal/usage", nil)
	req.RemoteAddr = "127.0.0.2:1"
	req.Header.Set("X-Forwarded-For", "203.0.113.50, 127.0.0.1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiter_IgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	handler := setupRateLimiter(t, ratelimit.ClassAuth, 5, "10.0.0.0/8")

	rejected := 0
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest("POST", "/api/v1/auth/login", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.%d.%d", i/250, i%250+1))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i%250+1))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			rejected++
		}
	}
	assert.Equal(t, 95, rejected)
}

func TestRateLimiter_SpoofedHopBehindTrustedProxy(t *testing.T) {
	handler := setupRateLimiter(t, ratelimit.ClassAuth, 1, "10.0.0.0/8")

	// The client prepends a forged hop; the proxy appends the real address.
	for i, forged := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest("POST", "/api/v1/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:1"
		req.Header.Set("X-Forwarded-For", forged+", 203.0.113.9")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if i == 0 {
			assert.Equal(t, http.StatusOK, rec.Code)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	}
}

func TestRateLimiter_KeyBy(t *testing.T) {
	rl := newTestRateLimiter(t, ratelimit.ClassMetering, 2)
	rl.KeyBy(ratelimit.ClassMetering, func(r *http.Request) string {
		if r.Header.Get("X-Metering-Key") == "secret" {
			return "reporter"
		}
		return ""
	})
	handler := rl.Limit(ratelimit.ClassMetering)(okHandler())

	send := func(remoteAddr, key string) int {
		req := httptest.NewRequest("POST", "/api/v1/internal/usage", nil)
		req.RemoteAddr = remoteAddr
		if key != "" {
			req.Header.Set("X-Metering-Key", key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// The credential is one window regardless of which replica sends.
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1", "secret"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1", "secret"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.3:1", "secret"))

	// Without a valid key the address is used.
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1", "wrong"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1", ""))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1", "wrong"))
}
