package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/meter/internal/governance/ratelimit"
)

func okHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"handler": name})
	}
}

func headerGate(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(header) == "" {
				HandleError(w, ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func testHandlers() HandlerSet {
	return HandlerSet{
		GetUsage:         okHandler("usage"),
		ListUsageEvents:  okHandler("events"),
		CheckQuota:       okHandler("check"),
		UpdateTierLimits: okHandler("limits"),
		RecordUsage:      okHandler("record"),
		AuthMiddleware:   headerGate("X-Test-User"),
		AdminMiddleware:  headerGate("X-Test-Admin"),
	}
}

func serve(h http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Routes(t *testing.T) {
	r := NewRouter(RouterConfig{}, testHandlers())
	user := map[string]string{"X-Test-User": "1"}
	admin := map[string]string{"X-Test-User": "1", "X-Test-Admin": "1"}

	tests := []struct {
		method  string
		path    string
		headers map[string]string
		status  int
	}{
		{"GET", "/api/v1/usage", user, http.StatusOK},
		{"GET", "/api/v1/usage", nil, http.StatusUnauthorized},
		{"GET", "/api/v1/usage/events", user, http.StatusOK},
		{"POST", "/api/v1/quota/chat/check", user, http.StatusOK},
		{"PUT", "/api/v1/admin/limits/free", user, http.StatusUnauthorized},
		{"PUT", "/api/v1/admin/limits/free", admin, http.StatusOK},
		{"POST", "/api/v1/internal/usage", nil, http.StatusOK},
		{"GET", "/api/v1/unknown", user, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(r, tt.method, tt.path, tt.headers)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestRouter_Health(t *testing.T) {
	failing := errors.New("down")
	r := NewRouter(RouterConfig{HealthChecks: map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return failing },
	}}, testHandlers())

	rec := serve(r, "GET", "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(r, "GET", "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	health, ok := body.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "degraded", health["status"])
	assert.Equal(t, "healthy", health["database"])
	assert.Equal(t, "unhealthy", health["redis"])
}

func TestRouter_Metrics(t *testing.T) {
	r := NewRouter(RouterConfig{}, testHandlers())

	rec := serve(r, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_RateLimitClasses(t *testing.T) {
	var classes []ratelimit.Class
	cfg := RouterConfig{
		RateLimit: func(class ratelimit.Class) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					classes = append(classes, class)
					next.ServeHTTP(w, r)
				})
			}
		},
	}
	r := NewRouter(cfg, testHandlers())

	serve(r, "POST", "/api/v1/quota/chat/check", map[string]string{"X-Test-User": "1"})
	assert.Equal(t, []ratelimit.Class{ratelimit.ClassGlobal, ratelimit.ClassAI}, classes)

	classes = nil
	serve(r, "POST", "/api/v1/internal/usage", nil)
	assert.Equal(t, []ratelimit.Class{ratelimit.ClassMetering}, classes)

	classes = nil
	serve(r, "GET", "/api/v1/usage", map[string]string{"X-Test-User": "1"})
	assert.Equal(t, []ratelimit.Class{ratelimit.ClassGlobal, ratelimit.ClassRead}, classes)
}
