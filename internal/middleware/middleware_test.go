package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthMiddleware(config.AuthConfig{
		Enabled:   true,
		MasterKey: "secret",
		SkipPaths: []string{"/health", "/track"},
	}, zap.NewNop())
	h := auth.Handler(okHandler)

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{"skip path", "/health", "", http.StatusOK},
		{"skip exact only", "/tracking-pixel", "", http.StatusUnauthorized},
		{"missing key", "/reports/overview", "", http.StatusUnauthorized},
		{"wrong key", "/reports/overview", "nope", http.StatusUnauthorized},
		{"valid key", "/reports/overview", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set(AuthHeaderName, tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRateLimitSeparatesIngest(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled: true, RPS: 1, Burst: 1, IngestRPS: 1, IngestBurst: 2,
	}, zap.NewNop(), nil)
	h := rl.Handler(okHandler)

	do := func(path string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("/reports/overview"))
	assert.Equal(t, http.StatusTooManyRequests, do("/reports/overview"))
	assert.Equal(t, http.StatusOK, do("/track"))
	assert.Equal(t, http.StatusOK, do("/track"))
	assert.Equal(t, http.StatusTooManyRequests, do("/track"))
	assert.Equal(t, http.StatusOK, do("/health"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := NewRecoveryMiddleware(zap.NewNop()).Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	Chain(okHandler, mw("a"), mw("b"), mw("c")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	assert.Equal(t, "1.2.3.4", ClientIP(req))
}
