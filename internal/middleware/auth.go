package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
)

type contextKey string

const (
	// APIKeyContextKey holds the authenticated API key in the request context.
	APIKeyContextKey contextKey = "api_key"

	AuthHeaderName = "X-API-Key"
	AuthQueryParam = "api_key"
)

// AuthMiddleware checks the API key on every path outside SkipPaths.
type AuthMiddleware struct {
	cfg    config.AuthConfig
	logger *zap.Logger
}

// NewAuthMiddleware creates an authentication middleware.
func NewAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{cfg: cfg, logger: logger}
}

// Handler wraps next with authentication.
func (a *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled || a.shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(AuthHeaderName)
		if apiKey == "" {
			apiKey = r.URL.Query().Get(AuthQueryParam)
		}
		if apiKey == "" {
			a.unauthorized(w, "missing API key")
			return
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(a.cfg.MasterKey)) != 1 {
			a.logger.Warn("Invalid API key attempt",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			a.unauthorized(w, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyContextKey, apiKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AuthMiddleware) shouldSkip(path string) bool {
	for _, skip := range a.cfg.SkipPaths {
		if path == skip || strings.HasPrefix(path, strings.TrimSuffix(skip, "/")+"/") {
			return true
		}
	}
	return false
}

func (a *AuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "ApiKey")
	writeJSONError(w, http.StatusUnauthorized, message)
}
