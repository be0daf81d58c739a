package middleware

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/metrics"
)

// RateLimitMiddleware applies token buckets: one for ingestion endpoints,
// which see storefront traffic, and one for the dashboard API.
type RateLimitMiddleware struct {
	cfg           config.RateLimitConfig
	logger        *zap.Logger
	metrics       *metrics.Metrics
	ingestLimiter *rate.Limiter
	apiLimiter    *rate.Limiter
}

// NewRateLimitMiddleware creates a rate limiting middleware. m may be nil.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *zap.Logger, m *metrics.Metrics) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
		ingestLimiter: rate.NewLimiter(rate.Limit(cfg.IngestRPS), cfg.IngestBurst),
		apiLimiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
}

// Handler wraps next with rate limiting.
func (rl *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		limiter, endpoint := rl.apiLimiter, "api"
		if isIngestEndpoint(r.URL.Path) {
			limiter, endpoint = rl.ingestLimiter, "ingest"
		}

		if !limiter.Allow() {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("path", r.URL.Path),
				zap.String("client_ip", ClientIP(r)),
			)
			rl.metrics.RecordRateLimitHit(endpoint)
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isIngestEndpoint(path string) bool {
	return path == "/track" || strings.HasPrefix(path, "/webhooks/") || strings.HasPrefix(path, "/connectors/")
}
