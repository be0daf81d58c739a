package middleware

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/metrics"
)

// responseWriter captures status code and size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// LoggingMiddleware writes an access log line and request metrics.
type LoggingMiddleware struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewLoggingMiddleware creates a logging middleware. m may be nil.
func NewLoggingMiddleware(logger *zap.Logger, m *metrics.Metrics) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger, metrics: m}
}

// Handler wraps next with request logging.
func (l *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		l.metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.status, duration)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int("size", rw.size),
			zap.Duration("duration", duration),
			zap.String("remote_addr", r.RemoteAddr),
		}

		switch {
		case rw.status >= 500:
			l.logger.Error("Request completed", fields...)
		case rw.status >= 400:
			l.logger.Warn("Request completed", fields...)
		case r.URL.Path == "/health" || r.URL.Path == "/metrics" || r.URL.Path == "/track":
			l.logger.Debug("Request completed", fields...)
		default:
			l.logger.Info("Request completed", fields...)
		}
	})
}

// routeLabel keeps the metric label set bounded: path parameters are cut off.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/conversions/"):
		return "/conversions/{orderId}"
	case strings.HasPrefix(path, "/funnels/"):
		return "/funnels/{name}"
	}
	return path
}
