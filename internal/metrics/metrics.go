package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the attribution service.
// Record* helpers are no-ops on a nil *Metrics.
type Metrics struct {
	// Ingest metrics
	IngestEvents  *prometheus.CounterVec
	IngestLatency *prometheus.HistogramVec

	// Tracking metrics
	Sessions    *prometheus.CounterVec
	Touchpoints *prometheus.CounterVec
	Events      *prometheus.CounterVec

	// Conversion/attribution metrics
	Conversions        *prometheus.CounterVec
	Revenue            *prometheus.CounterVec
	JourneyLength      prometheus.Histogram
	AttributionLatency prometheus.Histogram

	// Aggregation metrics
	FunnelLatency *prometheus.HistogramVec
	RollupErrors  *prometheus.CounterVec
	RealtimeCache *prometheus.CounterVec
	SpendImported *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests  *prometheus.CounterVec
	HTTPLatency   *prometheus.HistogramVec
	RateLimitHits *prometheus.CounterVec

	// System metrics
	DBConnections    *prometheus.GaugeVec
	GeoLookupLatency *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IngestEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_events_total",
				Help:      "Total number of ingress envelopes processed",
			},
			[]string{"type", "status"},
		),
		IngestLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_latency_seconds",
				Help:      "Envelope processing latency",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"type"},
		),
		Sessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Session activities recorded",
			},
			[]string{"created"},
		),
		Touchpoints: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "touchpoints_total",
				Help:      "Touchpoints by outcome",
			},
			[]string{"status"},
		),
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Raw events appended",
			},
			[]string{"kind"},
		),
		Conversions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversions_total",
				Help:      "Conversions by outcome",
			},
			[]string{"status"},
		),
		Revenue: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revenue_total",
				Help:      "Revenue of newly recorded conversions",
			},
			[]string{"currency"},
		),
		JourneyLength: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "journey_touchpoints",
				Help:      "Touchpoints per attributed journey",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
			},
		),
		AttributionLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attribution_latency_seconds",
				Help:      "Time spent assembling and attributing a journey",
				Buckets:   prometheus.DefBuckets,
			},
		),
		FunnelLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "funnel_latency_seconds",
				Help:      "Funnel computation latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"funnel"},
		),
		RollupErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_errors_total",
				Help:      "Failed rollup increments",
			},
			[]string{"rollup"},
		),
		RealtimeCache: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "realtime_cache_total",
				Help:      "Realtime snapshot cache lookups",
			},
			[]string{"hit"},
		),
		SpendImported: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spend_imported_total",
				Help:      "Ad spend imported from connectors",
			},
			[]string{"source"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"method", "path", "status"},
		),
		HTTPLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
		DBConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"},
		),
		GeoLookupLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "geo_lookup_latency_seconds",
				Help:      "GeoIP lookup latency",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005},
			},
			[]string{"cache_hit"},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordIngest records one processed envelope.
func (m *Metrics) RecordIngest(eventType, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.IngestEvents.WithLabelValues(eventType, status).Inc()
	m.IngestLatency.WithLabelValues(eventType).Observe(latency.Seconds())
}

// RecordSession records a session activity.
func (m *Metrics) RecordSession(created bool) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(strconv.FormatBool(created)).Inc()
}

// RecordTouchpoint records a touchpoint outcome (recorded or orphaned).
func (m *Metrics) RecordTouchpoint(status string) {
	if m == nil {
		return
	}
	m.Touchpoints.WithLabelValues(status).Inc()
}

// RecordEvent records an appended event.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind).Inc()
}

// RecordConversion records a conversion outcome.
func (m *Metrics) RecordConversion(status, currency string, revenue float64) {
	if m == nil {
		return
	}
	m.Conversions.WithLabelValues(status).Inc()
	if revenue > 0 {
		m.Revenue.WithLabelValues(currency).Add(revenue)
	}
}

// RecordAttribution records journey size and attribution latency.
func (m *Metrics) RecordAttribution(touchpoints int, latency time.Duration) {
	if m == nil {
		return
	}
	m.JourneyLength.Observe(float64(touchpoints))
	m.AttributionLatency.Observe(latency.Seconds())
}

// RecordFunnel records a funnel computation.
func (m *Metrics) RecordFunnel(funnel string, latency time.Duration) {
	if m == nil {
		return
	}
	m.FunnelLatency.WithLabelValues(funnel).Observe(latency.Seconds())
}

// RecordRollupError records a failed rollup increment.
func (m *Metrics) RecordRollupError(rollup string) {
	if m == nil {
		return
	}
	m.RollupErrors.WithLabelValues(rollup).Inc()
}

// RecordRealtimeCache records a realtime cache lookup.
func (m *Metrics) RecordRealtimeCache(hit bool) {
	if m == nil {
		return
	}
	m.RealtimeCache.WithLabelValues(strconv.FormatBool(hit)).Inc()
}

// RecordSpend records imported spend.
func (m *Metrics) RecordSpend(source string, amount float64) {
	if m == nil {
		return
	}
	m.SpendImported.WithLabelValues(source).Add(amount)
}

// RecordHTTPRequest records a served request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, path).Observe(latency.Seconds())
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordGeoLookup records a geo lookup.
func (m *Metrics) RecordGeoLookup(cacheHit bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.GeoLookupLatency.WithLabelValues(strconv.FormatBool(cacheHit)).Observe(latency.Seconds())
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	if m == nil {
		return
	}
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}
