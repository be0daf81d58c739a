package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/conversion"
	"github.com/radiusdt/vector-attribution/internal/database"
	"github.com/radiusdt/vector-attribution/internal/funnel"
	"github.com/radiusdt/vector-attribution/internal/geo"
	"github.com/radiusdt/vector-attribution/internal/ingest"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/middleware"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/reporting"
	"github.com/radiusdt/vector-attribution/internal/rollup"
	"github.com/radiusdt/vector-attribution/internal/storage"
	"github.com/radiusdt/vector-attribution/internal/tracking"
)

// WebhookTopicHeader names the header carrying the order webhook topic.
const WebhookTopicHeader = "X-Webhook-Topic"

// defaultReportDays is the funnel window when the request gives none.
const defaultReportDays = 30

// Dependencies holds all external dependencies for the server. Nil
// backends fall back to in-memory storage.
type Dependencies struct {
	DB         *database.PostgresDB
	Redis      *database.RedisDB
	ClickHouse *database.ClickHouseDB
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Server wraps HTTP handlers and the attribution services.
type Server struct {
	handler    http.Handler
	tracker    *tracking.Tracker
	recorder   *conversion.Recorder
	dispatcher *ingest.Dispatcher
	webhook    *ingest.OrderWebhook
	spend      *ingest.SpendImporter
	funnels    *funnel.Aggregator
	realtime   *rollup.Realtime
	reports    *reporting.Service
	geoDB      *geo.MaxMindProvider
	funnelDefs map[string]config.FunnelDef
	backends   map[string]func(context.Context) error
	logger     *zap.Logger
	config     *config.Config
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewServer wires the services and registers all routes behind the middleware chain.
func NewServer(deps *Dependencies) (*Server, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Initialize stores
	var store storage.Store
	if deps.DB != nil {
		store = storage.NewPostgresStore(deps.DB.Pool)
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("Using in-memory storage")
	}

	var rollups storage.RollupStore = store
	if deps.Redis != nil {
		rollups = storage.NewRedisRollupStore(deps.Redis.Client)
		logger.Info("Using Redis rollup counters")
	}

	var events storage.EventStore = store
	if deps.ClickHouse != nil {
		events = storage.NewClickHouseEventStore(deps.ClickHouse.Conn)
		logger.Info("Using ClickHouse event store")
	}

	loc, err := cfg.Attribution.Location()
	if err != nil {
		return nil, fmt.Errorf("reporting timezone: %w", err)
	}

	funnelDefs, err := config.LoadFunnels(cfg.Funnels.File)
	if err != nil {
		return nil, err
	}
	if _, ok := funnelDefs[cfg.Funnels.Default]; !ok {
		return nil, fmt.Errorf("default funnel %q is not defined", cfg.Funnels.Default)
	}

	s := &Server{
		backends:   backendChecks(deps),
		funnelDefs: funnelDefs,
		logger:     logger,
		config:     cfg,
		metrics:    deps.Metrics,
		now:        time.Now,
	}

	locator, err := s.newLocator()
	if err != nil {
		return nil, err
	}

	// Initialize services
	aggregator := rollup.NewAggregator(rollups, loc)
	enricher := tracking.NewEnricher(nil)
	if locator != nil {
		enricher = tracking.NewEnricher(locator)
	}
	s.tracker = tracking.NewTracker(store, store, events, aggregator, enricher,
		cfg.Attribution.SessionWindow, logger, deps.Metrics)
	journeys := tracking.NewJourneyAssembler(store, store)
	s.recorder = conversion.NewRecorder(store, store, events, journeys, aggregator,
		cfg.Attribution.HalfLife, logger, deps.Metrics)
	s.dispatcher = ingest.NewDispatcher(s.tracker, s.recorder, logger, deps.Metrics)
	s.webhook = ingest.NewOrderWebhook(s.recorder, logger)
	s.spend = ingest.NewSpendImporter(aggregator, loc, logger, deps.Metrics)
	s.funnels = funnel.NewAggregator(events, store, logger, deps.Metrics)
	s.realtime = rollup.NewRealtime(store, events, store, cfg.Realtime.CacheTTL, cfg.Realtime.TopPagesLimit, deps.Metrics)
	s.reports = reporting.NewService(aggregator, store, store)

	mux := http.NewServeMux()

	// Health check (no auth)
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
	}

	// Ingestion
	mux.HandleFunc("/track", s.handleTrack)
	mux.HandleFunc("/webhooks/orders", s.handleOrderWebhook)
	mux.HandleFunc("/connectors/spend", s.handleSpendImport)

	// Funnels
	mux.HandleFunc("/funnel", s.handleDefaultFunnel)
	mux.HandleFunc("/funnels/", s.handleFunnelByName)

	// Reporting
	mux.HandleFunc("/reports/channels", s.handleChannelReport)
	mux.HandleFunc("/reports/campaigns", s.handleCampaignReport)
	mux.HandleFunc("/reports/overview", s.handleOverview)
	mux.HandleFunc("/reports/realtime", s.handleRealtime)
	mux.HandleFunc("/sessions/recent", s.handleRecentSessions)
	mux.HandleFunc("/conversions/", s.handleConversionByOrder)

	s.handler = middleware.Chain(mux,
		middleware.NewRecoveryMiddleware(logger).Handler,
		middleware.NewLoggingMiddleware(logger, deps.Metrics).Handler,
		middleware.NewRateLimitMiddleware(cfg.RateLimit, logger, deps.Metrics).Handler,
		middleware.NewAuthMiddleware(cfg.Auth, logger).Handler,
	)

	return s, nil
}

func (s *Server) newLocator() (*geo.Locator, error) {
	if !s.config.Geo.Enabled {
		return nil, nil
	}
	provider, err := geo.NewMaxMindProvider(s.config.Geo.DatabasePath)
	if err != nil {
		s.logger.Warn("GeoIP database not available, geo enrichment disabled", zap.Error(err))
		return nil, nil
	}
	s.geoDB = provider
	return geo.NewLocator(provider, s.config.Geo.CacheSize, s.metrics)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Dispatcher exposes the envelope dispatcher for non-HTTP ingress.
func (s *Server) Dispatcher() *ingest.Dispatcher {
	return s.dispatcher
}

// Close releases resources owned by the server.
func (s *Server) Close() error {
	if s.geoDB != nil {
		return s.geoDB.Close()
	}
	return nil
}

// ---- Health Check ----

// backendChecks collects the ping of every configured backend.
func backendChecks(deps *Dependencies) map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if deps.DB != nil {
		checks["postgres"] = deps.DB.Health
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Health
	}
	if deps.ClickHouse != nil {
		checks["clickhouse"] = deps.ClickHouse.Health
	}
	return checks
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storageContext(r)
	defer cancel()

	resp := map[string]string{"status": "ok"}
	for name, check := range s.backends {
		if err := check(ctx); err != nil {
			s.logger.Warn("Backend health check failed", zap.String("backend", name), zap.Error(err))
			resp[name] = "unavailable"
			resp["status"] = "degraded"
		}
	}
	if resp["status"] != "ok" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	s.jsonResponse(w, resp)
}

// ---- Ingestion ----

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	envs, err := ingest.DecodeEnvelopes(body)
	if err != nil {
		s.storageError(w, err)
		return
	}
	for i := range envs {
		envs[i] = withRequestContext(envs[i], r)
	}

	ctx, cancel := s.storageContext(r)
	defer cancel()

	results, err := s.dispatcher.DispatchBatch(ctx, envs)
	if err != nil {
		s.logger.Error("Track batch failed", zap.Int("processed", len(results)), zap.Error(err))
		s.storageError(w, err)
		return
	}
	if len(envs) == 1 && results[0].Status == ingest.StatusRejected {
		s.errorResponse(w, results[0].Error, http.StatusBadRequest)
		return
	}

	s.jsonResponse(w, map[string]any{"results": results})
}

// withRequestContext fills userAgent and ipAddress on activity envelopes
// from the request when the tracking script did not send them.
func withRequestContext(env ingest.Envelope, r *http.Request) ingest.Envelope {
	if env.Type == ingest.TypeConversion || len(env.Data) == 0 {
		return env
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		return env
	}
	changed := false
	if _, ok := fields["userAgent"]; !ok && r.UserAgent() != "" {
		fields["userAgent"], _ = json.Marshal(r.UserAgent())
		changed = true
	}
	if _, ok := fields["ipAddress"]; !ok {
		fields["ipAddress"], _ = json.Marshal(middleware.ClientIP(r))
		changed = true
	}
	if !changed {
		return env
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return env
	}
	env.Data = data
	return env
}

func (s *Server) handleOrderWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	topic := r.Header.Get(WebhookTopicHeader)
	if topic == "" {
		topic = r.URL.Query().Get("topic")
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.storageContext(r)
	defer cancel()

	res, err := s.webhook.Handle(ctx, topic, body)
	if err != nil {
		s.logger.Warn("Order webhook failed", zap.String("topic", topic), zap.Error(err))
		s.storageError(w, err)
		return
	}
	s.jsonResponse(w, res)
}

func (s *Server) handleSpendImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var records []ingest.SpendRecord
	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	ctx, cancel := s.storageContext(r)
	defer cancel()

	n, err := s.spend.Import(ctx, records)
	if err != nil {
		s.storageError(w, err)
		return
	}
	s.jsonResponse(w, map[string]int{"imported": n})
}

// ---- Funnels ----

func (s *Server) handleDefaultFunnel(w http.ResponseWriter, r *http.Request) {
	report, ok := s.computeFunnel(w, r, s.config.Funnels.Default)
	if !ok {
		return
	}
	s.jsonResponse(w, report)
}

func (s *Server) handleFunnelByName(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/funnels/")
	if name == "" {
		names := make([]string, 0, len(s.funnelDefs))
		for n := range s.funnelDefs {
			names = append(names, n)
		}
		s.jsonResponse(w, map[string][]string{"funnels": names})
		return
	}
	report, ok := s.computeFunnel(w, r, name)
	if !ok {
		return
	}
	s.jsonResponse(w, report)
}

func (s *Server) computeFunnel(w http.ResponseWriter, r *http.Request, name string) (*funnel.Report, bool) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	def, ok := s.funnelDefs[name]
	if !ok {
		s.errorResponse(w, "funnel not found", http.StatusNotFound)
		return nil, false
	}

	now := s.now()
	from, to, err := parseRange(r, now.AddDate(0, 0, -defaultReportDays), now)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	ctx, cancel := s.storageContext(r)
	defer cancel()

	report, err := s.funnels.Compute(ctx, def.Name, funnel.StepsFromConfig(def), funnel.Window{From: from, To: to})
	if err != nil {
		s.storageError(w, err)
		return nil, false
	}
	return report, true
}

// ---- Reporting ----

func (s *Server) handleChannelReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := s.storageContext(r)
	defer cancel()

	channels, err := s.reports.ChannelReport(ctx)
	if err != nil {
		s.storageError(w, err)
		return
	}
	s.jsonResponse(w, channels)
}

func (s *Server) handleCampaignReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := s.storageContext(r)
	defer cancel()

	campaigns, err := s.reports.Campaigns(ctx)
	if err != nil {
		s.storageError(w, err)
		return
	}
	s.jsonResponse(w, campaigns)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	now := s.now()
	from, to, err := parseRange(r, now.AddDate(0, 0, -(defaultReportDays - 1)), now)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := s.storageContext(r)
	defer cancel()

	overview, err := s.reports.Overview(ctx, from, to)
	if err != nil {
		s.storageError(w, err)
		return
	}
	s.jsonResponse(w, overview)
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := s.storageContext(r)
	defer cancel()

	snap, err := s.realtime.Snapshot(ctx)
	if err != nil {
		s.storageError(w, err)
		return
	}
	s.jsonResponse(w, snap)
}

func (s *Server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := s.config.Realtime.RecentSessions
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, limit)
	}

	ctx, cancel := s.storageContext(r)
	defer cancel()

	sessions, err := s.reports.RecentSessions(ctx, limit)
	if err != nil {
		s.storageError(w, err)
		return
	}
	s.jsonResponse(w, sessions)
}

func (s *Server) handleConversionByOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orderID := strings.TrimPrefix(r.URL.Path, "/conversions/")
	if orderID == "" {
		s.errorResponse(w, "order id required", http.StatusBadRequest)
		return
	}

	ctx, cancel := s.storageContext(r)
	defer cancel()

	c, err := s.recorder.Get(ctx, orderID)
	if err != nil {
		s.storageError(w, err)
		return
	}
	s.jsonResponse(w, c)
}

// ---- Helper Methods ----

func (s *Server) storageContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.config.Server.StorageTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.config.Server.StorageTimeout)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.errorResponse(w, "request body too large", http.StatusRequestEntityTooLarge)
		} else {
			s.errorResponse(w, "failed to read body", http.StatusBadRequest)
		}
		return nil, false
	}
	return body, true
}

// parseRange reads from/to query parameters as RFC 3339 timestamps or
// YYYY-MM-DD dates. A date-only "to" covers the whole day.
func parseRange(r *http.Request, defFrom, defTo time.Time) (time.Time, time.Time, error) {
	q := r.URL.Query()
	from, to := defFrom, defTo
	if v := q.Get("from"); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %q", v)
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, dateOnly, err := parseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %q", v)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		to = t
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to must not be before from")
	}
	return from, to, nil
}

func parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, false, nil
	}
	t, err := time.Parse(models.DateLayout, v)
	return t, true, err
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// storageError maps service errors to HTTP status codes.
func (s *Server) storageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrMalformedPayload):
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrConversionNotFound), errors.Is(err, models.ErrSessionNotFound):
		s.errorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrStorageUnavailable), errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		s.logger.Error("Request failed", zap.Error(err))
		s.errorResponse(w, "internal server error", http.StatusInternalServerError)
	}
}
