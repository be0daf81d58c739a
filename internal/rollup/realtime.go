package rollup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// Real-time windows.
const (
	ActiveSessionWindow  = 30 * time.Minute
	RecentActivityWindow = time.Hour

	MaxCacheTTL = 60 * time.Second
)

// Snapshot is the real-time dashboard view.
type Snapshot struct {
	ActiveUsers       int64              `json:"active_users"`
	SessionsLast30Min int64              `json:"sessions_last_30_min"`
	ConversionsLastHr int64              `json:"conversions_last_hour"`
	RevenueLastHr     float64            `json:"revenue_last_hour"`
	TopPages          []models.PageCount `json:"top_pages"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

// Realtime computes and caches the dashboard snapshot. Concurrent callers
// within the TTL share one computed value.
type Realtime struct {
	sessions storage.SessionStore
	events   storage.EventStore
	convs    storage.ConversionStore
	ttl      time.Duration
	topPages int
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	cached  *Snapshot
	expires time.Time
}

// NewRealtime creates a snapshot provider. ttl is clamped to [0, MaxCacheTTL];
// zero disables caching.
func NewRealtime(
	sessions storage.SessionStore,
	events storage.EventStore,
	convs storage.ConversionStore,
	ttl time.Duration,
	topPages int,
	m *metrics.Metrics,
) *Realtime {
	if ttl < 0 {
		ttl = 0
	}
	if ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	if topPages <= 0 {
		topPages = 10
	}
	return &Realtime{
		sessions: sessions,
		events:   events,
		convs:    convs,
		ttl:      ttl,
		topPages: topPages,
		metrics:  m,
		now:      time.Now,
	}
}

// Snapshot returns the cached snapshot while it is fresh, otherwise recomputes it.
func (r *Realtime) Snapshot(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.cached != nil && now.Before(r.expires) {
		r.metrics.RecordRealtimeCache(true)
		return r.cached, nil
	}
	r.metrics.RecordRealtimeCache(false)

	snap, err := r.compute(ctx, now)
	if err != nil {
		return nil, err
	}
	r.cached = snap
	r.expires = now.Add(r.ttl)
	return snap, nil
}

func (r *Realtime) compute(ctx context.Context, now time.Time) (*Snapshot, error) {
	snap := &Snapshot{GeneratedAt: now.UTC()}

	var err error
	if snap.ActiveUsers, err = r.sessions.CountActiveVisitors(ctx, now); err != nil {
		return nil, fmt.Errorf("count active visitors: %w", err)
	}
	if snap.SessionsLast30Min, err = r.sessions.CountSessionsSince(ctx, now.Add(-ActiveSessionWindow)); err != nil {
		return nil, fmt.Errorf("count recent sessions: %w", err)
	}
	if snap.ConversionsLastHr, snap.RevenueLastHr, err = r.convs.ConversionsSince(ctx, now.Add(-RecentActivityWindow)); err != nil {
		return nil, fmt.Errorf("count recent conversions: %w", err)
	}
	if snap.TopPages, err = r.events.TopPages(ctx, now.Add(-RecentActivityWindow), r.topPages); err != nil {
		return nil, fmt.Errorf("top pages: %w", err)
	}
	if snap.TopPages == nil {
		snap.TopPages = []models.PageCount{}
	}
	return snap, nil
}
