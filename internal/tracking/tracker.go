// Package tracking records visitor sessions, marketing touchpoints and raw
// events, and assembles customer journeys from them.
package tracking

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// DefaultSessionWindow is how long a session stays live after its last activity.
const DefaultSessionWindow = 30 * time.Minute

// Counter receives rollup increments. Implemented by rollup.Aggregator.
type Counter interface {
	IncrementCampaign(ctx context.Context, key models.CampaignKey, delta models.Counters) error
	IncrementDailyMetric(ctx context.Context, at time.Time, delta models.Counters) error
}

// Tracker handles session activity, touchpoints and events.
type Tracker struct {
	sessions    storage.SessionStore
	touchpoints storage.TouchpointStore
	events      storage.EventStore
	counter     Counter
	enricher    *Enricher
	window      time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewTracker creates a tracker. counter, enricher and m may be nil.
func NewTracker(
	sessions storage.SessionStore,
	touchpoints storage.TouchpointStore,
	events storage.EventStore,
	counter Counter,
	enricher *Enricher,
	window time.Duration,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Tracker {
	if window <= 0 {
		window = DefaultSessionWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		sessions:    sessions,
		touchpoints: touchpoints,
		events:      events,
		counter:     counter,
		enricher:    enricher,
		window:      window,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// ===========================================
// SESSIONS
// ===========================================

// RecordActivity creates the session or extends it. Expiry becomes
// max(existing, ts+window) and only blank context fields are filled, so the
// first-touch UTM and click ids are never overwritten.
func (t *Tracker) RecordActivity(ctx context.Context, sessionID, visitorID string, tc models.TrackingContext, ts time.Time) (*models.Session, bool, error) {
	if sessionID == "" {
		return nil, false, fmt.Errorf("record activity: session id is required: %w", models.ErrMalformedPayload)
	}
	if ts.IsZero() {
		ts = t.now()
	}

	tc = t.enricher.Enrich(tc)
	if tc.LandingPage == "" {
		tc.LandingPage = tc.PageURL
	}

	stored, created, err := t.sessions.UpsertSession(ctx, &models.Session{
		SessionID: sessionID,
		VisitorID: visitorID,
		CreatedAt: ts,
		UpdatedAt: ts,
		ExpiresAt: ts.Add(t.window),
		Context:   tc,
	})
	if err != nil {
		return nil, false, fmt.Errorf("record activity for session %s: %w", sessionID, err)
	}
	t.metrics.RecordSession(created)

	if created {
		delta := models.Counters{Sessions: 1}
		t.bumpCampaign(ctx, models.CampaignKeyFromUTM(stored.Context.UTM), delta)
		t.bumpDaily(ctx, stored.CreatedAt, delta)
	}
	return stored, created, nil
}

// ===========================================
// TOUCHPOINTS
// ===========================================

// TouchpointInput describes one marketing-attributable visit.
type TouchpointInput struct {
	// TouchpointID is optional. When blank it is derived from the other
	// fields, so redelivering the same payload is a no-op.
	TouchpointID string
	SessionID    string
	VisitorID    string
	Context      models.TrackingContext
	Timestamp    time.Time
	SessionStart bool
}

// TouchpointResult is the outcome of RecordTouchpoint. Warning carries a soft
// failure that the caller should log but not treat as fatal.
type TouchpointResult struct {
	Touchpoint *models.Touchpoint
	Session    *models.Session
	Orphaned   bool
	Duplicate  bool // the touchpoint was already stored
	Warning    error
}

// RecordTouchpoint appends an immutable touchpoint and advances the owning
// session. A touchpoint for an unknown session is only accepted when it
// starts the session; otherwise it is reported as orphaned and dropped.
func (t *Tracker) RecordTouchpoint(ctx context.Context, in TouchpointInput) (TouchpointResult, error) {
	if in.SessionID == "" {
		return TouchpointResult{}, fmt.Errorf("record touchpoint: session id is required: %w", models.ErrMalformedPayload)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = t.now()
	}

	existing, err := t.sessions.GetSession(ctx, in.SessionID)
	if err != nil {
		return TouchpointResult{}, fmt.Errorf("record touchpoint: %w", err)
	}
	if existing == nil && (!in.SessionStart || in.VisitorID == "") {
		t.metrics.RecordTouchpoint("orphaned")
		t.logger.Warn("Touchpoint for unknown session dropped",
			zap.String("session_id", in.SessionID),
			zap.String("visitor_id", in.VisitorID),
		)
		return TouchpointResult{
			Orphaned: true,
			Warning:  fmt.Errorf("touchpoint for session %s: %w", in.SessionID, models.ErrSessionNotFound),
		}, nil
	}

	visitorID := in.VisitorID
	if existing != nil && existing.VisitorID != "" {
		visitorID = existing.VisitorID
	}
	sess, _, err := t.RecordActivity(ctx, in.SessionID, visitorID, in.Context, in.Timestamp)
	if err != nil {
		return TouchpointResult{}, err
	}

	tp := &models.Touchpoint{
		TouchpointID: in.TouchpointID,
		SessionID:    sess.SessionID,
		VisitorID:    sess.VisitorID,
		UTM:          in.Context.UTM,
		ClickIDs:     in.Context.ClickIDs,
		PageURL:      in.Context.PageURL,
		Referrer:     in.Context.Referrer,
		Timestamp:    in.Timestamp,
	}
	if tp.TouchpointID == "" {
		tp.TouchpointID = TouchpointID(in)
	}
	inserted, err := t.touchpoints.AppendTouchpoint(ctx, tp)
	if err != nil {
		t.metrics.RecordTouchpoint("error")
		return TouchpointResult{}, fmt.Errorf("append touchpoint: %w", err)
	}
	if !inserted {
		t.metrics.RecordTouchpoint("duplicate")
		t.logger.Debug("Touchpoint already recorded", zap.String("touchpoint_id", tp.TouchpointID))
		return TouchpointResult{Touchpoint: tp, Session: sess, Duplicate: true}, nil
	}
	t.metrics.RecordTouchpoint("recorded")

	if tp.ClickIDs.Any() != "" {
		t.bumpCampaign(ctx, tp.CampaignKey(), models.Counters{Clicks: 1})
	}

	t.logger.Debug("Touchpoint recorded",
		zap.String("touchpoint_id", tp.TouchpointID),
		zap.String("session_id", tp.SessionID),
		zap.String("source", tp.UTM.Source),
	)
	return TouchpointResult{Touchpoint: tp, Session: sess}, nil
}

// ===========================================
// EVENTS
// ===========================================

// RecordEvent appends a raw event. Page views also count toward the daily and
// campaign page view totals, once per stored event.
func (t *Tracker) RecordEvent(ctx context.Context, ev *models.Event) error {
	if ev.SessionID == "" || ev.EventName == "" {
		return fmt.Errorf("record event: session id and event name are required: %w", models.ErrMalformedPayload)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}
	if ev.EventID == "" {
		ev.EventID = EventID(ev)
	}

	n, err := t.events.AppendEvents(ctx, []*models.Event{ev})
	if err != nil {
		return fmt.Errorf("record event %s: %w", ev.EventName, err)
	}
	if n == 0 {
		return nil
	}
	t.metrics.RecordEvent(ev.EventName)

	if ev.EventName == models.EventPageView {
		delta := models.Counters{PageViews: 1}
		t.bumpDaily(ctx, ev.Timestamp, delta)
		if sess, err := t.sessions.GetSession(ctx, ev.SessionID); err == nil && sess != nil {
			t.bumpCampaign(ctx, models.CampaignKeyFromUTM(sess.Context.UTM), delta)
		}
	}
	return nil
}

// Rollup failures never fail the primary write; they are logged and counted.

func (t *Tracker) bumpCampaign(ctx context.Context, key models.CampaignKey, delta models.Counters) {
	if t.counter == nil {
		return
	}
	if err := t.counter.IncrementCampaign(ctx, key, delta); err != nil {
		t.metrics.RecordRollupError("campaign")
		t.logger.Error("Failed to increment campaign rollup",
			zap.String("channel", key.Channel()),
			zap.String("campaign", key.Campaign),
			zap.Error(err),
		)
	}
}

func (t *Tracker) bumpDaily(ctx context.Context, at time.Time, delta models.Counters) {
	if t.counter == nil {
		return
	}
	if err := t.counter.IncrementDailyMetric(ctx, at, delta); err != nil {
		t.metrics.RecordRollupError("daily")
		t.logger.Error("Failed to increment daily rollup", zap.Time("at", at), zap.Error(err))
	}
}
