package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// =============================================
// SESSION STORE
// =============================================

// SessionStore persists sessions. UpsertSession must be atomic for concurrent
// calls with the same session id.
type SessionStore interface {
	// UpsertSession creates the session or absorbs s into the stored one
	// (see models.Session.Absorb). It returns the stored state and whether
	// this call created it.
	UpsertSession(ctx context.Context, s *models.Session) (*models.Session, bool, error)
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessionsByVisitor(ctx context.Context, visitorID string) ([]*models.Session, error)
	ListRecentSessions(ctx context.Context, limit int) ([]*models.Session, error)
	CountSessionsSince(ctx context.Context, since time.Time) (int64, error)
	// CountActiveVisitors counts distinct visitors with a session live at the given instant.
	CountActiveVisitors(ctx context.Context, at time.Time) (int64, error)
}

// =============================================
// TOUCHPOINT STORE
// =============================================

// TouchpointStore appends immutable touchpoints.
type TouchpointStore interface {
	// AppendTouchpoint stores tp and assigns tp.Seq. Appending the same
	// touchpoint id twice is a no-op that reports inserted = false.
	AppendTouchpoint(ctx context.Context, tp *models.Touchpoint) (inserted bool, err error)
	// ListTouchpoints returns touchpoints of the given sessions stamped at or before until.
	ListTouchpoints(ctx context.Context, sessionIDs []string, until time.Time) ([]models.Touchpoint, error)
}

// =============================================
// EVENT STORE
// =============================================

// EventStore appends raw events and answers distinct-session queries over them.
type EventStore interface {
	// AppendEvents stores events whose id is not yet known and returns how
	// many were inserted.
	AppendEvents(ctx context.Context, events []*models.Event) (int, error)
	// CountDistinctSessions counts sessions with at least one event matching
	// pattern (exact name or glob) in [from, to].
	CountDistinctSessions(ctx context.Context, pattern string, from, to time.Time) (int64, error)
	TopPages(ctx context.Context, since time.Time, limit int) ([]models.PageCount, error)
}

// =============================================
// CONVERSION STORE
// =============================================

// ConversionStore persists conversions, unique by order id.
type ConversionStore interface {
	// CreateOrAmendConversion inserts c with its line items and attribution
	// snapshot, or, when the order id already exists, amends only the
	// monetary fields. It returns the stored conversion and whether it was created.
	CreateOrAmendConversion(ctx context.Context, c *models.Conversion) (*models.Conversion, bool, error)
	// GetConversionByOrder returns nil, nil when the order was never recorded.
	GetConversionByOrder(ctx context.Context, orderID string) (*models.Conversion, error)
	ConversionsSince(ctx context.Context, since time.Time) (count int64, revenue float64, err error)
	// ConvertedSessions reports which of the given sessions have a conversion.
	ConvertedSessions(ctx context.Context, sessionIDs []string) (map[string]bool, error)
}

// =============================================
// ROLLUP STORE
// =============================================

// RollupStore holds campaign and daily counters. Increments must use an
// atomic add at the storage boundary.
type RollupStore interface {
	IncrementCampaign(ctx context.Context, key models.CampaignKey, delta models.Counters) error
	// IncrementDailyMetric adds delta to the row for date (YYYY-MM-DD).
	IncrementDailyMetric(ctx context.Context, date string, delta models.Counters) error
	ListCampaigns(ctx context.Context) ([]*models.Campaign, error)
	// GetDailyMetrics returns rows with from <= date <= to, ordered by date.
	GetDailyMetrics(ctx context.Context, from, to string) ([]*models.DailyMetric, error)
}

// =============================================
// FUNNEL STORE
// =============================================

// FunnelStore persists the last computed funnel step counters.
type FunnelStore interface {
	UpsertFunnelSteps(ctx context.Context, steps []models.FunnelStep) error
	ListFunnelSteps(ctx context.Context) ([]models.FunnelStep, error)
}

// Store is the primary store: everything except possibly the rollups and events,
// which can live in dedicated backends.
type Store interface {
	SessionStore
	TouchpointStore
	EventStore
	ConversionStore
	RollupStore
	FunnelStore
}

// unavailable marks err as a retryable backend failure.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
}
