// Package conversion records orders as attributed conversions.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/attribution"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
	"github.com/radiusdt/vector-attribution/internal/tracking"
)

// DefaultCurrency is used when an order does not name one.
const DefaultCurrency = "USD"

// JourneySource assembles the journey behind a conversion.
type JourneySource interface {
	Assemble(ctx context.Context, key tracking.JourneyKey, asOf time.Time) (models.Journey, error)
}

// OrderInput is a normalized order from any ingress.
type OrderInput struct {
	OrderID     string            `json:"order_id"`
	OrderNumber string            `json:"order_number,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	VisitorID   string            `json:"visitor_id,omitempty"`
	TotalValue  float64           `json:"total_value"`
	Currency    string            `json:"currency,omitempty"`
	LineItems   []models.LineItem `json:"line_items,omitempty"`
	ItemCount   int               `json:"item_count,omitempty"`
	ConvertedAt time.Time         `json:"converted_at"`
}

// RecordResult is the outcome of Record. Duplicate means the order already
// existed and only its monetary fields were amended. Warning carries a soft
// failure such as models.ErrSessionNotFound.
type RecordResult struct {
	Conversion  *models.Conversion
	Attribution attribution.Result
	Created     bool
	Duplicate   bool
	Warning     error
}

// Recorder turns orders into conversions with a frozen attribution snapshot.
type Recorder struct {
	conversions storage.ConversionStore
	sessions    storage.SessionStore
	events      storage.EventStore
	journeys    JourneySource
	counter     tracking.Counter
	halfLife    time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewRecorder creates a recorder. events, counter and m may be nil.
func NewRecorder(
	conversions storage.ConversionStore,
	sessions storage.SessionStore,
	events storage.EventStore,
	journeys JourneySource,
	counter tracking.Counter,
	halfLife time.Duration,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Recorder {
	if halfLife <= 0 {
		halfLife = attribution.DefaultHalfLife
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		conversions: conversions,
		sessions:    sessions,
		events:      events,
		journeys:    journeys,
		counter:     counter,
		halfLife:    halfLife,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// Record stores the order as a conversion. It is idempotent on OrderID: the
// first call computes attribution and increments rollups, later calls only
// amend TotalValue, Currency and ItemCount. supplied, when non-nil, is used
// instead of assembling the journey from stored touchpoints.
func (r *Recorder) Record(ctx context.Context, in OrderInput, supplied *models.Journey) (RecordResult, error) {
	conv, err := r.normalize(in)
	if err != nil {
		r.metrics.RecordConversion("rejected", in.Currency, 0)
		return RecordResult{}, err
	}

	existing, err := r.conversions.GetConversionByOrder(ctx, conv.OrderID)
	if err != nil {
		return RecordResult{}, fmt.Errorf("lookup order %s: %w", conv.OrderID, err)
	}
	if existing != nil {
		return r.amend(ctx, conv)
	}

	var (
		journey models.Journey
		sess    *models.Session
		warning error
	)
	if conv.SessionID != "" {
		if sess, err = r.sessions.GetSession(ctx, conv.SessionID); err != nil {
			return RecordResult{}, fmt.Errorf("lookup session %s: %w", conv.SessionID, err)
		}
	}
	switch {
	case supplied != nil:
		journey = *supplied
	case conv.SessionID != "" && sess == nil:
		warning = fmt.Errorf("conversion %s cites session %s: %w", conv.OrderID, conv.SessionID, models.ErrSessionNotFound)
		r.logger.Warn("Conversion recorded without attribution",
			zap.String("order_id", conv.OrderID),
			zap.String("session_id", conv.SessionID),
		)
	default:
		key := tracking.JourneyKey{VisitorID: conv.VisitorID, SessionID: conv.SessionID}
		if key.VisitorID == "" && sess != nil {
			key.VisitorID = sess.VisitorID
		}
		journey, err = r.journeys.Assemble(ctx, key, conv.ConvertedAt)
		if err != nil {
			return RecordResult{}, fmt.Errorf("assemble journey for order %s: %w", conv.OrderID, err)
		}
	}
	if conv.VisitorID == "" && sess != nil {
		conv.VisitorID = sess.VisitorID
	}

	start := time.Now()
	result := attribution.Compute(journey, conv.ConvertedAt, r.halfLife)
	r.metrics.RecordAttribution(result.TouchpointCount, time.Since(start))

	if err := snapshot(conv, result); err != nil {
		return RecordResult{}, err
	}

	stored, created, err := r.conversions.CreateOrAmendConversion(ctx, conv)
	if err != nil {
		r.metrics.RecordConversion("error", conv.Currency, 0)
		return RecordResult{}, fmt.Errorf("store conversion %s: %w", conv.OrderID, err)
	}
	if !created {
		// Lost a race with a concurrent first delivery of the same order.
		r.metrics.RecordConversion("duplicate", stored.Currency, 0)
		return RecordResult{Conversion: stored, Duplicate: true}, nil
	}
	r.metrics.RecordConversion("created", stored.Currency, stored.TotalValue)

	r.bumpRollups(ctx, stored, sess, result)
	r.appendConversionEvent(ctx, stored)

	r.logger.Info("Conversion recorded",
		zap.String("order_id", stored.OrderID),
		zap.String("session_id", stored.SessionID),
		zap.Float64("total_value", stored.TotalValue),
		zap.Int("touchpoints", result.TouchpointCount),
	)
	return RecordResult{Conversion: stored, Attribution: result, Created: true, Warning: warning}, nil
}

// Amend updates the monetary fields of an existing order. It returns
// models.ErrConversionNotFound when the order was never recorded.
func (r *Recorder) Amend(ctx context.Context, in OrderInput) (*models.Conversion, error) {
	conv, err := r.normalize(in)
	if err != nil {
		return nil, err
	}
	existing, err := r.conversions.GetConversionByOrder(ctx, conv.OrderID)
	if err != nil {
		return nil, fmt.Errorf("lookup order %s: %w", conv.OrderID, err)
	}
	if existing == nil {
		return nil, fmt.Errorf("amend order %s: %w", conv.OrderID, models.ErrConversionNotFound)
	}
	res, err := r.amend(ctx, conv)
	if err != nil {
		return nil, err
	}
	return res.Conversion, nil
}

// Get returns the conversion recorded for orderID.
func (r *Recorder) Get(ctx context.Context, orderID string) (*models.Conversion, error) {
	c, err := r.conversions.GetConversionByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, models.ErrConversionNotFound)
	}
	return c, nil
}

func (r *Recorder) amend(ctx context.Context, conv *models.Conversion) (RecordResult, error) {
	stored, _, err := r.conversions.CreateOrAmendConversion(ctx, conv)
	if err != nil {
		return RecordResult{}, fmt.Errorf("amend conversion %s: %w", conv.OrderID, err)
	}
	r.metrics.RecordConversion("duplicate", stored.Currency, 0)
	r.logger.Debug("Conversion amended",
		zap.String("order_id", stored.OrderID),
		zap.Float64("total_value", stored.TotalValue),
	)
	return RecordResult{Conversion: stored, Duplicate: true}, nil
}

func (r *Recorder) normalize(in OrderInput) (*models.Conversion, error) {
	now := r.now()
	c := &models.Conversion{
		ConversionID: uuid.New().String(),
		OrderID:      in.OrderID,
		OrderNumber:  in.OrderNumber,
		SessionID:    in.SessionID,
		VisitorID:    in.VisitorID,
		TotalValue:   in.TotalValue,
		Currency:     in.Currency,
		ItemCount:    in.ItemCount,
		LineItems:    in.LineItems,
		ConvertedAt:  in.ConvertedAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if c.Currency == "" {
		c.Currency = DefaultCurrency
	}
	if c.ItemCount == 0 {
		c.ItemCount = models.CountItems(c.LineItems)
	}
	if c.ConvertedAt.IsZero() {
		c.ConvertedAt = now
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid order: %w: %w", models.ErrMalformedPayload, err)
	}
	return c, nil
}

func snapshot(c *models.Conversion, result attribution.Result) error {
	c.Attributed = !result.IsEmpty()
	c.TouchpointCount = result.TouchpointCount
	c.DaysToPurchase = result.DaysToPurchase
	c.SessionsToConversion = result.SessionsToConversion
	if result.FirstClick != nil {
		c.FirstClick = models.NewClickAttribution(*result.FirstClick)
	}
	if result.LastClick != nil {
		c.LastClick = models.NewClickAttribution(*result.LastClick)
	}
	breakdown, err := result.Breakdown()
	if err != nil {
		return fmt.Errorf("encode attribution breakdown: %w", err)
	}
	c.Journey = breakdown
	return nil
}

// campaignFor picks the campaign credited in rollups: the journey's first
// click, then the converting session's own UTM, then direct.
func campaignFor(sess *models.Session, result attribution.Result) models.CampaignKey {
	if result.FirstClick != nil {
		return result.FirstClick.CampaignKey()
	}
	if sess != nil && !sess.Context.UTM.IsZero() {
		return models.CampaignKeyFromUTM(sess.Context.UTM)
	}
	return models.CampaignKeyFromUTM(models.UTM{})
}

func (r *Recorder) bumpRollups(ctx context.Context, c *models.Conversion, sess *models.Session, result attribution.Result) {
	if r.counter == nil {
		return
	}
	delta := models.Counters{Conversions: 1, Revenue: c.TotalValue}
	key := campaignFor(sess, result)

	var errs []error
	if err := r.counter.IncrementCampaign(ctx, key, delta); err != nil {
		r.metrics.RecordRollupError("campaign")
		errs = append(errs, err)
	}
	if err := r.counter.IncrementDailyMetric(ctx, c.ConvertedAt, delta); err != nil {
		r.metrics.RecordRollupError("daily")
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("Failed to update rollups for conversion",
			zap.String("order_id", c.OrderID),
			zap.String("channel", key.Channel()),
			zap.Error(err),
		)
	}
}

func (r *Recorder) appendConversionEvent(ctx context.Context, c *models.Conversion) {
	if r.events == nil || c.SessionID == "" {
		return
	}
	ev := &models.Event{
		EventID:   c.ConversionID,
		SessionID: c.SessionID,
		VisitorID: c.VisitorID,
		EventName: models.EventConversion,
		Properties: models.Properties{
			"order_id":    c.OrderID,
			"total_value": c.TotalValue,
			"currency":    c.Currency,
		},
		Timestamp: c.ConvertedAt,
	}
	if _, err := r.events.AppendEvents(ctx, []*models.Event{ev}); err != nil {
		r.logger.Warn("Failed to append conversion event", zap.String("order_id", c.OrderID), zap.Error(err))
	}
}
