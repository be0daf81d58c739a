package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/tracking"
)

// SpendRecord is one day of ad-platform cost for a campaign.
type SpendRecord struct {
	Date     string  `json:"date"`
	Platform string  `json:"platform,omitempty"`
	Source   string  `json:"source"`
	Medium   string  `json:"medium"`
	Campaign string  `json:"campaign"`
	Spend    float64 `json:"spend"`
	Clicks   int64   `json:"clicks"`
}

// SpendImporter applies ad-platform spend to the campaign and daily rollups.
type SpendImporter struct {
	counter tracking.Counter
	loc     *time.Location
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewSpendImporter creates an importer. Dates are read in loc.
func NewSpendImporter(counter tracking.Counter, loc *time.Location, logger *zap.Logger, m *metrics.Metrics) *SpendImporter {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpendImporter{counter: counter, loc: loc, logger: logger, metrics: m}
}

// Import validates every record before applying any of them. It returns the
// number of records applied.
func (s *SpendImporter) Import(ctx context.Context, records []SpendRecord) (int, error) {
	days := make([]time.Time, len(records))
	for i, r := range records {
		day, err := time.ParseInLocation(models.DateLayout, r.Date, s.loc)
		if err != nil {
			return 0, fmt.Errorf("record %d: invalid date %q: %w", i, r.Date, models.ErrMalformedPayload)
		}
		if r.Source == "" {
			return 0, fmt.Errorf("record %d: source is required: %w", i, models.ErrMalformedPayload)
		}
		if r.Spend < 0 || r.Clicks < 0 {
			return 0, fmt.Errorf("record %d: spend and clicks must be >= 0: %w", i, models.ErrMalformedPayload)
		}
		days[i] = day
	}

	for i, r := range records {
		key := models.CampaignKeyFromUTM(models.UTM{Source: r.Source, Medium: r.Medium, Campaign: r.Campaign})
		if err := s.counter.IncrementCampaign(ctx, key, models.Counters{Spend: r.Spend, Clicks: r.Clicks}); err != nil {
			return i, fmt.Errorf("apply spend for %s: %w", key.Channel(), err)
		}
		if err := s.counter.IncrementDailyMetric(ctx, days[i], models.Counters{Spend: r.Spend}); err != nil {
			return i, fmt.Errorf("apply daily spend for %s: %w", r.Date, err)
		}
		platform := r.Platform
		if platform == "" {
			platform = r.Source
		}
		s.metrics.RecordSpend(platform, r.Spend)
	}

	s.logger.Info("Spend imported", zap.Int("records", len(records)))
	return len(records), nil
}
