// Package rollup maintains campaign and daily counters and the real-time
// dashboard snapshot.
package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// Aggregator applies counter increments to a RollupStore. Daily rows are
// keyed by the calendar day in the reporting timezone.
type Aggregator struct {
	store storage.RollupStore
	loc   *time.Location
}

// NewAggregator creates an aggregator. A nil location means UTC.
func NewAggregator(store storage.RollupStore, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{store: store, loc: loc}
}

// Location returns the reporting timezone.
func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// Day returns the reporting-timezone date of at as YYYY-MM-DD.
func (a *Aggregator) Day(at time.Time) string {
	return at.In(a.loc).Format(models.DateLayout)
}

// IncrementCampaign adds delta to the campaign row for key. Missing key parts
// fall back to the direct-traffic placeholders.
func (a *Aggregator) IncrementCampaign(ctx context.Context, key models.CampaignKey, delta models.Counters) error {
	if delta.IsZero() {
		return nil
	}
	if err := delta.Validate(); err != nil {
		return fmt.Errorf("increment campaign: %w", err)
	}
	key = models.CampaignKeyFromUTM(models.UTM{Source: key.Source, Medium: key.Medium, Campaign: key.Campaign})
	return a.store.IncrementCampaign(ctx, key, delta)
}

// IncrementDailyMetric adds delta to the daily row containing at.
func (a *Aggregator) IncrementDailyMetric(ctx context.Context, at time.Time, delta models.Counters) error {
	if delta.IsZero() {
		return nil
	}
	if err := delta.Validate(); err != nil {
		return fmt.Errorf("increment daily metric: %w", err)
	}
	return a.store.IncrementDailyMetric(ctx, a.Day(at), delta)
}

// Campaigns returns every campaign row.
func (a *Aggregator) Campaigns(ctx context.Context) ([]*models.Campaign, error) {
	return a.store.ListCampaigns(ctx)
}

// Daily returns daily rows for the reporting days spanned by [from, to].
func (a *Aggregator) Daily(ctx context.Context, from, to time.Time) ([]*models.DailyMetric, error) {
	return a.store.GetDailyMetrics(ctx, a.Day(from), a.Day(to))
}

// Totals sums daily rows for the reporting days spanned by [from, to].
func (a *Aggregator) Totals(ctx context.Context, from, to time.Time) (models.Counters, error) {
	rows, err := a.Daily(ctx, from, to)
	if err != nil {
		return models.Counters{}, err
	}
	var total models.Counters
	for _, r := range rows {
		total.Add(r.Counters)
	}
	return total, nil
}
