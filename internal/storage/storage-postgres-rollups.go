package storage

import (
	"context"
	"fmt"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// =============================================
// CAMPAIGNS / DAILY METRICS
// =============================================

func (s *PostgresStore) IncrementCampaign(ctx context.Context, key models.CampaignKey, d models.Counters) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO campaigns (source, medium, campaign, clicks, sessions, page_views, conversions, revenue, spend, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (source, medium, campaign) DO UPDATE SET
			clicks = campaigns.clicks + EXCLUDED.clicks,
			sessions = campaigns.sessions + EXCLUDED.sessions,
			page_views = campaigns.page_views + EXCLUDED.page_views,
			conversions = campaigns.conversions + EXCLUDED.conversions,
			revenue = campaigns.revenue + EXCLUDED.revenue,
			spend = campaigns.spend + EXCLUDED.spend,
			updated_at = NOW()
	`, key.Source, key.Medium, key.Campaign, d.Clicks, d.Sessions, d.PageViews, d.Conversions, d.Revenue, d.Spend)
	if err != nil {
		return unavailable("increment campaign", err)
	}
	return nil
}

func (s *PostgresStore) IncrementDailyMetric(ctx context.Context, date string, d models.Counters) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_metrics (date, clicks, sessions, page_views, conversions, revenue, spend, updated_at)
		VALUES ($1::date, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (date) DO UPDATE SET
			clicks = daily_metrics.clicks + EXCLUDED.clicks,
			sessions = daily_metrics.sessions + EXCLUDED.sessions,
			page_views = daily_metrics.page_views + EXCLUDED.page_views,
			conversions = daily_metrics.conversions + EXCLUDED.conversions,
			revenue = daily_metrics.revenue + EXCLUDED.revenue,
			spend = daily_metrics.spend + EXCLUDED.spend,
			updated_at = NOW()
	`, date, d.Clicks, d.Sessions, d.PageViews, d.Conversions, d.Revenue, d.Spend)
	if err != nil {
		return unavailable("increment daily metric", err)
	}
	return nil
}

func (s *PostgresStore) ListCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source, medium, campaign, clicks, sessions, page_views, conversions, revenue, spend, updated_at
		FROM campaigns
		ORDER BY revenue DESC, source, medium, campaign
	`)
	if err != nil {
		return nil, unavailable("list campaigns", err)
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(&c.Source, &c.Medium, &c.Campaign, &c.Clicks, &c.Sessions, &c.PageViews,
			&c.Conversions, &c.Revenue, &c.Spend, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list campaigns", err)
	}
	return campaigns, nil
}

func (s *PostgresStore) GetDailyMetrics(ctx context.Context, from, to string) ([]*models.DailyMetric, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT to_char(date, 'YYYY-MM-DD'), clicks, sessions, page_views, conversions, revenue, spend, updated_at
		FROM daily_metrics
		WHERE date >= $1::date AND date <= $2::date
		ORDER BY date
	`, from, to)
	if err != nil {
		return nil, unavailable("list daily metrics", err)
	}
	defer rows.Close()

	var metrics []*models.DailyMetric
	for rows.Next() {
		var m models.DailyMetric
		if err := rows.Scan(&m.Date, &m.Clicks, &m.Sessions, &m.PageViews, &m.Conversions,
			&m.Revenue, &m.Spend, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan daily metric: %w", err)
		}
		metrics = append(metrics, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list daily metrics", err)
	}
	return metrics, nil
}

// =============================================
// FUNNEL STEPS
// =============================================

func (s *PostgresStore) UpsertFunnelSteps(ctx context.Context, steps []models.FunnelStep) error {
	for _, st := range steps {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO funnel_steps (funnel, name, step_order, event_pattern, total_sessions, completed_sessions, drop_off_rate, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (funnel, step_order) DO UPDATE SET
				name = EXCLUDED.name,
				event_pattern = EXCLUDED.event_pattern,
				total_sessions = EXCLUDED.total_sessions,
				completed_sessions = EXCLUDED.completed_sessions,
				drop_off_rate = EXCLUDED.drop_off_rate,
				updated_at = EXCLUDED.updated_at
		`, st.Funnel, st.Name, st.StepOrder, st.EventPattern, st.TotalSessions, st.CompletedSessions, st.DropOffRate, st.UpdatedAt)
		if err != nil {
			return unavailable("upsert funnel step", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListFunnelSteps(ctx context.Context) ([]models.FunnelStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT funnel, name, step_order, event_pattern, total_sessions, completed_sessions, drop_off_rate, updated_at
		FROM funnel_steps ORDER BY funnel, step_order
	`)
	if err != nil {
		return nil, unavailable("list funnel steps", err)
	}
	defer rows.Close()

	var steps []models.FunnelStep
	for rows.Next() {
		var st models.FunnelStep
		if err := rows.Scan(&st.Funnel, &st.Name, &st.StepOrder, &st.EventPattern, &st.TotalSessions,
			&st.CompletedSessions, &st.DropOffRate, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan funnel step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list funnel steps", err)
	}
	return steps, nil
}
