// Package reporting builds dashboard reports from rollups and sessions.
package reporting

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/rollup"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// Service answers dashboard queries.
type Service struct {
	rollups     *rollup.Aggregator
	sessions    storage.SessionStore
	conversions storage.ConversionStore
	now         func() time.Time
}

// NewService creates a reporting service.
func NewService(rollups *rollup.Aggregator, sessions storage.SessionStore, conversions storage.ConversionStore) *Service {
	return &Service{
		rollups:     rollups,
		sessions:    sessions,
		conversions: conversions,
		now:         time.Now,
	}
}

// ChannelStats is attribution by channel ("source / medium").
type ChannelStats struct {
	Channel     string  `json:"channel"`
	Sessions    int64   `json:"sessions"`
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`
	ROAS        float64 `json:"roas"`
}

// CampaignStats is one campaign row with derived ratios.
type CampaignStats struct {
	models.CampaignKey
	models.Counters

	Channel        string    `json:"channel"`
	ConversionRate float64   `json:"conversion_rate"` // conversions per session (%)
	CTR            float64   `json:"ctr"`             // click sessions per session (%)
	CPA            float64   `json:"cpa"`
	ROAS           float64   `json:"roas"`
	Profit         float64   `json:"profit"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Overview compares a period with the preceding period of equal length.
type Overview struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	Current     models.Counters `json:"current"`
	Previous    models.Counters `json:"previous"`
	Trend       Trend           `json:"trend"`
	AOV         float64         `json:"average_order_value"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Trend holds percentage changes versus the previous period. A metric that
// was zero in the previous period reports 0.
type Trend struct {
	Sessions    float64 `json:"sessions"`
	PageViews   float64 `json:"page_views"`
	Conversions float64 `json:"conversions"`
	Revenue     float64 `json:"revenue"`
}

// ChannelReport groups campaign rollups by channel, highest revenue first.
func (s *Service) ChannelReport(ctx context.Context) ([]ChannelStats, error) {
	campaigns, err := s.rollups.Campaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}

	totals := make(map[string]*models.Counters)
	for _, c := range campaigns {
		ch := c.Channel()
		t, ok := totals[ch]
		if !ok {
			t = &models.Counters{}
			totals[ch] = t
		}
		t.Add(c.Counters)
	}

	out := make([]ChannelStats, 0, len(totals))
	for ch, t := range totals {
		out = append(out, ChannelStats{
			Channel:     ch,
			Sessions:    t.Sessions,
			Conversions: t.Conversions,
			Revenue:     t.Revenue,
			ROAS:        t.ROAS(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Revenue != out[j].Revenue {
			return out[i].Revenue > out[j].Revenue
		}
		return out[i].Channel < out[j].Channel
	})
	return out, nil
}

// Campaigns lists every campaign with derived metrics.
func (s *Service) Campaigns(ctx context.Context) ([]CampaignStats, error) {
	campaigns, err := s.rollups.Campaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	out := make([]CampaignStats, 0, len(campaigns))
	for _, c := range campaigns {
		out = append(out, CampaignStats{
			CampaignKey:    c.CampaignKey,
			Counters:       c.Counters,
			Channel:        c.Channel(),
			ConversionRate: c.ConversionRate(),
			CTR:            c.CTR(),
			CPA:            c.CPA(),
			ROAS:           c.ROAS(),
			Profit:         c.Revenue - c.Spend,
			LastUpdated:    c.UpdatedAt,
		})
	}
	return out, nil
}

// Overview totals the reporting days spanned by [from, to] and the same
// number of days immediately before.
func (s *Service) Overview(ctx context.Context, from, to time.Time) (*Overview, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("overview period ends before it starts: %w", models.ErrMalformedPayload)
	}
	loc := s.rollups.Location()
	fromDay := startOfDay(from.In(loc))
	toDay := startOfDay(to.In(loc))
	days := int(math.Round(toDay.Sub(fromDay).Hours()/24)) + 1

	prevFrom := fromDay.AddDate(0, 0, -days)
	prevTo := fromDay.AddDate(0, 0, -1)

	cur, err := s.rollups.Totals(ctx, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("current period totals: %w", err)
	}
	prev, err := s.rollups.Totals(ctx, prevFrom, prevTo)
	if err != nil {
		return nil, fmt.Errorf("previous period totals: %w", err)
	}

	o := &Overview{
		From:     fromDay.Format(models.DateLayout),
		To:       toDay.Format(models.DateLayout),
		Current:  cur,
		Previous: prev,
		Trend: Trend{
			Sessions:    change(float64(cur.Sessions), float64(prev.Sessions)),
			PageViews:   change(float64(cur.PageViews), float64(prev.PageViews)),
			Conversions: change(float64(cur.Conversions), float64(prev.Conversions)),
			Revenue:     change(cur.Revenue, prev.Revenue),
		},
		GeneratedAt: s.now().UTC(),
	}
	if cur.Conversions > 0 {
		o.AOV = cur.Revenue / float64(cur.Conversions)
	}
	return o, nil
}

// RecentSessions returns the newest sessions with their conversion status.
func (s *Service) RecentSessions(ctx context.Context, limit int) ([]models.RecentSession, error) {
	sessions, err := s.sessions.ListRecentSessions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.SessionID
	}
	converted, err := s.conversions.ConvertedSessions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("conversion status: %w", err)
	}

	out := make([]models.RecentSession, len(sessions))
	for i, sess := range sessions {
		out[i] = models.RecentSession{Session: *sess, Converted: converted[sess.SessionID]}
	}
	return out, nil
}

func change(cur, prev float64) float64 {
	if prev == 0 {
		return 0
	}
	return math.Round((cur-prev)*10000/prev) / 100
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
