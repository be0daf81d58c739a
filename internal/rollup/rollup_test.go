package rollup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

func TestDailyRowUsesReportingTimezone(t *testing.T) {
	ctx := context.Background()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	a := NewAggregator(store, ny)

	at := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-02-29", a.Day(at))

	require.NoError(t, a.IncrementDailyMetric(ctx, at, models.Counters{Sessions: 1}))
	rows, err := store.GetDailyMetrics(ctx, "2024-02-29", "2024-02-29")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Sessions)
}

func TestIncrementCampaignNormalizesKey(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := NewAggregator(store, nil)

	require.NoError(t, a.IncrementCampaign(ctx, models.CampaignKey{Source: "google"}, models.Counters{Clicks: 2}))
	cs, err := a.Campaigns(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, models.CampaignKey{Source: "google", Medium: models.NoMedium, Campaign: models.NotSetCampaign}, cs[0].CampaignKey)
	assert.Equal(t, int64(2), cs[0].Clicks)
}

func TestIncrementRejectsNegativeDelta(t *testing.T) {
	a := NewAggregator(storage.NewMemoryStore(), nil)
	err := a.IncrementCampaign(context.Background(), models.CampaignKey{}, models.Counters{Revenue: -5})
	assert.Error(t, err)
	err = a.IncrementDailyMetric(context.Background(), time.Now(), models.Counters{Sessions: -1})
	assert.Error(t, err)
}

func TestConcurrentIncrementsConverge(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := NewAggregator(store, time.UTC)
	key := models.CampaignKey{Source: "google", Medium: "cpc", Campaign: "spring"}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.IncrementCampaign(ctx, key, models.Counters{Conversions: 1, Revenue: 10})
			_ = a.IncrementDailyMetric(ctx, at, models.Counters{Conversions: 1, Revenue: 10})
		}()
	}
	wg.Wait()

	cs, err := a.Campaigns(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, int64(50), cs[0].Conversions)
	assert.InDelta(t, 500.0, cs[0].Revenue, 1e-9)

	total, err := a.Totals(ctx, at, at)
	require.NoError(t, err)
	assert.Equal(t, int64(50), total.Conversions)
}

func TestRealtimeSnapshotIsCached(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	_, _, err := store.UpsertSession(ctx, &models.Session{
		SessionID: "s1", VisitorID: "v1",
		CreatedAt: now.Add(-10 * time.Minute), UpdatedAt: now.Add(-10 * time.Minute), ExpiresAt: now.Add(20 * time.Minute),
	})
	require.NoError(t, err)
	_, err = store.AppendEvents(ctx, []*models.Event{
		{EventID: "e1", SessionID: "s1", EventName: models.EventPageView, PageURL: "/a", Timestamp: now.Add(-5 * time.Minute)},
		{EventID: "e2", SessionID: "s1", EventName: models.EventPageView, PageURL: "/a", Timestamp: now.Add(-4 * time.Minute)},
		{EventID: "e3", SessionID: "s1", EventName: models.EventPageView, PageURL: "/b", Timestamp: now.Add(-3 * time.Minute)},
		{EventID: "e4", SessionID: "s1", EventName: models.EventPageView, PageURL: "/old", Timestamp: now.Add(-2 * time.Hour)},
	})
	require.NoError(t, err)
	_, _, err = store.CreateOrAmendConversion(ctx, &models.Conversion{
		ConversionID: "c1", OrderID: "o1", SessionID: "s1", TotalValue: 42, Currency: "USD",
		ConvertedAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Minute), UpdatedAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	rt := NewRealtime(store, store, store, 15*time.Second, 5, nil)
	rt.now = func() time.Time { return now }

	snap, err := rt.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.ActiveUsers)
	assert.Equal(t, int64(1), snap.SessionsLast30Min)
	assert.Equal(t, int64(1), snap.ConversionsLastHr)
	assert.InDelta(t, 42.0, snap.RevenueLastHr, 1e-9)
	require.Len(t, snap.TopPages, 2)
	assert.Equal(t, models.PageCount{PageURL: "/a", Views: 2}, snap.TopPages[0])

	_, _, err = store.UpsertSession(ctx, &models.Session{
		SessionID: "s2", VisitorID: "v2", CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(30 * time.Minute),
	})
	require.NoError(t, err)

	rt.now = func() time.Time { return now.Add(10 * time.Second) }
	cached, err := rt.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached.ActiveUsers)

	rt.now = func() time.Time { return now.Add(20 * time.Second) }
	fresh, err := rt.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.ActiveUsers)
}

func TestRealtimeClampsTTL(t *testing.T) {
	store := storage.NewMemoryStore()
	rt := NewRealtime(store, store, store, 10*time.Minute, 0, nil)
	assert.Equal(t, MaxCacheTTL, rt.ttl)
	assert.Equal(t, 10, rt.topPages)
}
