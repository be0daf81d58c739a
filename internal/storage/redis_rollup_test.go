package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/models"
)

func newRedisRollupStore(t *testing.T) *RedisRollupStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRollupStore(client)
}

func TestRedisCampaignIncrementsConverge(t *testing.T) {
	ctx := context.Background()
	s := newRedisRollupStore(t)
	key := models.CampaignKey{Source: "google", Medium: "cpc", Campaign: "spring:sale"}

	const n = 50
	const r = 4.25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementCampaign(ctx, key, models.Counters{Conversions: 1, Revenue: r}))
		}()
	}
	wg.Wait()
	require.NoError(t, s.IncrementCampaign(ctx, key, models.Counters{Spend: 20, Clicks: 3}))

	campaigns, err := s.ListCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	c := campaigns[0]
	assert.Equal(t, key, c.CampaignKey)
	assert.Equal(t, int64(n), c.Conversions)
	assert.InDelta(t, n*r, c.Revenue, 1e-9)
	assert.InDelta(t, 20.0, c.Spend, 1e-9)
	assert.Equal(t, int64(3), c.Clicks)
	assert.False(t, c.UpdatedAt.IsZero())
}

func TestRedisDailyMetrics(t *testing.T) {
	ctx := context.Background()
	s := newRedisRollupStore(t)

	require.NoError(t, s.IncrementDailyMetric(ctx, "2024-06-02", models.Counters{Sessions: 2, PageViews: 5}))
	require.NoError(t, s.IncrementDailyMetric(ctx, "2024-06-01", models.Counters{Sessions: 1}))
	require.NoError(t, s.IncrementDailyMetric(ctx, "2024-06-02", models.Counters{Revenue: 9.5, Conversions: 1}))
	require.NoError(t, s.IncrementDailyMetric(ctx, "2024-07-01", models.Counters{Sessions: 1}))

	got, err := s.GetDailyMetrics(ctx, "2024-06-01", "2024-06-30")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2024-06-01", got[0].Date)
	assert.Equal(t, "2024-06-02", got[1].Date)
	assert.Equal(t, int64(2), got[1].Sessions)
	assert.Equal(t, int64(5), got[1].PageViews)
	assert.InDelta(t, 9.5, got[1].Revenue, 1e-9)

	assert.Error(t, s.IncrementDailyMetric(ctx, "June 1st", models.Counters{Sessions: 1}))
}

func TestCampaignKeyEncoding(t *testing.T) {
	k := models.CampaignKey{Source: "a:b", Medium: "c d", Campaign: "(not set)"}
	got, err := decodeCampaignKey(encodeCampaignKey(k))
	require.NoError(t, err)
	assert.Equal(t, k, got)

	_, err = decodeCampaignKey("only:two")
	assert.Error(t, err)
}
