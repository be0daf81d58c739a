package storage

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/radiusdt/vector-attribution/internal/models"
)

const (
	campaignKeyPrefix = "rollup:campaign:"
	campaignIndexKey  = "rollup:campaigns"
	dailyKeyPrefix    = "rollup:daily:"
	dailyIndexKey     = "rollup:days"
)

// RedisRollupStore implements RollupStore with Redis hashes. Every counter
// is a hash field bumped with HINCRBY/HINCRBYFLOAT, which Redis applies atomically.
type RedisRollupStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisRollupStore creates a new Redis-backed rollup store.
func NewRedisRollupStore(client *redis.Client) *RedisRollupStore {
	return &RedisRollupStore{client: client, now: time.Now}
}

var _ RollupStore = (*RedisRollupStore)(nil)

func (r *RedisRollupStore) IncrementCampaign(ctx context.Context, key models.CampaignKey, d models.Counters) error {
	id := encodeCampaignKey(key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incrCounters(ctx, pipe, campaignKeyPrefix+id, d, r.now())
		pipe.SAdd(ctx, campaignIndexKey, id)
		return nil
	})
	if err != nil {
		return unavailable("increment campaign", err)
	}
	return nil
}

func (r *RedisRollupStore) IncrementDailyMetric(ctx context.Context, date string, d models.Counters) error {
	day, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", date, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incrCounters(ctx, pipe, dailyKeyPrefix+date, d, r.now())
		pipe.ZAdd(ctx, dailyIndexKey, redis.Z{Score: float64(day.Unix()), Member: date})
		return nil
	})
	if err != nil {
		return unavailable("increment daily metric", err)
	}
	return nil
}

func incrCounters(ctx context.Context, pipe redis.Pipeliner, key string, d models.Counters, now time.Time) {
	if d.Clicks != 0 {
		pipe.HIncrBy(ctx, key, "clicks", d.Clicks)
	}
	if d.Sessions != 0 {
		pipe.HIncrBy(ctx, key, "sessions", d.Sessions)
	}
	if d.PageViews != 0 {
		pipe.HIncrBy(ctx, key, "page_views", d.PageViews)
	}
	if d.Conversions != 0 {
		pipe.HIncrBy(ctx, key, "conversions", d.Conversions)
	}
	if d.Revenue != 0 {
		pipe.HIncrByFloat(ctx, key, "revenue", d.Revenue)
	}
	if d.Spend != 0 {
		pipe.HIncrByFloat(ctx, key, "spend", d.Spend)
	}
	pipe.HSet(ctx, key, "updated_at", now.Unix())
}

func (r *RedisRollupStore) ListCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	ids, err := r.client.SMembers(ctx, campaignIndexKey).Result()
	if err != nil {
		return nil, unavailable("list campaigns", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, campaignKeyPrefix+id)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list campaigns", err)
	}

	campaigns := make([]*models.Campaign, 0, len(ids))
	for i, id := range ids {
		key, err := decodeCampaignKey(id)
		if err != nil {
			continue
		}
		c := &models.Campaign{CampaignKey: key}
		c.Counters, c.UpdatedAt = parseCounters(cmds[i].Val())
		campaigns = append(campaigns, c)
	}
	sortCampaigns(campaigns)
	return campaigns, nil
}

func (r *RedisRollupStore) GetDailyMetrics(ctx context.Context, from, to string) ([]*models.DailyMetric, error) {
	fromDay, err := time.Parse(models.DateLayout, from)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", from, err)
	}
	toDay, err := time.Parse(models.DateLayout, to)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", to, err)
	}

	dates, err := r.client.ZRangeByScore(ctx, dailyIndexKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(fromDay.Unix(), 10),
		Max: strconv.FormatInt(toDay.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("list daily metrics", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(dates))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, d := range dates {
			cmds[i] = pipe.HGetAll(ctx, dailyKeyPrefix+d)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list daily metrics", err)
	}

	metrics := make([]*models.DailyMetric, 0, len(dates))
	for i, d := range dates {
		m := &models.DailyMetric{Date: d}
		m.Counters, m.UpdatedAt = parseCounters(cmds[i].Val())
		metrics = append(metrics, m)
	}
	return metrics, nil
}

// parseCounters reads a counter hash. Missing or malformed fields count as zero.
func parseCounters(h map[string]string) (models.Counters, time.Time) {
	i := func(f string) int64 {
		v, _ := strconv.ParseInt(h[f], 10, 64)
		return v
	}
	f := func(f string) float64 {
		v, _ := strconv.ParseFloat(h[f], 64)
		return v
	}
	var updated time.Time
	if ts := i("updated_at"); ts > 0 {
		updated = time.Unix(ts, 0).UTC()
	}
	return models.Counters{
		Clicks:      i("clicks"),
		Sessions:    i("sessions"),
		PageViews:   i("page_views"),
		Conversions: i("conversions"),
		Revenue:     f("revenue"),
		Spend:       f("spend"),
	}, updated
}

func encodeCampaignKey(k models.CampaignKey) string {
	return url.QueryEscape(k.Source) + ":" + url.QueryEscape(k.Medium) + ":" + url.QueryEscape(k.Campaign)
}

func decodeCampaignKey(id string) (models.CampaignKey, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 {
		return models.CampaignKey{}, fmt.Errorf("malformed campaign key %q", id)
	}
	var out [3]string
	for i, p := range parts {
		v, err := url.QueryUnescape(p)
		if err != nil {
			return models.CampaignKey{}, err
		}
		out[i] = v
	}
	return models.CampaignKey{Source: out[0], Medium: out[1], Campaign: out[2]}, nil
}
