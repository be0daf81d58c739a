package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/models"
)

var base = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func session(id string, ts time.Time) *models.Session {
	return &models.Session{
		SessionID: id, VisitorID: "v1",
		CreatedAt: ts, UpdatedAt: ts, ExpiresAt: ts.Add(30 * time.Minute),
	}
}

func TestMemoryUpsertSessionCreatesOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	var wg sync.WaitGroup
	created := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, c, err := m.UpsertSession(ctx, session("s1", base.Add(time.Duration(i)*time.Second)))
			assert.NoError(t, err)
			created <- c
		}(i)
	}
	wg.Wait()
	close(created)

	n := 0
	for c := range created {
		if c {
			n++
		}
	}
	assert.Equal(t, 1, n)

	s, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, base, s.CreatedAt)
	assert.Equal(t, base.Add(49*time.Second+30*time.Minute), s.ExpiresAt)
}

func TestMemoryGetSessionMissing(t *testing.T) {
	s, err := NewMemoryStore().GetSession(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, s)
}

func TestMemoryTouchpointsAssignSeqAndFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	a := &models.Touchpoint{TouchpointID: "a", SessionID: "s1", Timestamp: base}
	b := &models.Touchpoint{TouchpointID: "b", SessionID: "s2", Timestamp: base.Add(time.Hour)}
	inserted, err := m.AppendTouchpoint(ctx, a)
	require.NoError(t, err)
	assert.True(t, inserted)
	_, err = m.AppendTouchpoint(ctx, b)
	require.NoError(t, err)

	replay := &models.Touchpoint{TouchpointID: "a", SessionID: "s1", Timestamp: base}
	inserted, err = m.AppendTouchpoint(ctx, replay)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, a.Seq, replay.Seq)

	assert.Less(t, a.Seq, b.Seq)

	tps, err := m.ListTouchpoints(ctx, []string{"s1", "s2"}, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, tps, 1)
	assert.Equal(t, "a", tps[0].TouchpointID)

	require.NoError(t, m.DeleteSession(ctx, "s1"))
	tps, err = m.ListTouchpoints(ctx, []string{"s1"}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, tps)
}

func TestMemoryCampaignIncrementsConverge(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	key := models.CampaignKey{Source: "google", Medium: "cpc", Campaign: "spring"}

	const n = 200
	const r = 12.5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.IncrementCampaign(ctx, key, models.Counters{Conversions: 1, Revenue: r}))
		}()
	}
	wg.Wait()

	campaigns, err := m.ListCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	assert.Equal(t, int64(n), campaigns[0].Conversions)
	assert.InDelta(t, n*r, campaigns[0].Revenue, 1e-9)
}

func TestMemoryConversionCreateThenAmend(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first := &models.Conversion{ConversionID: "c1", OrderID: "o1", TotalValue: 100, Currency: "USD", Attributed: true, TouchpointCount: 2}
	stored, created, err := m.CreateOrAmendConversion(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "c1", stored.ConversionID)

	second := &models.Conversion{ConversionID: "c2", OrderID: "o1", TotalValue: 75, Currency: "USD"}
	stored, created, err = m.CreateOrAmendConversion(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "c1", stored.ConversionID)
	assert.Equal(t, 75.0, stored.TotalValue)
	assert.True(t, stored.Attributed)
	assert.Equal(t, 2, stored.TouchpointCount)
}

func TestMemoryEventsDistinctSessions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	var events []*models.Event
	for i := 0; i < 10; i++ {
		events = append(events, &models.Event{
			EventID: fmt.Sprintf("e%d", i), SessionID: fmt.Sprintf("s%d", i%4),
			EventName: "product_view", Timestamp: base,
		})
	}
	events = append(events,
		&models.Event{EventID: "p1", SessionID: "s1", EventName: models.EventPageView, PageURL: "/a", Timestamp: base},
		&models.Event{EventID: "p2", SessionID: "s2", EventName: models.EventPageView, PageURL: "/a", Timestamp: base},
		&models.Event{EventID: "p3", SessionID: "s2", EventName: models.EventPageView, PageURL: "/b", Timestamp: base},
		&models.Event{EventID: "old", SessionID: "s9", EventName: "product_view", Timestamp: base.Add(-48 * time.Hour)},
	)
	n, err := m.AppendEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, len(events), n)

	n, err = m.AppendEvents(ctx, events[:3])
	require.NoError(t, err)
	assert.Zero(t, n)

	sessions, err := m.CountDistinctSessions(ctx, "product_*", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), sessions)

	pages, err := m.TopPages(ctx, base.Add(-time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, []models.PageCount{{PageURL: "/a", Views: 2}, {PageURL: "/b", Views: 1}}, pages)
}

func TestMemoryDailyMetricsRange(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.IncrementDailyMetric(ctx, "2024-06-01", models.Counters{Sessions: 1}))
	require.NoError(t, m.IncrementDailyMetric(ctx, "2024-06-02", models.Counters{Sessions: 2}))
	require.NoError(t, m.IncrementDailyMetric(ctx, "2024-06-05", models.Counters{Sessions: 3}))

	got, err := m.GetDailyMetrics(ctx, "2024-06-01", "2024-06-04")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2024-06-01", got[0].Date)
	assert.Equal(t, int64(2), got[1].Sessions)
}
