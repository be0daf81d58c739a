package funnel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

func TestBuildReport(t *testing.T) {
	got := BuildReport([]string{"a", "b", "c", "d"}, []int64{100, 60, 20, 5})
	want := []StepResult{
		{Step: "a", Visitors: 100, ConversionRate: 100, DropOff: 0},
		{Step: "b", Visitors: 60, ConversionRate: 60, DropOff: 40},
		{Step: "c", Visitors: 20, ConversionRate: 20, DropOff: 40},
		{Step: "d", Visitors: 5, ConversionRate: 5, DropOff: 15},
	}
	assert.Equal(t, want, got)
}

func TestBuildReportEmptyFirstStep(t *testing.T) {
	got := BuildReport([]string{"a", "b"}, []int64{0, 3})
	assert.Equal(t, 100.0, got[0].ConversionRate)
	assert.Equal(t, 0.0, got[1].ConversionRate)
	// Steps are independent, so a later step can exceed an earlier one.
	assert.Equal(t, int64(-3), got[1].DropOff)
}

func seed(t *testing.T, store *storage.MemoryStore, at time.Time, counts map[string]int) {
	t.Helper()
	var events []*models.Event
	for name, n := range counts {
		for i := 0; i < n; i++ {
			sid := fmt.Sprintf("s%d", i)
			// Two events per session must still count once.
			for j := 0; j < 2; j++ {
				events = append(events, &models.Event{
					EventID:   fmt.Sprintf("%s-%d-%d", name, i, j),
					SessionID: sid,
					EventName: name,
					Timestamp: at,
				})
			}
		}
	}
	_, err := store.AppendEvents(context.Background(), events)
	require.NoError(t, err)
}

func TestComputeCountsDistinctSessions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, store, at, map[string]int{
		models.EventSessionStart: 100,
		"product_view_shoes":     40,
		"product_view_hats":      60,
		"add_to_cart":            20,
		models.EventConversion:   5,
	})

	a := NewAggregator(store, store, nil, nil)
	report, err := a.Compute(ctx, config.DefaultFunnelName, StepsFromConfig(config.DefaultFunnel()), Window{From: at.Add(-time.Hour), To: at.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, report.Steps, 4)

	assert.Equal(t, int64(100), report.Steps[0].Visitors)
	// product_view* matches both; sessions s0..s39 overlap, so 60 distinct.
	assert.Equal(t, int64(60), report.Steps[1].Visitors)
	assert.Equal(t, int64(20), report.Steps[2].Visitors)
	assert.Equal(t, int64(5), report.Steps[3].Visitors)
	assert.Equal(t, 5.0, report.Steps[3].ConversionRate)

	rows, err := store.ListFunnelSteps(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, config.DefaultFunnelName, rows[1].Funnel)
	assert.Equal(t, "Product View", rows[1].Name)
	assert.Equal(t, "product_view*", rows[1].EventPattern)
	assert.Equal(t, int64(100), rows[1].TotalSessions)
	assert.Equal(t, int64(60), rows[1].CompletedSessions)
	assert.InDelta(t, 40.0, rows[1].DropOffRate, 1e-9)
}

func TestPersistedStepsKeepFunnelAndStepNames(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, store, at, map[string]int{"signup": 4, "login": 2})
	w := Window{From: at, To: at}

	a := NewAggregator(store, store, nil, nil)
	_, err := a.Compute(ctx, "onboarding", []StepDef{{Name: "Sign Up", EventPattern: "signup"}, {Name: "Log In", EventPattern: "login"}}, w)
	require.NoError(t, err)
	_, err = a.Compute(ctx, "returning", []StepDef{{Name: "Log In", EventPattern: "login"}}, w)
	require.NoError(t, err)

	rows, err := store.ListFunnelSteps(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "onboarding", rows[0].Funnel)
	assert.Equal(t, "Sign Up", rows[0].Name)
	assert.Equal(t, 0, rows[0].StepOrder)
	assert.Equal(t, "onboarding", rows[1].Funnel)
	assert.Equal(t, "Log In", rows[1].Name)
	assert.InDelta(t, 50.0, rows[1].DropOffRate, 1e-9)
	assert.Equal(t, "returning", rows[2].Funnel)
	assert.Equal(t, "Log In", rows[2].Name)
	assert.Equal(t, int64(2), rows[2].CompletedSessions)
}

func TestComputeRespectsWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, store, at, map[string]int{"a": 3})

	a := NewAggregator(store, nil, nil, nil)
	report, err := a.Compute(ctx, "f", []StepDef{{Name: "A", EventPattern: "a"}}, Window{From: at.Add(time.Minute), To: at.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Steps[0].Visitors)

	report, err = a.Compute(ctx, "f", []StepDef{{Name: "A", EventPattern: "a"}}, Window{From: at, To: at})
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.Steps[0].Visitors)
}

func TestComputeRejectsBadInput(t *testing.T) {
	a := NewAggregator(storage.NewMemoryStore(), nil, nil, nil)
	now := time.Now()

	_, err := a.Compute(context.Background(), "f", nil, Window{From: now, To: now})
	assert.ErrorIs(t, err, models.ErrMalformedPayload)

	_, err = a.Compute(context.Background(), "f", []StepDef{{Name: "A", EventPattern: "a"}}, Window{From: now, To: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, models.ErrMalformedPayload)
}
