package attribution

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/models"
)

const day = 24 * time.Hour

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func journeyOf(offsets ...time.Duration) models.Journey {
	tps := make([]models.Touchpoint, len(offsets))
	for i, off := range offsets {
		tps[i] = models.Touchpoint{
			TouchpointID: fmt.Sprintf("tp-%d", i),
			SessionID:    fmt.Sprintf("s-%d", i%2),
			UTM:          models.UTM{Source: "google", Medium: "cpc", Campaign: "spring"},
			Timestamp:    t0.Add(off),
			Seq:          int64(i),
		}
	}
	return models.NewJourney(tps)
}

func sum(ws []float64) float64 {
	s := 0.0
	for _, w := range ws {
		s += w
	}
	return s
}

func TestComputeEmptyJourney(t *testing.T) {
	res := Compute(models.Journey{}, t0, DefaultHalfLife)
	assert.True(t, res.IsEmpty())
	assert.Nil(t, res.FirstClick)
	assert.Nil(t, res.LastClick)
	assert.Empty(t, res.Credits)

	raw, err := res.Breakdown()
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestWeightsSumToOne(t *testing.T) {
	for n := 1; n <= 12; n++ {
		offsets := make([]time.Duration, n)
		for i := range offsets {
			offsets[i] = time.Duration(i) * 13 * time.Hour
		}
		res := Compute(journeyOf(offsets...), t0.Add(20*day), DefaultHalfLife)

		for _, m := range Models {
			if m == PositionBased && n == 2 {
				continue
			}
			assert.InDelta(t, 1.0, sum(res.Weights(m)), 1e-9, "model %s n=%d", m, n)
		}
	}
}

func TestFirstAndLastClick(t *testing.T) {
	res := Compute(journeyOf(0, day, 2*day), t0.Add(3*day), DefaultHalfLife)

	assert.Equal(t, []float64{1, 0, 0}, res.Weights(FirstClick))
	assert.Equal(t, []float64{0, 0, 1}, res.Weights(LastClick))
	assert.Equal(t, "tp-0", res.FirstClick.TouchpointID)
	assert.Equal(t, "tp-2", res.LastClick.TouchpointID)
}

func TestFirstAndLastClickTiesUseInsertionOrder(t *testing.T) {
	j := models.NewJourney([]models.Touchpoint{
		{TouchpointID: "late-insert", Timestamp: t0, Seq: 2},
		{TouchpointID: "early-insert", Timestamp: t0, Seq: 1},
	})
	res := Compute(j, t0.Add(day), DefaultHalfLife)

	assert.Equal(t, "early-insert", res.FirstClick.TouchpointID)
	assert.Equal(t, "late-insert", res.LastClick.TouchpointID)
}

func TestLinear(t *testing.T) {
	res := Compute(journeyOf(0, day, 2*day, 3*day), t0.Add(4*day), DefaultHalfLife)
	assert.Equal(t, []float64{0.25, 0.25, 0.25, 0.25}, res.Weights(Linear))
}

func TestPositionBased(t *testing.T) {
	res := Compute(journeyOf(0), t0, DefaultHalfLife)
	assert.Equal(t, []float64{1}, res.Weights(PositionBased))

	// no middle slice: the remaining 0.2 stays unassigned
	res = Compute(journeyOf(0, day), t0.Add(day), DefaultHalfLife)
	assert.Equal(t, []float64{0.4, 0.4}, res.Weights(PositionBased))
	assert.InDelta(t, 0.8, sum(res.Weights(PositionBased)), 1e-9)

	res = Compute(journeyOf(0, day, 2*day), t0.Add(2*day), DefaultHalfLife)
	assert.InDeltaSlice(t, []float64{0.4, 0.2, 0.4}, res.Weights(PositionBased), 1e-9)

	res = Compute(journeyOf(0, day, 2*day, 3*day, 4*day, 5*day), t0.Add(5*day), DefaultHalfLife)
	assert.InDeltaSlice(t, []float64{0.4, 0.05, 0.05, 0.05, 0.05, 0.4}, res.Weights(PositionBased), 1e-9)
}

func TestTimeDecayHalfLife(t *testing.T) {
	conversion := t0.Add(7 * day)

	atConversion := TimeDecayRawWeight(conversion, conversion, 7*day)
	weekBefore := TimeDecayRawWeight(conversion, t0, 7*day)
	assert.Equal(t, 1.0, atConversion)
	assert.Equal(t, atConversion/2, weekBefore)

	res := Compute(journeyOf(0, 7*day), conversion, 7*day)
	assert.InDeltaSlice(t, []float64{1.0 / 3, 2.0 / 3}, res.Weights(TimeDecay), 1e-12)
}

func TestTimeDecayStaysFiniteForOldJourneys(t *testing.T) {
	res := Compute(journeyOf(0), t0.Add(60*day), time.Hour)
	assert.Equal(t, []float64{1}, res.Weights(TimeDecay))

	raw, err := res.Breakdown()
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	for _, offsets := range [][]time.Duration{{0, 30 * day}, {0, 60 * day}, {0, day, 59 * day}} {
		res = Compute(journeyOf(offsets...), t0.Add(90*day), time.Hour)
		ws := res.Weights(TimeDecay)
		for _, w := range ws {
			assert.False(t, math.IsNaN(w))
		}
		assert.InDelta(t, 1.0, sum(ws), 1e-12)
		assert.InDelta(t, 1.0, ws[len(ws)-1], 1e-12)
	}
}

func TestTimeDecayIgnoresTouchpointsAfterConversion(t *testing.T) {
	res := Compute(journeyOf(0, 7*day, 8*day), t0.Add(7*day), 7*day)
	assert.InDeltaSlice(t, []float64{1.0 / 5, 2.0 / 5, 2.0 / 5}, res.Weights(TimeDecay), 1e-12)
}

func TestTimeDecayDefaultsHalfLife(t *testing.T) {
	a := Compute(journeyOf(0, 7*day), t0.Add(7*day), 0)
	b := Compute(journeyOf(0, 7*day), t0.Add(7*day), DefaultHalfLife)
	assert.Equal(t, a.Weights(TimeDecay), b.Weights(TimeDecay))
}

func TestSummaryFields(t *testing.T) {
	res := Compute(journeyOf(0, 30*time.Hour, 70*time.Hour), t0.Add(10*day), DefaultHalfLife)

	assert.Equal(t, 3, res.TouchpointCount)
	assert.Equal(t, 3, res.DaysToPurchase) // 70h rounds to 3 days
	assert.Equal(t, 2, res.SessionsToConversion)
}

func TestByChannel(t *testing.T) {
	j := models.NewJourney([]models.Touchpoint{
		{TouchpointID: "a", Timestamp: t0, UTM: models.UTM{Source: "google", Medium: "cpc"}},
		{TouchpointID: "b", Timestamp: t0.Add(day)},
	})
	res := Compute(j, t0.Add(2*day), DefaultHalfLife)

	ch := res.ByChannel(Linear)
	assert.InDelta(t, 0.5, ch["google / cpc"], 1e-9)
	assert.InDelta(t, 0.5, ch["(direct) / (none)"], 1e-9)
}

func TestComputeIsSafeForConcurrentUse(t *testing.T) {
	j := journeyOf(0, day, 2*day, 3*day)
	want := Compute(j, t0.Add(5*day), DefaultHalfLife)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := Compute(j, t0.Add(5*day), DefaultHalfLife)
			assert.Equal(t, want.Weights(TimeDecay), got.Weights(TimeDecay))
		}()
	}
	wg.Wait()
}
