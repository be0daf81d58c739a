// Package attribution computes credit distributions over customer journeys.
//
// Compute is pure: it performs no I/O and the same journey, conversion
// instant and half-life always produce the same result.
package attribution

import (
	"encoding/json"
	"math"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// Model names an attribution model.
type Model string

const (
	FirstClick    Model = "first_click"
	LastClick     Model = "last_click"
	Linear        Model = "linear"
	TimeDecay     Model = "time_decay"
	PositionBased Model = "position_based"
)

// Models lists every model Compute evaluates, in report order.
var Models = []Model{FirstClick, LastClick, Linear, TimeDecay, PositionBased}

const (
	// DefaultHalfLife is used when Compute is given a non-positive half-life.
	DefaultHalfLife = 7 * 24 * time.Hour

	positionEndWeight    = 0.4
	positionMiddleWeight = 0.2
)

// Credit is one touchpoint's share of a conversion under a model.
type Credit struct {
	TouchpointID string    `json:"touchpoint_id"`
	SessionID    string    `json:"session_id"`
	Source       string    `json:"source"`
	Medium       string    `json:"medium"`
	Campaign     string    `json:"campaign"`
	Timestamp    time.Time `json:"timestamp"`
	Weight       float64   `json:"weight"`
}

// Result is the outcome of attributing one conversion.
type Result struct {
	FirstClick *models.Touchpoint `json:"first_click,omitempty"`
	LastClick  *models.Touchpoint `json:"last_click,omitempty"`

	// Credits holds one entry per touchpoint, in journey order, for each model.
	Credits map[Model][]Credit `json:"credits,omitempty"`

	TouchpointCount      int `json:"touchpoint_count"`
	DaysToPurchase       int `json:"days_to_purchase"`
	SessionsToConversion int `json:"sessions_to_conversion"`
}

// IsEmpty reports whether the journey had no touchpoints.
func (r Result) IsEmpty() bool {
	return r.TouchpointCount == 0
}

// Weights returns the per-touchpoint weights for a model in journey order.
func (r Result) Weights(m Model) []float64 {
	credits := r.Credits[m]
	out := make([]float64, len(credits))
	for i, c := range credits {
		out[i] = c.Weight
	}
	return out
}

// ByChannel sums a model's weights per "source / medium" channel.
func (r Result) ByChannel(m Model) map[string]float64 {
	out := make(map[string]float64)
	for _, c := range r.Credits[m] {
		key := models.CampaignKeyFromUTM(models.UTM{Source: c.Source, Medium: c.Medium}).Channel()
		out[key] += c.Weight
	}
	return out
}

// Breakdown serializes the per-model credits for storage on a conversion.
func (r Result) Breakdown() (json.RawMessage, error) {
	if r.IsEmpty() {
		return nil, nil
	}
	return json.Marshal(r.Credits)
}

// Compute attributes a conversion at conversionAt to the journey's touchpoints
// under every model. An empty journey yields an empty Result.
func Compute(journey models.Journey, conversionAt time.Time, halfLife time.Duration) Result {
	n := journey.Len()
	if n == 0 {
		return Result{}
	}
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}

	first := journey.At(0)
	last := journey.At(n - 1)

	sessions := make(map[string]struct{})
	for _, tp := range journey.All() {
		sessions[tp.SessionID] = struct{}{}
	}

	res := Result{
		FirstClick:           &first,
		LastClick:            &last,
		Credits:              make(map[Model][]Credit, len(Models)),
		TouchpointCount:      n,
		DaysToPurchase:       int(math.Round(last.Timestamp.Sub(first.Timestamp).Hours() / 24)),
		SessionsToConversion: len(sessions),
	}

	res.Credits[FirstClick] = credits(journey, firstClickWeights(n))
	res.Credits[LastClick] = credits(journey, lastClickWeights(n))
	res.Credits[Linear] = credits(journey, linearWeights(n))
	res.Credits[TimeDecay] = credits(journey, timeDecayWeights(journey, conversionAt, halfLife))
	res.Credits[PositionBased] = credits(journey, positionWeights(n))
	return res
}

// TimeDecayRawWeight is the unnormalized time-decay weight 2^(-Δt/halfLife).
// Touchpoints stamped after the conversion count as Δt = 0.
func TimeDecayRawWeight(conversionAt, touchAt time.Time, halfLife time.Duration) float64 {
	dt := conversionAt.Sub(touchAt)
	if dt < 0 {
		dt = 0
	}
	return math.Exp2(-float64(dt) / float64(halfLife))
}

func credits(journey models.Journey, weights []float64) []Credit {
	out := make([]Credit, 0, journey.Len())
	for i, tp := range journey.All() {
		out = append(out, Credit{
			TouchpointID: tp.TouchpointID,
			SessionID:    tp.SessionID,
			Source:       tp.UTM.Source,
			Medium:       tp.UTM.Medium,
			Campaign:     tp.UTM.Campaign,
			Timestamp:    tp.Timestamp,
			Weight:       weights[i],
		})
	}
	return out
}

func firstClickWeights(n int) []float64 {
	w := make([]float64, n)
	w[0] = 1
	return w
}

func lastClickWeights(n int) []float64 {
	w := make([]float64, n)
	w[n-1] = 1
	return w
}

func linearWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

func timeDecayWeights(journey models.Journey, conversionAt time.Time, halfLife time.Duration) []float64 {
	// Decay is measured from the freshest touchpoint so it weighs exactly 1
	// and the total never underflows to zero, however old the journey is.
	// The ratios between weights are unchanged.
	anchor := time.Time{}
	for _, tp := range journey.All() {
		if tp.Timestamp.After(anchor) {
			anchor = tp.Timestamp
		}
	}
	if anchor.After(conversionAt) {
		anchor = conversionAt
	}

	w := make([]float64, journey.Len())
	total := 0.0
	for i, tp := range journey.All() {
		w[i] = TimeDecayRawWeight(anchor, tp.Timestamp, halfLife)
		total += w[i]
	}
	for i := range w {
		w[i] /= total
	}
	return w
}

// positionWeights gives 40% to each end and splits 20% across the middle.
// With two touchpoints there is no middle and the weights sum to 0.8.
func positionWeights(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	w[0] = positionEndWeight
	w[n-1] = positionEndWeight
	if n > 2 {
		mid := positionMiddleWeight / float64(n-2)
		for i := 1; i < n-1; i++ {
			w[i] = mid
		}
	}
	return w
}
