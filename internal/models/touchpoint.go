package models

import (
	"iter"
	"sort"
	"time"
)

// Touchpoint is an immutable snapshot of a marketing-attributable visit,
// owned by exactly one session.
type Touchpoint struct {
	TouchpointID string    `json:"touchpoint_id"`
	SessionID    string    `json:"session_id"`
	VisitorID    string    `json:"visitor_id"`
	UTM          UTM       `json:"utm"`
	ClickIDs     ClickIDs  `json:"click_ids"`
	PageURL      string    `json:"page_url,omitempty"`
	Referrer     string    `json:"referrer,omitempty"`
	Timestamp    time.Time `json:"timestamp"`

	// Seq is the insertion order assigned by the store. It breaks timestamp ties.
	Seq int64 `json:"seq"`
}

// CampaignKey returns the campaign triple this touchpoint belongs to.
func (t Touchpoint) CampaignKey() CampaignKey {
	return CampaignKeyFromUTM(t.UTM)
}

// Journey is the ordered sequence of a customer's touchpoints across sessions.
// It is an immutable value: the zero Journey is the valid empty journey.
type Journey struct {
	touchpoints []Touchpoint
}

// NewJourney orders touchpoints by timestamp, ties broken by Seq and then by
// their position in the input slice.
func NewJourney(tps []Touchpoint) Journey {
	sorted := make([]Touchpoint, len(tps))
	copy(sorted, tps)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].Seq < sorted[j].Seq
	})
	return Journey{touchpoints: sorted}
}

// Len returns the number of touchpoints.
func (j Journey) Len() int { return len(j.touchpoints) }

// At returns the i-th touchpoint in journey order.
func (j Journey) At(i int) Touchpoint { return j.touchpoints[i] }

// All yields touchpoints in journey order. The sequence can be ranged over
// any number of times.
func (j Journey) All() iter.Seq2[int, Touchpoint] {
	return func(yield func(int, Touchpoint) bool) {
		for i, tp := range j.touchpoints {
			if !yield(i, tp) {
				return
			}
		}
	}
}

// Touchpoints returns a copy of the ordered touchpoints.
func (j Journey) Touchpoints() []Touchpoint {
	out := make([]Touchpoint, len(j.touchpoints))
	copy(out, j.touchpoints)
	return out
}
