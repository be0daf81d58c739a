package models

import (
	"errors"
	"time"
)

// Placeholders for traffic without campaign tagging.
const (
	DirectSource   = "(direct)"
	NoMedium       = "(none)"
	NotSetCampaign = "(not set)"
)

const channelSeparator = " / "

// ===========================================
// CAMPAIGN KEY
// ===========================================

// CampaignKey is the (source, medium, campaign) triple that identifies a
// campaign rollup row.
type CampaignKey struct {
	Source   string `json:"source"`
	Medium   string `json:"medium"`
	Campaign string `json:"campaign"`
}

// CampaignKeyFromUTM normalizes UTM tags into a campaign key. Missing parts
// are replaced with the direct-traffic placeholders.
func CampaignKeyFromUTM(u UTM) CampaignKey {
	k := CampaignKey{Source: u.Source, Medium: u.Medium, Campaign: u.Campaign}
	if k.Source == "" {
		k.Source = DirectSource
	}
	if k.Medium == "" {
		k.Medium = NoMedium
	}
	if k.Campaign == "" {
		k.Campaign = NotSetCampaign
	}
	return k
}

// Channel is the "source / medium" label used for channel reports.
func (k CampaignKey) Channel() string {
	return k.Source + channelSeparator + k.Medium
}

// Validate checks that every part of the key is present.
func (k CampaignKey) Validate() error {
	if k.Source == "" {
		return errors.New("source is required")
	}
	if k.Medium == "" {
		return errors.New("medium is required")
	}
	if k.Campaign == "" {
		return errors.New("campaign is required")
	}
	return nil
}

// ===========================================
// COUNTERS
// ===========================================

// Counters are additive rollup values. The same type carries both an
// increment delta and the accumulated totals.
type Counters struct {
	Clicks      int64   `json:"clicks"`
	Sessions    int64   `json:"sessions"`
	PageViews   int64   `json:"page_views"`
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`
	Spend       float64 `json:"spend"`
}

// Add accumulates d into c.
func (c *Counters) Add(d Counters) {
	c.Clicks += d.Clicks
	c.Sessions += d.Sessions
	c.PageViews += d.PageViews
	c.Conversions += d.Conversions
	c.Revenue += d.Revenue
	c.Spend += d.Spend
}

// IsZero reports whether the delta changes nothing.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Validate rejects negative deltas. Counters are monotonic.
func (c Counters) Validate() error {
	if c.Clicks < 0 || c.Sessions < 0 || c.PageViews < 0 || c.Conversions < 0 {
		return errors.New("counter deltas must be >= 0")
	}
	if c.Revenue < 0 || c.Spend < 0 {
		return errors.New("revenue and spend deltas must be >= 0")
	}
	return nil
}

// ConversionRate is conversions per session as a percentage.
func (c Counters) ConversionRate() float64 {
	if c.Sessions == 0 {
		return 0
	}
	return float64(c.Conversions) * 100 / float64(c.Sessions)
}

// CTR is the share of sessions that arrived through an ad click, as a percentage.
func (c Counters) CTR() float64 {
	if c.Sessions == 0 {
		return 0
	}
	return float64(c.Clicks) * 100 / float64(c.Sessions)
}

// CPA is spend per conversion.
func (c Counters) CPA() float64 {
	if c.Conversions == 0 {
		return 0
	}
	return c.Spend / float64(c.Conversions)
}

// ROAS is revenue per unit of spend.
func (c Counters) ROAS() float64 {
	if c.Spend == 0 {
		return 0
	}
	return c.Revenue / c.Spend
}

// ===========================================
// ROLLUPS
// ===========================================

// Campaign is the accumulated rollup for one campaign key.
type Campaign struct {
	CampaignKey
	Counters
	UpdatedAt time.Time `json:"updated_at"`
}

// DailyMetric is the accumulated rollup for one reporting day.
type DailyMetric struct {
	Date string `json:"date"` // YYYY-MM-DD in the reporting timezone
	Counters
	UpdatedAt time.Time `json:"updated_at"`
}

// DateLayout is the format of DailyMetric.Date.
const DateLayout = "2006-01-02"
