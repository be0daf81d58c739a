package models

import "time"

// ===========================================
// TRACKING CONTEXT
// ===========================================

// UTM holds campaign tagging parameters captured from a landing URL.
type UTM struct {
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Term     string `json:"utm_term,omitempty"`
	Content  string `json:"utm_content,omitempty"`
}

// IsZero reports whether no UTM parameter is set.
func (u UTM) IsZero() bool {
	return u == UTM{}
}

// ClickIDs holds ad-platform click identifiers.
type ClickIDs struct {
	GCLID   string `json:"gclid,omitempty"`
	FBCLID  string `json:"fbclid,omitempty"`
	MSCLKID string `json:"msclkid,omitempty"`
	TTCLID  string `json:"ttclid,omitempty"`
}

// Any returns the first non-empty click id, or "".
func (c ClickIDs) Any() string {
	for _, id := range []string{c.GCLID, c.FBCLID, c.MSCLKID, c.TTCLID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// TrackingContext is everything captured alongside a visitor activity.
type TrackingContext struct {
	UserAgent   string `json:"user_agent,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	DeviceType  string `json:"device_type,omitempty"`
	Browser     string `json:"browser,omitempty"`
	OS          string `json:"os,omitempty"`
	Country     string `json:"country,omitempty"`
	Region      string `json:"region,omitempty"`
	City        string `json:"city,omitempty"`
	Referrer    string `json:"referrer,omitempty"`
	LandingPage string `json:"landing_page,omitempty"`
	PageURL     string `json:"page_url,omitempty"`

	UTM      UTM      `json:"utm"`
	ClickIDs ClickIDs `json:"click_ids"`
}

// IsMarketingTouch reports whether the context carries campaign tagging or a click id.
func (c TrackingContext) IsMarketingTouch() bool {
	return !c.UTM.IsZero() || c.ClickIDs.Any() != ""
}

// MergeMissing fills blank fields of c from other. Populated fields are never
// overwritten, so first-touch values stay write-once.
func (c *TrackingContext) MergeMissing(other TrackingContext) {
	fill(&c.UserAgent, other.UserAgent)
	fill(&c.IPAddress, other.IPAddress)
	fill(&c.DeviceType, other.DeviceType)
	fill(&c.Browser, other.Browser)
	fill(&c.OS, other.OS)
	fill(&c.Country, other.Country)
	fill(&c.Region, other.Region)
	fill(&c.City, other.City)
	fill(&c.Referrer, other.Referrer)
	fill(&c.LandingPage, other.LandingPage)
	fill(&c.PageURL, other.PageURL)

	fill(&c.UTM.Source, other.UTM.Source)
	fill(&c.UTM.Medium, other.UTM.Medium)
	fill(&c.UTM.Campaign, other.UTM.Campaign)
	fill(&c.UTM.Term, other.UTM.Term)
	fill(&c.UTM.Content, other.UTM.Content)

	fill(&c.ClickIDs.GCLID, other.ClickIDs.GCLID)
	fill(&c.ClickIDs.FBCLID, other.ClickIDs.FBCLID)
	fill(&c.ClickIDs.MSCLKID, other.ClickIDs.MSCLKID)
	fill(&c.ClickIDs.TTCLID, other.ClickIDs.TTCLID)
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// ===========================================
// SESSION
// ===========================================

// Session is a visitor's browsing session. It is never deleted when it goes
// stale: conversions that cite it later still use it as the attribution anchor.
type Session struct {
	SessionID string    `json:"session_id"`
	VisitorID string    `json:"visitor_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Context TrackingContext `json:"context"`
}

// IsLive reports whether the session has not yet expired at the given instant.
func (s *Session) IsLive(at time.Time) bool {
	return at.Before(s.ExpiresAt)
}

// Absorb merges an incoming activity for the same session. Expiry and update
// times only move forward, creation only moves back, and context is filled in
// without overwriting, so the result does not depend on delivery order.
func (s *Session) Absorb(in *Session) {
	if in.CreatedAt.Before(s.CreatedAt) {
		s.CreatedAt = in.CreatedAt
	}
	if in.UpdatedAt.After(s.UpdatedAt) {
		s.UpdatedAt = in.UpdatedAt
	}
	if in.ExpiresAt.After(s.ExpiresAt) {
		s.ExpiresAt = in.ExpiresAt
	}
	if s.VisitorID == "" {
		s.VisitorID = in.VisitorID
	}
	s.Context.MergeMissing(in.Context)
}

// RecentSession is a session row for dashboards with its conversion status.
type RecentSession struct {
	Session
	Converted bool `json:"converted"`
}
