package tracking

import (
	"strings"

	"github.com/mssola/user_agent"

	"github.com/radiusdt/vector-attribution/internal/geo"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// Device types written to the session context.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
)

// GeoLocator resolves an IP to a location. *geo.Locator implements it.
type GeoLocator interface {
	Locate(ip string) *geo.Info
}

// Enricher fills device and geo fields of a tracking context from the user
// agent and IP address. Values supplied by the caller are kept.
type Enricher struct {
	geo GeoLocator
}

// NewEnricher creates an enricher. locator may be nil.
func NewEnricher(locator GeoLocator) *Enricher {
	return &Enricher{geo: locator}
}

// Enrich returns c with blank device and geo fields filled in.
func (e *Enricher) Enrich(c models.TrackingContext) models.TrackingContext {
	if c.UserAgent != "" && (c.DeviceType == "" || c.Browser == "" || c.OS == "") {
		device := ParseUserAgent(c.UserAgent)
		c.MergeMissing(models.TrackingContext{
			DeviceType: device.Type,
			Browser:    device.Browser,
			OS:         device.OS,
		})
	}

	if e != nil && e.geo != nil && c.IPAddress != "" && (c.Country == "" || c.City == "") {
		if info := e.geo.Locate(c.IPAddress); info != nil {
			c.MergeMissing(models.TrackingContext{
				Country: info.CountryCode,
				Region:  info.Region,
				City:    info.City,
			})
		}
	}
	return c
}

// DeviceInfo is the parsed form of a user agent.
type DeviceInfo struct {
	Type    string
	Browser string
	OS      string
}

// ParseUserAgent classifies a user agent string.
func ParseUserAgent(ua string) DeviceInfo {
	p := user_agent.New(ua)
	if p.Bot() {
		name, _ := p.Browser()
		return DeviceInfo{Type: DeviceBot, Browser: name}
	}

	name, _ := p.Browser()
	info := DeviceInfo{Browser: name, OS: p.OSInfo().Name}

	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		info.Type = DeviceTablet
	case p.Mobile():
		info.Type = DeviceMobile
	default:
		info.Type = DeviceDesktop
	}
	return info
}
