// Package geo resolves visitor IP addresses to coarse locations.
package geo

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/radiusdt/vector-attribution/internal/metrics"
)

// Info holds geographic information for an IP.
type Info struct {
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	Region      string `json:"region,omitempty"`
	City        string `json:"city,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// Provider looks up an IP address.
type Provider interface {
	Lookup(ip string) (*Info, error)
}

// Locator wraps a Provider with an LRU cache. Failed lookups are cached as
// misses so a bad address is not retried on every hit.
type Locator struct {
	provider Provider
	cache    *lru.Cache
	metrics  *metrics.Metrics
}

// NewLocator creates a cached locator. A nil provider yields a locator that
// never resolves anything.
func NewLocator(provider Provider, cacheSize int, m *metrics.Metrics) (*Locator, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Locator{provider: provider, cache: cache, metrics: m}, nil
}

// Locate returns the location of ip, or nil when unknown.
func (l *Locator) Locate(ip string) *Info {
	if l == nil || l.provider == nil || ip == "" {
		return nil
	}

	start := time.Now()
	if v, ok := l.cache.Get(ip); ok {
		l.metrics.RecordGeoLookup(true, time.Since(start))
		info, _ := v.(*Info)
		return info
	}

	info, err := l.provider.Lookup(ip)
	if err != nil {
		info = nil
	}
	l.cache.Add(ip, info)
	l.metrics.RecordGeoLookup(false, time.Since(start))
	return info
}
