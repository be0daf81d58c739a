// Package ingest validates raw tracking payloads and feeds them to the
// tracker and the conversion recorder.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/radiusdt/vector-attribution/internal/conversion"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// Envelope types.
const (
	TypeSessionStart = "session_start"
	TypePageView     = "page_view"
	TypeInteraction  = "interaction"
	TypeConversion   = "conversion"
)

// Envelope is the ingress wrapper around every payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeEnvelopes accepts a single envelope object or an array of them.
func DecodeEnvelopes(body []byte) ([]Envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body: %w", models.ErrMalformedPayload)
	}
	if body[0] == '[' {
		var envs []Envelope
		if err := json.Unmarshal(body, &envs); err != nil {
			return nil, fmt.Errorf("decode envelopes: %w: %w", models.ErrMalformedPayload, err)
		}
		return envs, nil
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w: %w", models.ErrMalformedPayload, err)
	}
	return []Envelope{env}, nil
}

// ===========================================
// PAYLOADS
// ===========================================

// ActivityData is the payload of session_start, page_view and interaction.
type ActivityData struct {
	SessionID string    `json:"sessionId"`
	VisitorID string    `json:"visitorId"`
	Timestamp time.Time `json:"timestamp"`
	EventName string    `json:"eventName,omitempty"`

	UserAgent   string `json:"userAgent,omitempty"`
	IPAddress   string `json:"ipAddress,omitempty"`
	DeviceType  string `json:"deviceType,omitempty"`
	Browser     string `json:"browser,omitempty"`
	OS          string `json:"os,omitempty"`
	Country     string `json:"country,omitempty"`
	Region      string `json:"region,omitempty"`
	City        string `json:"city,omitempty"`
	Referrer    string `json:"referrer,omitempty"`
	LandingPage string `json:"landingPage,omitempty"`
	PageURL     string `json:"pageUrl,omitempty"`

	models.UTM
	models.ClickIDs

	// Properties carries element metadata, scroll/time/performance
	// metrics and any caller-defined fields.
	Properties models.Properties `json:"properties,omitempty"`
}

// Context converts the payload into a tracking context.
func (d ActivityData) Context() models.TrackingContext {
	return models.TrackingContext{
		UserAgent:   d.UserAgent,
		IPAddress:   d.IPAddress,
		DeviceType:  d.DeviceType,
		Browser:     d.Browser,
		OS:          d.OS,
		Country:     d.Country,
		Region:      d.Region,
		City:        d.City,
		Referrer:    d.Referrer,
		LandingPage: d.LandingPage,
		PageURL:     d.PageURL,
		UTM:         d.UTM,
		ClickIDs:    d.ClickIDs,
	}
}

// LineItemData is one order line as sent by the storefront.
type LineItemData struct {
	ProductID string  `json:"productId,omitempty"`
	SKU       string  `json:"sku,omitempty"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// JourneyTouchpoint is one element of a pre-assembled customer journey.
type JourneyTouchpoint struct {
	TouchpointID string    `json:"touchpointId,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	PageURL      string    `json:"pageUrl,omitempty"`
	Referrer     string    `json:"referrer,omitempty"`

	models.UTM
	models.ClickIDs
}

// ConversionData is the payload of a conversion envelope.
type ConversionData struct {
	SessionID   string         `json:"sessionId"`
	VisitorID   string         `json:"visitorId,omitempty"`
	OrderID     string         `json:"orderId"`
	OrderNumber string         `json:"orderNumber,omitempty"`
	TotalValue  *float64       `json:"totalValue"`
	Currency    string         `json:"currency,omitempty"`
	LineItems   []LineItemData `json:"lineItems,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`

	CustomerJourney []JourneyTouchpoint `json:"customer_journey,omitempty"`
}

// Order converts the payload into recorder input.
func (d ConversionData) Order() conversion.OrderInput {
	in := conversion.OrderInput{
		OrderID:     d.OrderID,
		OrderNumber: d.OrderNumber,
		SessionID:   d.SessionID,
		VisitorID:   d.VisitorID,
		Currency:    d.Currency,
		ConvertedAt: d.Timestamp,
	}
	if d.TotalValue != nil {
		in.TotalValue = *d.TotalValue
	}
	for _, li := range d.LineItems {
		in.LineItems = append(in.LineItems, models.LineItem{
			ProductID: li.ProductID,
			SKU:       li.SKU,
			Name:      li.Name,
			Quantity:  li.Quantity,
			Price:     li.Price,
		})
	}
	return in
}

// Journey returns the supplied customer journey, or nil when none was sent.
func (d ConversionData) Journey() *models.Journey {
	if len(d.CustomerJourney) == 0 {
		return nil
	}
	tps := make([]models.Touchpoint, len(d.CustomerJourney))
	for i, tp := range d.CustomerJourney {
		sessionID := tp.SessionID
		if sessionID == "" {
			sessionID = d.SessionID
		}
		tps[i] = models.Touchpoint{
			TouchpointID: tp.TouchpointID,
			SessionID:    sessionID,
			VisitorID:    d.VisitorID,
			UTM:          tp.UTM,
			ClickIDs:     tp.ClickIDs,
			PageURL:      tp.PageURL,
			Referrer:     tp.Referrer,
			Timestamp:    tp.Timestamp,
			Seq:          int64(i),
		}
	}
	j := models.NewJourney(tps)
	return &j
}
