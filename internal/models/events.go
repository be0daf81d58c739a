package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ===========================================
// CONVERSION
// ===========================================

// LineItem is one product line of an order.
type LineItem struct {
	ProductID string  `json:"product_id,omitempty"`
	SKU       string  `json:"sku,omitempty"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// ClickAttribution is the snapshot of a first- or last-click touchpoint
// frozen onto a conversion.
type ClickAttribution struct {
	TouchpointID string    `json:"touchpoint_id"`
	Source       string    `json:"source,omitempty"`
	Medium       string    `json:"medium,omitempty"`
	Campaign     string    `json:"campaign,omitempty"`
	ClickID      string    `json:"click_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewClickAttribution snapshots a touchpoint.
func NewClickAttribution(tp Touchpoint) *ClickAttribution {
	return &ClickAttribution{
		TouchpointID: tp.TouchpointID,
		Source:       tp.UTM.Source,
		Medium:       tp.UTM.Medium,
		Campaign:     tp.UTM.Campaign,
		ClickID:      tp.ClickIDs.Any(),
		Timestamp:    tp.Timestamp,
	}
}

// Conversion is an order attributed to a journey. OrderID is unique across
// the store. Attribution fields are written once at creation and never
// recomputed; amendments only touch the monetary fields.
type Conversion struct {
	ConversionID string     `json:"conversion_id"`
	OrderID      string     `json:"order_id"`
	OrderNumber  string     `json:"order_number,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	VisitorID    string     `json:"visitor_id,omitempty"`
	TotalValue   float64    `json:"total_value"`
	Currency     string     `json:"currency"`
	ItemCount    int        `json:"item_count"`
	LineItems    []LineItem `json:"line_items,omitempty"`

	Attributed           bool              `json:"attributed"`
	FirstClick           *ClickAttribution `json:"first_click,omitempty"`
	LastClick            *ClickAttribution `json:"last_click,omitempty"`
	Journey              json.RawMessage   `json:"journey,omitempty"`
	TouchpointCount      int               `json:"touchpoint_count"`
	DaysToPurchase       int               `json:"days_to_purchase"`
	SessionsToConversion int               `json:"sessions_to_conversion"`

	ConvertedAt time.Time `json:"converted_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c *Conversion) Validate() error {
	if c.OrderID == "" {
		return errors.New("order_id is required")
	}
	if c.TotalValue < 0 {
		return errors.New("total_value must be >= 0")
	}
	if c.Currency == "" {
		return errors.New("currency is required")
	}
	for i := range c.LineItems {
		if c.LineItems[i].Quantity < 0 {
			return errors.New("line item quantity must be >= 0")
		}
	}
	return nil
}

// Amend copies the monetary fields of next onto c.
func (c *Conversion) Amend(next *Conversion) {
	c.TotalValue = next.TotalValue
	c.Currency = next.Currency
	c.ItemCount = next.ItemCount
	if next.UpdatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = next.UpdatedAt
	}
}

// CountItems sums line item quantities.
func CountItems(items []LineItem) int {
	n := 0
	for _, li := range items {
		n += li.Quantity
	}
	return n
}
