package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/conversion"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// Order webhook topics.
const (
	TopicOrderCreate  = "orders/create"
	TopicOrderUpdated = "orders/updated"
)

// OrderWebhook handles commerce platform order notifications.
type OrderWebhook struct {
	recorder OrderRecorder
	logger   *zap.Logger
}

// NewOrderWebhook creates a webhook handler.
func NewOrderWebhook(recorder OrderRecorder, logger *zap.Logger) *OrderWebhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderWebhook{recorder: recorder, logger: logger}
}

// OrderPayload is a normalized platform order. Money fields arrive as
// strings, the way storefront platforms send them.
type OrderPayload struct {
	ID          json.Number `json:"id"`
	OrderNumber json.Number `json:"order_number,omitempty"`
	TotalPrice  string      `json:"total_price"`
	Currency    string      `json:"currency"`
	CreatedAt   time.Time   `json:"created_at"`
	LineItems   []struct {
		ProductID json.Number `json:"product_id,omitempty"`
		SKU       string      `json:"sku,omitempty"`
		Title     string      `json:"title,omitempty"`
		Quantity  int         `json:"quantity"`
		Price     string      `json:"price"`
	} `json:"line_items"`
	NoteAttributes []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"note_attributes"`
}

// WebhookResult reports the outcome of one notification.
type WebhookResult struct {
	ConversionID string `json:"conversion_id,omitempty"`
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
}

// Handle processes a notification body for topic. orders/create records the
// conversion; orders/updated amends it, or records it when the create
// notification was never received.
func (h *OrderWebhook) Handle(ctx context.Context, topic string, body []byte) (*WebhookResult, error) {
	var p OrderPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode order: %w: %w", models.ErrMalformedPayload, err)
	}
	in, err := p.Order()
	if err != nil {
		return nil, err
	}

	switch topic {
	case TopicOrderCreate:
		return h.record(ctx, in)
	case TopicOrderUpdated:
		c, err := h.recorder.Amend(ctx, in)
		if errors.Is(err, models.ErrConversionNotFound) {
			h.logger.Info("Order update for unknown order, recording it", zap.String("order_id", in.OrderID))
			return h.record(ctx, in)
		}
		if err != nil {
			return nil, err
		}
		return &WebhookResult{ConversionID: c.ConversionID, OrderID: c.OrderID, Status: "amended"}, nil
	default:
		return nil, fmt.Errorf("unsupported webhook topic %q: %w", topic, models.ErrMalformedPayload)
	}
}

func (h *OrderWebhook) record(ctx context.Context, in conversion.OrderInput) (*WebhookResult, error) {
	rec, err := h.recorder.Record(ctx, in, nil)
	if err != nil {
		return nil, err
	}
	res := &WebhookResult{ConversionID: rec.Conversion.ConversionID, OrderID: in.OrderID, Status: "created"}
	switch {
	case rec.Duplicate:
		res.Status = "amended"
	case rec.Warning != nil:
		res.Message = rec.Warning.Error()
	}

	h.logger.Info("Order webhook processed",
		zap.String("order_id", in.OrderID),
		zap.String("status", res.Status),
		zap.Float64("total_value", in.TotalValue),
	)
	return res, nil
}

// Order converts the payload into recorder input. The session and visitor
// are read from the checkout note attributes written by the storefront script.
func (p OrderPayload) Order() (conversion.OrderInput, error) {
	if p.ID == "" {
		return conversion.OrderInput{}, fmt.Errorf("order id is required: %w", models.ErrMalformedPayload)
	}
	total, err := parseMoney(p.TotalPrice)
	if err != nil {
		return conversion.OrderInput{}, fmt.Errorf("order %s total_price: %w: %w", p.ID, models.ErrMalformedPayload, err)
	}

	in := conversion.OrderInput{
		OrderID:     p.ID.String(),
		OrderNumber: p.OrderNumber.String(),
		TotalValue:  total,
		Currency:    strings.ToUpper(p.Currency),
		ConvertedAt: p.CreatedAt,
	}
	for _, a := range p.NoteAttributes {
		switch a.Name {
		case "session_id", "vector_session_id":
			in.SessionID = a.Value
		case "visitor_id", "vector_visitor_id":
			in.VisitorID = a.Value
		}
	}
	for _, li := range p.LineItems {
		price, err := parseMoney(li.Price)
		if err != nil {
			price = 0
		}
		in.LineItems = append(in.LineItems, models.LineItem{
			ProductID: li.ProductID.String(),
			SKU:       li.SKU,
			Name:      li.Title,
			Quantity:  li.Quantity,
			Price:     price,
		})
	}
	return in, nil
}

func parseMoney(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("missing amount")
	}
	return strconv.ParseFloat(s, 64)
}
