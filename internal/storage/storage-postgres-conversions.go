package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/radiusdt/vector-attribution/internal/models"
)

const conversionColumns = `conversion_id, order_id, order_number, session_id, visitor_id,
	total_value, currency, item_count, attributed, first_click, last_click, journey,
	touchpoint_count, days_to_purchase, sessions_to_conversion,
	converted_at, created_at, updated_at`

// CreateOrAmendConversion inserts the conversion or amends the monetary
// fields of an existing order in one statement. Line items are written only
// by the inserting call, in the same transaction.
func (s *PostgresStore) CreateOrAmendConversion(ctx context.Context, c *models.Conversion) (*models.Conversion, bool, error) {
	firstClick, err := marshalNullable(c.FirstClick)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode first click: %w", err)
	}
	lastClick, err := marshalNullable(c.LastClick)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode last click: %w", err)
	}
	var journey []byte
	if len(c.Journey) > 0 {
		journey = c.Journey
	}
	fc, lc := flatClick(c.FirstClick), flatClick(c.LastClick)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, unavailable("begin conversion tx", err)
	}
	defer tx.Rollback(ctx)

	var out models.Conversion
	var inserted bool
	dest := append(conversionDest(&out), &inserted)
	err = tx.QueryRow(ctx, `
		INSERT INTO conversions (
			conversion_id, order_id, order_number, session_id, visitor_id,
			total_value, currency, item_count, attributed, first_click, last_click, journey,
			first_click_source, first_click_medium, first_click_campaign,
			last_click_source, last_click_medium, last_click_campaign,
			touchpoint_count, days_to_purchase, sessions_to_conversion,
			converted_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (order_id) DO UPDATE SET
			total_value = EXCLUDED.total_value,
			currency = EXCLUDED.currency,
			item_count = EXCLUDED.item_count,
			updated_at = GREATEST(conversions.updated_at, EXCLUDED.updated_at)
		RETURNING `+conversionColumns+`, (xmax = 0) AS inserted
	`, c.ConversionID, c.OrderID, c.OrderNumber, c.SessionID, c.VisitorID,
		c.TotalValue, c.Currency, c.ItemCount, c.Attributed, firstClick, lastClick, journey,
		fc.Source, fc.Medium, fc.Campaign, lc.Source, lc.Medium, lc.Campaign,
		c.TouchpointCount, c.DaysToPurchase, c.SessionsToConversion,
		c.ConvertedAt, c.CreatedAt, c.UpdatedAt,
	).Scan(dest...)
	if err != nil {
		return nil, false, unavailable("upsert conversion", err)
	}

	if inserted && len(c.LineItems) > 0 {
		batch := &pgx.Batch{}
		for i, li := range c.LineItems {
			batch.Queue(`
				INSERT INTO conversion_line_items (conversion_id, position, product_id, sku, name, quantity, price)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, out.ConversionID, i, li.ProductID, li.SKU, li.Name, li.Quantity, li.Price)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nil, false, unavailable("insert line items", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, unavailable("commit conversion", err)
	}

	if inserted {
		out.LineItems = append([]models.LineItem(nil), c.LineItems...)
	} else if out.LineItems, err = s.lineItems(ctx, out.ConversionID); err != nil {
		return nil, false, err
	}
	return &out, inserted, nil
}

func (s *PostgresStore) GetConversionByOrder(ctx context.Context, orderID string) (*models.Conversion, error) {
	var out models.Conversion
	err := s.pool.QueryRow(ctx, `SELECT `+conversionColumns+` FROM conversions WHERE order_id = $1`, orderID).
		Scan(conversionDest(&out)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get conversion", err)
	}
	if out.LineItems, err = s.lineItems(ctx, out.ConversionID); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) ConversionsSince(ctx context.Context, since time.Time) (int64, float64, error) {
	var n int64
	var revenue float64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_value), 0) FROM conversions WHERE converted_at >= $1
	`, since).Scan(&n, &revenue)
	if err != nil {
		return 0, 0, unavailable("count conversions", err)
	}
	return n, revenue, nil
}

func (s *PostgresStore) ConvertedSessions(ctx context.Context, sessionIDs []string) (map[string]bool, error) {
	res := make(map[string]bool)
	if len(sessionIDs) == 0 {
		return res, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT session_id FROM conversions WHERE session_id = ANY($1)
	`, sessionIDs)
	if err != nil {
		return nil, unavailable("converted sessions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		res[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("converted sessions", err)
	}
	return res, nil
}

func (s *PostgresStore) lineItems(ctx context.Context, conversionID string) ([]models.LineItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT product_id, sku, name, quantity, price FROM conversion_line_items
		WHERE conversion_id = $1 ORDER BY position
	`, conversionID)
	if err != nil {
		return nil, unavailable("list line items", err)
	}
	defer rows.Close()

	var items []models.LineItem
	for rows.Next() {
		var li models.LineItem
		if err := rows.Scan(&li.ProductID, &li.SKU, &li.Name, &li.Quantity, &li.Price); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		items = append(items, li)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list line items", err)
	}
	return items, nil
}

func conversionDest(c *models.Conversion) []any {
	return []any{
		&c.ConversionID, &c.OrderID, &c.OrderNumber, &c.SessionID, &c.VisitorID,
		&c.TotalValue, &c.Currency, &c.ItemCount, &c.Attributed,
		jsonColumn{v: &c.FirstClick}, jsonColumn{v: &c.LastClick}, rawColumn{v: &c.Journey},
		&c.TouchpointCount, &c.DaysToPurchase, &c.SessionsToConversion,
		&c.ConvertedAt, &c.CreatedAt, &c.UpdatedAt,
	}
}

// jsonColumn scans a nullable JSONB column into a pointer target.
type jsonColumn struct{ v any }

func (j jsonColumn) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		if s, isStr := src.(string); isStr {
			b = []byte(s)
		}
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, j.v)
}

// rawColumn keeps a nullable JSONB column as raw bytes.
type rawColumn struct{ v *json.RawMessage }

func (r rawColumn) Scan(src any) error {
	switch b := src.(type) {
	case []byte:
		*r.v = append(json.RawMessage(nil), b...)
	case string:
		*r.v = json.RawMessage(b)
	}
	return nil
}

func marshalNullable(v *models.ClickAttribution) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func flatClick(c *models.ClickAttribution) models.ClickAttribution {
	if c == nil {
		return models.ClickAttribution{}
	}
	return *c
}
