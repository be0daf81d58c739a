package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// AppendEvents inserts events in one batch. Replayed event ids are ignored.
func (s *PostgresStore) AppendEvents(ctx context.Context, events []*models.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		var props []byte
		if len(e.Properties) > 0 {
			var err error
			if props, err = json.Marshal(e.Properties); err != nil {
				return 0, fmt.Errorf("failed to encode event properties: %w", err)
			}
		}
		batch.Queue(`
			INSERT INTO events (event_id, session_id, visitor_id, event_name, page_url, properties, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id) DO NOTHING
		`, e.EventID, e.SessionID, e.VisitorID, e.EventName, e.PageURL, props, e.Timestamp)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	n := 0
	for range events {
		tag, err := br.Exec()
		if err != nil {
			return n, unavailable("append events", err)
		}
		n += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return n, unavailable("append events", err)
	}
	return n, nil
}

func (s *PostgresStore) CountDistinctSessions(ctx context.Context, pattern string, from, to time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT session_id) FROM events
		WHERE event_name LIKE $1 ESCAPE '\' AND timestamp >= $2 AND timestamp <= $3
	`, models.PatternToLike(pattern), from, to).Scan(&n)
	if err != nil {
		return 0, unavailable("count distinct sessions", err)
	}
	return n, nil
}

func (s *PostgresStore) TopPages(ctx context.Context, since time.Time, limit int) ([]models.PageCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT page_url, COUNT(*) AS views FROM events
		WHERE event_name = $1 AND page_url <> '' AND timestamp >= $2
		GROUP BY page_url
		ORDER BY views DESC, page_url
		LIMIT $3
	`, models.EventPageView, since, limit)
	if err != nil {
		return nil, unavailable("top pages", err)
	}
	defer rows.Close()

	var pages []models.PageCount
	for rows.Next() {
		var p models.PageCount
		if err := rows.Scan(&p.PageURL, &p.Views); err != nil {
			return nil, fmt.Errorf("scan page count: %w", err)
		}
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("top pages", err)
	}
	return pages, nil
}
