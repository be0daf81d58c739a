package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// ClickHouseEventStore implements EventStore on a ClickHouse table. Funnel
// counts use uniqExact so the numbers match the SQL stores.
type ClickHouseEventStore struct {
	conn driver.Conn
}

// NewClickHouseEventStore creates a new ClickHouse-backed event store.
func NewClickHouseEventStore(conn driver.Conn) *ClickHouseEventStore {
	return &ClickHouseEventStore{conn: conn}
}

var _ EventStore = (*ClickHouseEventStore)(nil)

// AppendEvents skips event ids already in the table. MergeTree has no unique
// key, so replays are filtered before the insert.
func (s *ClickHouseEventStore) AppendEvents(ctx context.Context, events []*models.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	known, err := s.knownEventIDs(ctx, events)
	if err != nil {
		return 0, err
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO events (event_id, session_id, visitor_id, event_name, page_url, properties, timestamp)
	`)
	if err != nil {
		return 0, unavailable("prepare event batch", err)
	}

	n := 0
	for _, e := range events {
		if _, dup := known[e.EventID]; dup {
			continue
		}
		known[e.EventID] = struct{}{}
		props := "{}"
		if len(e.Properties) > 0 {
			b, err := json.Marshal(e.Properties)
			if err != nil {
				return 0, fmt.Errorf("failed to encode event properties: %w", err)
			}
			props = string(b)
		}
		if err := batch.Append(e.EventID, e.SessionID, e.VisitorID, e.EventName, e.PageURL, props, e.Timestamp.UTC()); err != nil {
			return 0, fmt.Errorf("failed to append event to batch: %w", err)
		}
		n++
	}
	if n == 0 {
		return 0, batch.Abort()
	}

	if err := batch.Send(); err != nil {
		return 0, unavailable("send event batch", err)
	}
	return n, nil
}

func (s *ClickHouseEventStore) knownEventIDs(ctx context.Context, events []*models.Event) (map[string]struct{}, error) {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.EventID
	}

	rows, err := s.conn.Query(ctx, `SELECT DISTINCT event_id FROM events WHERE event_id IN ?`, ids)
	if err != nil {
		return nil, unavailable("lookup event ids", err)
	}
	defer rows.Close()

	known := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		known[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("lookup event ids", err)
	}
	return known, nil
}

func (s *ClickHouseEventStore) CountDistinctSessions(ctx context.Context, pattern string, from, to time.Time) (int64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, `
		SELECT uniqExact(session_id) FROM events
		WHERE event_name LIKE ? AND timestamp >= ? AND timestamp <= ?
	`, models.PatternToLike(pattern), from.UTC(), to.UTC()).Scan(&n)
	if err != nil {
		return 0, unavailable("count distinct sessions", err)
	}
	return int64(n), nil
}

func (s *ClickHouseEventStore) TopPages(ctx context.Context, since time.Time, limit int) ([]models.PageCount, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT page_url, count() AS views FROM events
		WHERE event_name = ? AND page_url != '' AND timestamp >= ?
		GROUP BY page_url
		ORDER BY views DESC, page_url
		LIMIT ?
	`, models.EventPageView, since.UTC(), limit)
	if err != nil {
		return nil, unavailable("top pages", err)
	}
	defer rows.Close()

	var pages []models.PageCount
	for rows.Next() {
		var url string
		var views uint64
		if err := rows.Scan(&url, &views); err != nil {
			return nil, fmt.Errorf("scan page count: %w", err)
		}
		pages = append(pages, models.PageCount{PageURL: url, Views: int64(views)})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("top pages", err)
	}
	return pages, nil
}
