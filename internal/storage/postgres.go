package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// PostgresStore implements Store using PostgreSQL. Upserts and counter
// increments are single statements with ON CONFLICT, so concurrent writers
// for the same key never lose updates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// =============================================
// SESSIONS
// =============================================

// contextColumns are the write-once context fields of a session.
var contextColumns = []string{
	"user_agent", "ip_address", "device_type", "browser", "os",
	"country", "region", "city", "referrer", "landing_page", "page_url",
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"gclid", "fbclid", "msclkid", "ttclid",
}

var sessionColumns = "session_id, visitor_id, created_at, updated_at, expires_at, " + strings.Join(contextColumns, ", ")

var upsertSessionSQL = buildUpsertSessionSQL()

func buildUpsertSessionSQL() string {
	n := 5 + len(contextColumns)
	placeholders := make([]string, n)
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	sets := []string{
		"visitor_id = COALESCE(NULLIF(sessions.visitor_id, ''), EXCLUDED.visitor_id)",
		"created_at = LEAST(sessions.created_at, EXCLUDED.created_at)",
		"updated_at = GREATEST(sessions.updated_at, EXCLUDED.updated_at)",
		"expires_at = GREATEST(sessions.expires_at, EXCLUDED.expires_at)",
	}
	for _, c := range contextColumns {
		sets = append(sets, fmt.Sprintf("%s = COALESCE(NULLIF(sessions.%s, ''), EXCLUDED.%s)", c, c, c))
	}

	return fmt.Sprintf(`
		INSERT INTO sessions (%s)
		VALUES (%s)
		ON CONFLICT (session_id) DO UPDATE SET
			%s
		RETURNING %s, (xmax = 0) AS inserted
	`, sessionColumns, strings.Join(placeholders, ", "), strings.Join(sets, ",\n\t\t\t"), sessionColumns)
}

func sessionArgs(s *models.Session) []any {
	c := &s.Context
	return []any{
		s.SessionID, s.VisitorID, s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
		c.UserAgent, c.IPAddress, c.DeviceType, c.Browser, c.OS,
		c.Country, c.Region, c.City, c.Referrer, c.LandingPage, c.PageURL,
		c.UTM.Source, c.UTM.Medium, c.UTM.Campaign, c.UTM.Term, c.UTM.Content,
		c.ClickIDs.GCLID, c.ClickIDs.FBCLID, c.ClickIDs.MSCLKID, c.ClickIDs.TTCLID,
	}
}

func sessionDest(s *models.Session) []any {
	c := &s.Context
	return []any{
		&s.SessionID, &s.VisitorID, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt,
		&c.UserAgent, &c.IPAddress, &c.DeviceType, &c.Browser, &c.OS,
		&c.Country, &c.Region, &c.City, &c.Referrer, &c.LandingPage, &c.PageURL,
		&c.UTM.Source, &c.UTM.Medium, &c.UTM.Campaign, &c.UTM.Term, &c.UTM.Content,
		&c.ClickIDs.GCLID, &c.ClickIDs.FBCLID, &c.ClickIDs.MSCLKID, &c.ClickIDs.TTCLID,
	}
}

func (s *PostgresStore) UpsertSession(ctx context.Context, in *models.Session) (*models.Session, bool, error) {
	var out models.Session
	var inserted bool
	dest := append(sessionDest(&out), &inserted)

	if err := s.pool.QueryRow(ctx, upsertSessionSQL, sessionArgs(in)...).Scan(dest...); err != nil {
		return nil, false, unavailable("upsert session", err)
	}
	return &out, inserted, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var out models.Session
	err := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id).
		Scan(sessionDest(&out)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	return &out, nil
}

func (s *PostgresStore) ListSessionsByVisitor(ctx context.Context, visitorID string) ([]*models.Session, error) {
	return s.querySessions(ctx, "list visitor sessions", `
		SELECT `+sessionColumns+` FROM sessions
		WHERE visitor_id = $1 ORDER BY created_at
	`, visitorID)
}

func (s *PostgresStore) ListRecentSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	return s.querySessions(ctx, "list recent sessions", `
		SELECT `+sessionColumns+` FROM sessions
		ORDER BY created_at DESC LIMIT $1
	`, limit)
}

func (s *PostgresStore) querySessions(ctx context.Context, op, sql string, args ...any) ([]*models.Session, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(sessionDest(&sess)...); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return sessions, nil
}

func (s *PostgresStore) CountSessionsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE created_at >= $1`, since).Scan(&n); err != nil {
		return 0, unavailable("count sessions", err)
	}
	return n, nil
}

func (s *PostgresStore) CountActiveVisitors(ctx context.Context, at time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT visitor_id) FROM sessions WHERE expires_at > $1
	`, at).Scan(&n)
	if err != nil {
		return 0, unavailable("count active visitors", err)
	}
	return n, nil
}

// =============================================
// TOUCHPOINTS
// =============================================

func (s *PostgresStore) AppendTouchpoint(ctx context.Context, tp *models.Touchpoint) (bool, error) {
	// xmax is 0 only for a row this statement inserted
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO touchpoints (
			touchpoint_id, session_id, visitor_id,
			utm_source, utm_medium, utm_campaign, utm_term, utm_content,
			gclid, fbclid, msclkid, ttclid, page_url, referrer, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (touchpoint_id) DO UPDATE SET touchpoint_id = EXCLUDED.touchpoint_id
		RETURNING seq, (xmax = 0)
	`, tp.TouchpointID, tp.SessionID, tp.VisitorID,
		tp.UTM.Source, tp.UTM.Medium, tp.UTM.Campaign, tp.UTM.Term, tp.UTM.Content,
		tp.ClickIDs.GCLID, tp.ClickIDs.FBCLID, tp.ClickIDs.MSCLKID, tp.ClickIDs.TTCLID,
		tp.PageURL, tp.Referrer, tp.Timestamp,
	).Scan(&tp.Seq, &inserted)
	if err != nil {
		return false, unavailable("append touchpoint", err)
	}
	return inserted, nil
}

func (s *PostgresStore) ListTouchpoints(ctx context.Context, sessionIDs []string, until time.Time) ([]models.Touchpoint, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT touchpoint_id, seq, session_id, visitor_id,
			utm_source, utm_medium, utm_campaign, utm_term, utm_content,
			gclid, fbclid, msclkid, ttclid, page_url, referrer, timestamp
		FROM touchpoints
		WHERE session_id = ANY($1) AND timestamp <= $2
		ORDER BY timestamp, seq
	`, sessionIDs, until)
	if err != nil {
		return nil, unavailable("list touchpoints", err)
	}
	defer rows.Close()

	var tps []models.Touchpoint
	for rows.Next() {
		var tp models.Touchpoint
		if err := rows.Scan(&tp.TouchpointID, &tp.Seq, &tp.SessionID, &tp.VisitorID,
			&tp.UTM.Source, &tp.UTM.Medium, &tp.UTM.Campaign, &tp.UTM.Term, &tp.UTM.Content,
			&tp.ClickIDs.GCLID, &tp.ClickIDs.FBCLID, &tp.ClickIDs.MSCLKID, &tp.ClickIDs.TTCLID,
			&tp.PageURL, &tp.Referrer, &tp.Timestamp); err != nil {
			return nil, fmt.Errorf("scan touchpoint: %w", err)
		}
		tps = append(tps, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list touchpoints", err)
	}
	return tps, nil
}
