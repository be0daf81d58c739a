package database

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate creates the PostgreSQL schema if it does not exist.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	schema, err := migrations.ReadFile("migrations/postgres.sql")
	if err != nil {
		return fmt.Errorf("failed to read postgres schema: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to apply postgres schema: %w", err)
	}
	db.logger.Info("PostgreSQL schema applied")
	return nil
}

// Migrate creates the ClickHouse tables if they do not exist. The native
// protocol takes one statement per call.
func (c *ClickHouseDB) Migrate(ctx context.Context) error {
	schema, err := migrations.ReadFile("migrations/clickhouse.sql")
	if err != nil {
		return fmt.Errorf("failed to read clickhouse schema: %w", err)
	}
	stmts := splitStatements(string(schema))
	for _, stmt := range stmts {
		if err := c.Conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply clickhouse schema: %w", err)
		}
	}
	c.logger.Info("ClickHouse schema applied", zap.Int("statements", len(stmts)))
	return nil
}

func splitStatements(schema string) []string {
	var out []string
	for _, s := range strings.Split(schema, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
