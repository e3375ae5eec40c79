// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// pgxPool is the slice of pgxpool.Pool the stores use; pgxmock satisfies it
// for tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// LedgerConfig controls the Postgres connection pool used for the delivery
// ledger.
type LedgerConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Ledger records confirmed deliveries in a delivered_items table so later
// runs can seed duplicate suppression from it.
type Ledger struct {
	pool  pgxPool
	table string
}

// NewLedger creates a Postgres-backed Ledger using the provided config.
func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "delivered_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: pool, table: table}, nil
}

// NewLedgerWithPool constructs a Ledger from an existing pool (primarily for
// testing).
func NewLedgerWithPool(pool pgxPool, table string) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "delivered_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Ledger{pool: pool, table: table}, nil
}

// MarkDelivered inserts the (session, item) pair; duplicates are ignored.
func (l *Ledger) MarkDelivered(ctx context.Context, session, itemID string) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("ledger is not configured")
	}
	if session == "" || itemID == "" {
		return fmt.Errorf("session and item id are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (session, item_id, delivered_at)
VALUES ($1, $2, $3)
ON CONFLICT (session, item_id) DO NOTHING`, l.table)
	if _, err := l.pool.Exec(ctx, query, session, itemID, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert delivered item: %w", err)
	}
	return nil
}

// Has reports whether the item was already delivered for session.
func (l *Ledger) Has(ctx context.Context, session, itemID string) (bool, error) {
	if l == nil || l.pool == nil {
		return false, fmt.Errorf("ledger is not configured")
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE session = $1 AND item_id = $2)`, l.table)
	var exists bool
	if err := l.pool.QueryRow(ctx, query, session, itemID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check delivered item: %w", err)
	}
	return exists, nil
}

// ListDelivered returns every delivered item ID recorded for session.
func (l *Ledger) ListDelivered(ctx context.Context, session string) ([]string, error) {
	if l == nil || l.pool == nil {
		return nil, fmt.Errorf("ledger is not configured")
	}
	query := fmt.Sprintf(`SELECT item_id FROM %s WHERE session = $1 ORDER BY delivered_at`, l.table)
	rows, err := l.pool.Query(ctx, query, session)
	if err != nil {
		return nil, fmt.Errorf("list delivered items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivered item: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read delivered items: %w", err)
	}
	return ids, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() error {
	if l == nil || l.pool == nil {
		return nil
	}
	l.pool.Close()
	return nil
}
