package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/shoalstore/shoalstore/internal/config"
)

// SQLiteCluster backs the two cluster tables with a single SQLite database.
// It is the default driver for single-node deployments.
type SQLiteCluster struct {
	db *sql.DB
}

func NewSQLiteCluster(cfg config.SQLiteConfig) (*SQLiteCluster, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	c := &SQLiteCluster{db: db}
	if err := c.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return c, nil
}

// initDB applies PRAGMAs and creates the kv table. Idempotent via IF NOT
// EXISTS.
func (c *SQLiteCluster) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := c.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			tbl   TEXT    NOT NULL,
			part  INTEGER NOT NULL,
			key   TEXT    NOT NULL,
			value BLOB    NOT NULL,
			PRIMARY KEY (tbl, key)
		);
		CREATE INDEX IF NOT EXISTS idx_kv_part ON kv(tbl, part);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (c *SQLiteCluster) Get(ctx context.Context, table, key string) ([]byte, error) {
	var value []byte
	err := c.db.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE tbl = ? AND key = ?", table, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s/%s: %w", table, key, err)
	}
	return value, nil
}

func (c *SQLiteCluster) Set(ctx context.Context, table, key string, value []byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO kv (tbl, part, key, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (tbl, key) DO UPDATE SET value = excluded.value`,
		table, Partition(key), key, value)
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", table, key, err)
	}
	return nil
}

func (c *SQLiteCluster) Delete(ctx context.Context, table, key string) error {
	if _, err := c.db.ExecContext(ctx,
		"DELETE FROM kv WHERE tbl = ? AND key = ?", table, key); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", table, key, err)
	}
	return nil
}

func (c *SQLiteCluster) ListKeys(ctx context.Context, table, prefix string) ([]string, error) {
	// Range scan instead of LIKE: keys contain '_' which LIKE treats as a
	// wildcard.
	query := "SELECT key FROM kv WHERE tbl = ? AND key >= ?"
	args := []any{table, prefix}
	if upper, ok := prefixUpperBound(prefix); ok {
		query += " AND key < ?"
		args = append(args, upper)
	}
	query += " ORDER BY key"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning %s prefix %q: %w", table, prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (c *SQLiteCluster) Space(ctx context.Context) (uint64, uint64, error) {
	vol := func(table string) (uint64, error) {
		var n uint64
		err := c.db.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0) FROM kv WHERE tbl = ?",
			table).Scan(&n)
		return n, err
	}
	meta, err := vol(MetaTable)
	if err != nil {
		return 0, 0, err
	}
	data, err := vol(DataTable)
	if err != nil {
		return 0, 0, err
	}
	return meta, data, nil
}

func (c *SQLiteCluster) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *SQLiteCluster) Close() error {
	return c.db.Close()
}
