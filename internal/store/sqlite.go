package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"offline0/internal/resource"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS entries (
	store TEXT NOT NULL,
	key   TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (store, key)
);
CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);`

// SQLite keeps stores in a single SQLite database file.
type SQLite struct {
	sqlDB *sql.DB
}

var _ Backend = (*SQLite)(nil)

func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{sqlDB: sqlDB}, nil
}

func (s *SQLite) Open(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `INSERT OR IGNORE INTO stores (name) VALUES (?)`, name)
	if err != nil {
		return fmt.Errorf("insert store: %w", err)
	}
	return nil
}

func (s *SQLite) Names(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM stores ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, name string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete store: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE store = ?`, name); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) Get(ctx context.Context, name, key string) (*resource.Response, error) {
	var b []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT value FROM entries WHERE store = ? AND key = ?`, name, key,
	).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select entry: %w", err)
	}
	return decodeResponse(b)
}

// Put only inserts while the store row exists, so the existence check and the
// write are one statement.
func (s *SQLite) Put(ctx context.Context, name, key string, resp *resource.Response) error {
	if err := checkPut(name, resp); err != nil {
		return err
	}
	b, err := encodeResponse(resp)
	if err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO entries (store, key, value)
SELECT name, ?, ? FROM stores WHERE name = ?
ON CONFLICT (store, key) DO UPDATE SET value = excluded.value`, key, b, name)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *SQLite) Marker(ctx context.Context) (string, error) {
	var v string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = 'marker'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select marker: %w", err)
	}
	return v, nil
}

func (s *SQLite) SetMarker(ctx context.Context, name string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO meta (k, v) VALUES ('marker', ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`, name)
	if err != nil {
		return fmt.Errorf("upsert marker: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
