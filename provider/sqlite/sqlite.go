// Package sqlite is the durable local medium: a single-table SQLite file that keeps
// the mutation queue, checkpoints and cached records across process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite" // pure go sqlite driver

	pr "github.com/unkn0wn-root/herdsync/provider"
)

const defaultPath = "herdsync.db"

// Provider persists entries in an `entries` table. Expiry is stored alongside the
// value and enforced on read; rows past expiry are deleted lazily.
type Provider struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ pr.Provider = (*Provider)(nil)
	_ pr.Scanner  = (*Provider)(nil)
)

type Config struct {
	Path string           // database file; "" => herdsync.db
	Now  func() time.Time // nil => time.Now
}

// Open creates the parent directory and schema if needed.
func Open(cfg Config) (*Provider, error) {
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer avoids SQLITE_BUSY under concurrent queue/sync writes
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create entries table: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{db: db, now: now}, nil
}

func (p *Provider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := p.db.QueryRowContext(ctx, `SELECT value, expires_at FROM entries WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select entry: %w", err)
	}
	if expiresAt > 0 && p.now().UnixNano() > expiresAt {
		if _, err := p.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ? AND expires_at = ?`, key, expiresAt); err != nil {
			return nil, false, fmt.Errorf("delete expired entry: %w", err)
		}
		return nil, false, nil
	}
	return value, true, nil
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = p.now().Add(ttl).UnixNano()
	}
	if value == nil {
		value = []byte{}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return false, fmt.Errorf("upsert entry: %w", err)
	}
	return true, nil
}

func (p *Provider) Del(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// Keys matches the prefix with substr rather than LIKE so '%' and '_' stay literal.
// Expired rows are listed too; the store's sweep reads them back, which deletes them.
func (p *Provider) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key FROM entries WHERE substr(key, 1, ?) = ? ORDER BY key`,
		utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("select keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *Provider) Close(_ context.Context) error {
	return p.db.Close()
}
