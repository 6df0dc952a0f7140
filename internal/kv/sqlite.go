package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Compile-time interface guard.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists the key-value data in a local SQLite file. It sits
// between the Redis backends and the in-memory fallback in selection
// priority: single-node deployments get durability without running a
// separate store.
//
// Plain values live in kv_values with an optional expiry; set members
// live in kv_sets. Expire on a set key only supports immediate deletion
// (ttl <= 0); the domain layer never puts a TTL on a set.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// WAL/busy-timeout pragmas SQLite wants for a single-writer service.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS kv_values (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS kv_sets (
			key    TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Kind() string { return "sqlite" }

func (s *SQLiteStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv_values WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite get %q: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.nowMillis() {
		// Lazy purge of an expired row.
		if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_values WHERE key = ?", key); err != nil {
			return "", false, fmt.Errorf("sqlite purge %q: %w", key, err)
		}
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_values (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = NULL`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("sqlite set %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_values WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlite delete %q: %w", key, err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_sets WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlite delete set %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Scan(ctx context.Context, prefix string, fn ScanFunc) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM kv_values
		WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?)`,
		escapeLike(prefix)+"%", s.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("sqlite scan %q: %w", prefix, err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return fmt.Errorf("sqlite scan row: %w", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite scan %q: %w", prefix, err)
	}
	return nil
}

func (s *SQLiteStore) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	added := 0
	for _, m := range members {
		res, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO kv_sets (key, member) VALUES (?, ?)", key, m,
		)
		if err != nil {
			return added, fmt.Errorf("sqlite sadd %q: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return added, fmt.Errorf("sqlite sadd %q: %w", key, err)
		}
		added += int(n)
	}
	return added, nil
}

func (s *SQLiteStore) SRem(ctx context.Context, key string, members ...string) (int, error) {
	removed := 0
	for _, m := range members {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM kv_sets WHERE key = ? AND member = ?", key, m,
		)
		if err != nil {
			return removed, fmt.Errorf("sqlite srem %q: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("sqlite srem %q: %w", key, err)
		}
		removed += int(n)
	}
	return removed, nil
}

func (s *SQLiteStore) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT member FROM kv_sets WHERE key = ?", key,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite smembers %q: %w", key, err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("sqlite smembers row: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite smembers %q: %w", key, err)
	}
	return members, nil
}

func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE kv_values SET expires_at = ? WHERE key = ?",
		s.now().Add(ttl).UnixMilli(), key,
	)
	if err != nil {
		return fmt.Errorf("sqlite expire %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// escapeLike escapes LIKE metacharacters so a key prefix matches
// literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
