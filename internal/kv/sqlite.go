package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_keys (
	key        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL DEFAULT 'string',
	value      BLOB,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS kv_members (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	key    TEXT NOT NULL,
	member TEXT NOT NULL,
	score  REAL NOT NULL DEFAULT 0,
	UNIQUE(key, member)
);
CREATE INDEX IF NOT EXISTS idx_kv_keys_expires ON kv_keys(expires_at);
CREATE INDEX IF NOT EXISTS idx_kv_members_score ON kv_members(key, score, id);
`

// liveClause filters kv_keys rows that have not expired; it takes one "now" argument.
const liveClause = `(expires_at = 0 OR expires_at > ?)`

// SQLiteBackend is a durable Backend that several processes on one host can
// share. Each key row carries an absolute expiry in unix nanoseconds.
type SQLiteBackend struct {
	db   *sql.DB
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// NewSQLiteBackend opens (or creates) a SQLite database at dbPath using the
// pure-Go modernc driver.
func NewSQLiteBackend(dbPath string, janitorEvery time.Duration) (*SQLiteBackend, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create kv directory: %w", err)
		}
	}
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	return OpenSQLite("sqlite", dsn, janitorEvery)
}

// OpenSQLite opens a backend with an explicit database/sql driver name, so
// callers can choose between registered SQLite drivers.
func OpenSQLite(driver, dsn string, janitorEvery time.Duration) (*SQLiteBackend, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open kv db: %w", err)
	}
	// SQLite supports a single writer; serialising connections keeps
	// read-modify-write transactions atomic within the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply kv schema: %w", err)
	}
	b := &SQLiteBackend{db: db, now: time.Now, stop: make(chan struct{})}
	if janitorEvery > 0 {
		go b.janitor(janitorEvery)
	}
	return b, nil
}

// SetClock replaces the time source used for TTL decisions. Not safe to
// call concurrently with other operations.
func (b *SQLiteBackend) SetClock(now func() time.Time) { b.now = now }

func (b *SQLiteBackend) nowNanos() int64 { return b.now().UnixNano() }

func (b *SQLiteBackend) deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return b.now().Add(ttl).UnixNano()
}

func (b *SQLiteBackend) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			n, err := b.purge(context.Background())
			if err != nil {
				slog.Warn("SQLiteBackend: purge failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("SQLiteBackend: purged expired keys", "count", n)
			}
		}
	}
}

func (b *SQLiteBackend) purge(ctx context.Context) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := b.nowNanos()
	res, err := tx.ExecContext(ctx, `DELETE FROM kv_keys WHERE expires_at != 0 AND expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_members WHERE key NOT IN (SELECT key FROM kv_keys)`); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var kind string
	var value []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT kind, value FROM kv_keys WHERE key = ? AND `+liveClause, key, b.nowNanos(),
	).Scan(&kind, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	if kind != "string" {
		return nil, false, fmt.Errorf("kv: key %s holds a collection", key)
	}
	return value, true, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_members WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kv_keys (key, kind, value, expires_at)
		VALUES (?, 'string', ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = 'string',
			value = excluded.value,
			expires_at = excluded.expires_at`,
		key, value, b.deadline(ttl)); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return tx.Commit()
}

// SetNX is a single upsert statement whose update branch only fires when the
// existing row has expired, so it is atomic across connections.
func (b *SQLiteBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := b.nowNanos()
	res, err := b.db.ExecContext(ctx, `INSERT INTO kv_keys (key, kind, value, expires_at)
		VALUES (?, 'string', ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = 'string',
			value = excluded.value,
			expires_at = excluded.expires_at
		WHERE kv_keys.expires_at != 0 AND kv_keys.expires_at <= ?`,
		key, value, b.deadline(ttl), now)
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return n == 1, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_keys WHERE key = ?`, k); err != nil {
			return fmt.Errorf("kv delete %s: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_members WHERE key = ?`, k); err != nil {
			return fmt.Errorf("kv delete %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM kv_keys WHERE key = ? AND kind = 'string' AND value = ? AND `+liveClause,
		key, value, b.nowNanos())
	if err != nil {
		return false, fmt.Errorf("kv delete-if-equal %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (b *SQLiteBackend) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE kv_keys SET expires_at = ? WHERE key = ? AND `+liveClause,
		b.deadline(ttl), key, b.nowNanos())
	if err != nil {
		return false, fmt.Errorf("kv expire %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (b *SQLiteBackend) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	defer tx.Rollback()

	now := b.nowNanos()
	// Drop an expired predecessor first so the counter restarts at zero.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv_keys WHERE key = ? AND expires_at != 0 AND expires_at <= ?`, key, now); err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}

	var kind string
	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT kind, value FROM kv_keys WHERE key = ?`, key).Scan(&kind, &raw)
	var cur int64
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_keys (key, kind, value, expires_at) VALUES (?, 'string', ?, ?)`,
			key, []byte("0"), b.deadline(ttl)); err != nil {
			return 0, fmt.Errorf("kv incr %s: %w", key, err)
		}
	case err != nil:
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	default:
		if kind != "string" {
			return 0, ErrNotInteger
		}
		cur, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
	}

	cur += delta
	if _, err := tx.ExecContext(ctx, `UPDATE kv_keys SET value = ? WHERE key = ?`,
		[]byte(strconv.FormatInt(cur, 10)), key); err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	return cur, nil
}

func (b *SQLiteBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM kv_keys WHERE key GLOB ? AND `+liveClause+` ORDER BY key`,
		pattern, b.nowNanos())
	if err != nil {
		return nil, fmt.Errorf("kv keys %s: %w", pattern, err)
	}
	return scanStrings(rows)
}

// ensureCollection makes key a live collection of the given kind, clearing
// members left behind by an expired predecessor.
func (b *SQLiteBackend) ensureCollection(ctx context.Context, tx *sql.Tx, key, kind string) error {
	now := b.nowNanos()
	var existing string
	var expiresAt int64
	err := tx.QueryRowContext(ctx, `SELECT kind, expires_at FROM kv_keys WHERE key = ?`, key).Scan(&existing, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case expiresAt != 0 && expiresAt <= now:
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_members WHERE key = ?`, key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_keys WHERE key = ?`, key); err != nil {
			return err
		}
	case existing != kind:
		return fmt.Errorf("kv: key %s has a different type", key)
	default:
		return nil
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO kv_keys (key, kind, expires_at) VALUES (?, ?, 0)`, key, kind)
	return err
}

func (b *SQLiteBackend) SAdd(ctx context.Context, key string, members ...string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv sadd %s: %w", key, err)
	}
	defer tx.Rollback()
	if err := b.ensureCollection(ctx, tx, key, "set"); err != nil {
		return fmt.Errorf("kv sadd %s: %w", key, err)
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO kv_members (key, member) VALUES (?, ?)`, key, m); err != nil {
			return fmt.Errorf("kv sadd %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) SRem(ctx context.Context, key string, members ...string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv srem %s: %w", key, err)
	}
	defer tx.Rollback()
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_members WHERE key = ? AND member = ?`, key, m); err != nil {
			return fmt.Errorf("kv srem %s: %w", key, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_keys WHERE key = ? AND kind = 'set'
		AND NOT EXISTS (SELECT 1 FROM kv_members WHERE key = ?)`, key, key); err != nil {
		return fmt.Errorf("kv srem %s: %w", key, err)
	}
	return tx.Commit()
}

func (b *SQLiteBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT m.member FROM kv_members m
		JOIN kv_keys k ON k.key = m.key
		WHERE m.key = ? AND k.kind = 'set' AND (k.expires_at = 0 OR k.expires_at > ?)
		ORDER BY m.member`, key, b.nowNanos())
	if err != nil {
		return nil, fmt.Errorf("kv smembers %s: %w", key, err)
	}
	return scanStrings(rows)
}

func (b *SQLiteBackend) ZAdd(ctx context.Context, key string, score float64, member string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv zadd %s: %w", key, err)
	}
	defer tx.Rollback()
	if err := b.ensureCollection(ctx, tx, key, "zset"); err != nil {
		return fmt.Errorf("kv zadd %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kv_members (key, member, score) VALUES (?, ?, ?)
		ON CONFLICT(key, member) DO UPDATE SET score = excluded.score`, key, member, score); err != nil {
		return fmt.Errorf("kv zadd %s: %w", key, err)
	}
	return tx.Commit()
}

func (b *SQLiteBackend) ZRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	if start < 0 {
		start = 0
	}
	limit := -1
	if stop >= 0 {
		if stop < start {
			return nil, nil
		}
		limit = stop - start + 1
	}
	rows, err := b.db.QueryContext(ctx, `SELECT m.member FROM kv_members m
		JOIN kv_keys k ON k.key = m.key
		WHERE m.key = ? AND k.kind = 'zset' AND (k.expires_at = 0 OR k.expires_at > ?)
		ORDER BY m.score, m.id
		LIMIT ? OFFSET ?`, key, b.nowNanos(), limit, start)
	if err != nil {
		return nil, fmt.Errorf("kv zrange %s: %w", key, err)
	}
	return scanStrings(rows)
}

// Close stops the janitor and closes the database.
func (b *SQLiteBackend) Close() error {
	b.once.Do(func() { close(b.stop) })
	return b.db.Close()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
