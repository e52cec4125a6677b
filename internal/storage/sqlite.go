package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"roomwatch/pkg/logx"
)

// sqliteStore keeps every key in a single versioned kv table. The version
// column backs CompareAndSwap; expires_at (unix milli, NULL = no expiry)
// backs key TTLs. Expired rows read as absent and are pruned lazily every
// pruneEvery writes.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64

	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	version    INTEGER NOT NULL,
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at) WHERE expires_at IS NOT NULL;
`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sqliteStore{db: db, log: log, pruneEvery: 500, now: time.Now}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) nowMilli() int64 { return s.now().UnixMilli() }

func expiresMilli(now func() time.Time, ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return now().Add(ttl).UnixMilli()
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	var (
		value   []byte
		version int64
		expires sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &version, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	if expires.Valid && expires.Int64 <= s.nowMilli() {
		return nil, 0, false, nil
	}
	return value, version, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := retryOp(defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO kv(key, value, version, expires_at) VALUES(?,?,1,?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value, version=kv.version+1, expires_at=excluded.expires_at`,
			key, value, expiresMilli(s.now, ttl),
		)
		return err
	})
	s.maybePrune()
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return err
	})
}

func (s *sqliteStore) CompareAndSwap(ctx context.Context, ops []Op) (bool, error) {
	if len(ops) == 0 {
		return true, nil
	}
	var swapped bool
	err := retryOp(defaultRetryConfig, func() error {
		var err error
		swapped, err = s.casOnce(ctx, ops)
		return err
	})
	if err == nil && swapped {
		s.maybePrune()
	}
	return swapped, err
}

func (s *sqliteStore) casOnce(ctx context.Context, ops []Op) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.nowMilli()
	for _, op := range ops {
		ok, err := applyOpTx(ctx, tx, op, now, s.now)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil // version mismatch; rollback via defer
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func applyOpTx(ctx context.Context, tx *sql.Tx, op Op, nowMilli int64, now func() time.Time) (bool, error) {
	switch {
	case op.Version == 0 && op.Value == nil:
		// Delete-if-absent is trivially satisfied, but only if the key
		// really is absent (or expired).
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
			op.Key, nowMilli,
		).Scan(&n)
		return err == nil && n == 0, err

	case op.Version == 0:
		// Insert-if-absent. An expired row still occupying the key slot
		// does not count as present.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM kv WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
			op.Key, nowMilli,
		); err != nil {
			return false, err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO kv(key, value, version, expires_at) VALUES(?,?,1,?) ON CONFLICT(key) DO NOTHING`,
			op.Key, op.Value, expiresMilli(now, op.TTL),
		)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		return n == 1, err

	case op.Value == nil:
		res, err := tx.ExecContext(ctx,
			`DELETE FROM kv WHERE key = ? AND version = ?`, op.Key, op.Version,
		)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		return n == 1, err

	default:
		res, err := tx.ExecContext(ctx,
			`UPDATE kv SET value = ?, version = version + 1, expires_at = ? WHERE key = ? AND version = ?`,
			op.Value, expiresMilli(now, op.TTL), op.Key, op.Version,
		)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		return n == 1, err
	}
}

func (s *sqliteStore) ListPrefix(ctx context.Context, prefix string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, version FROM kv
		 WHERE key >= ? AND key < ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY key`,
		prefix, prefix+"\xff", s.nowMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Key, &it.Value, &it.Version); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneExpired(ctx context.Context, prefix string) (int, error) {
	var n int64
	err := retryOp(defaultRetryConfig, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM kv WHERE key >= ? AND key < ? AND expires_at IS NOT NULL AND expires_at <= ?`,
			prefix, prefix+"\xff", s.nowMilli(),
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if n, err := s.PruneExpired(ctx, ""); err == nil && n > 0 {
		s.log.Debug("pruned expired keys", logx.Int("count", n))
	}
}
