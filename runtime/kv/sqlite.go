package kv

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_state.sql
var sqliteMigration string

const (
	ActionSet    = "set"
	ActionDelete = "delete"
	ActionExpire = "expire"
)

// HistoryEntry is one audited change of a key.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Action    string    `json:"action"`
	ChangedAt time.Time `json:"changed_at"`
}

// SQLiteStore persists values in an SQLite database and records every change
// in a history table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens or creates the database at path. Use ":memory:" for a
// throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection serializes writes and keeps a :memory: database alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, key string, dst any) (bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM state
		WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)
	`, namespace, key, s.now().UnixNano()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return true, decode(data, dst)
}

func (s *SQLiteStore) Expiry(ctx context.Context, namespace, key string) (time.Time, bool, error) {
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT expires_at FROM state
		WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)
	`, namespace, key, s.now().UnixNano()).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("expiry %s/%s: %w", namespace, key, err)
	}
	if !expiresAt.Valid {
		return time.Time{}, true, nil
	}
	return time.Unix(0, expiresAt.Int64), true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}

	now := s.now()
	var expiresAt sql.NullInt64
	if exp := expiry(now, ttl); !exp.IsZero() {
		expiresAt = sql.NullInt64{Int64: exp.UnixNano(), Valid: true}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		old, err := currentValue(ctx, tx, namespace, key)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state (namespace, key, value, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (namespace, key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at,
				expires_at = excluded.expires_at
		`, namespace, key, data, now.UnixNano(), now.UnixNano(), expiresAt); err != nil {
			return fmt.Errorf("set %s/%s: %w", namespace, key, err)
		}

		return recordHistory(ctx, tx, namespace, key, ActionSet, old, data, now)
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	now := s.now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		old, err := currentValue(ctx, tx, namespace, key)
		if err != nil {
			return err
		}
		if old == nil {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM state WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
			return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
		}
		return recordHistory(ctx, tx, namespace, key, ActionDelete, old, nil, now)
	})
}

func (s *SQLiteStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM state
		WHERE namespace = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key
	`, namespace, s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", namespace, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// History returns the most recent changes of a key, newest first.
func (s *SQLiteStore) History(ctx context.Context, namespace, key string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, key, action, changed_at FROM state_history
		WHERE namespace = ? AND key = ?
		ORDER BY id DESC
		LIMIT ?
	`, namespace, key, limit)
	if err != nil {
		return nil, fmt.Errorf("history of %s/%s: %w", namespace, key, err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e         HistoryEntry
			changedAt int64
		)
		if err := rows.Scan(&e.ID, &e.Namespace, &e.Key, &e.Action, &changedAt); err != nil {
			return nil, err
		}
		e.ChangedAt = time.Unix(0, changedAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CleanupExpired deletes expired entries, recording each as expired in the
// history table, and returns how many were removed.
func (s *SQLiteStore) CleanupExpired(ctx context.Context) (int, error) {
	now := s.now()
	removed := 0

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT namespace, key, value FROM state
			WHERE expires_at IS NOT NULL AND expires_at <= ?
		`, now.UnixNano())
		if err != nil {
			return err
		}

		type expired struct {
			namespace, key string
			value          []byte
		}
		var found []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.namespace, &e.key, &e.value); err != nil {
				rows.Close()
				return err
			}
			found = append(found, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range found {
			if err := recordHistory(ctx, tx, e.namespace, e.key, ActionExpire, e.value, nil, now); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM state WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixNano()); err != nil {
			return err
		}
		removed = len(found)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	return removed, nil
}

// RunCleanup calls CleanupExpired every interval until ctx is done.
func (s *SQLiteStore) RunCleanup(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupExpired(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func currentValue(ctx context.Context, tx *sql.Tx, namespace, key string) ([]byte, error) {
	var old []byte
	err := tx.QueryRowContext(ctx, `SELECT value FROM state WHERE namespace = ? AND key = ?`, namespace, key).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", namespace, key, err)
	}
	return old, nil
}

func recordHistory(ctx context.Context, tx *sql.Tx, namespace, key, action string, oldValue, newValue []byte, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_history (namespace, key, action, old_value, new_value, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, namespace, key, action, oldValue, newValue, at.UnixNano()); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}
