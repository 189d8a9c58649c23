package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MetaSet stores a key/value pair, replacing any previous value.
func (s *Store) MetaSet(ctx context.Context, key, value string) error {
	start := time.Now()
	query := s.rebind(`INSERT INTO meta (key, value, updated_time) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_time = excluded.updated_time`)
	_, err := s.db.ExecContext(ctx, query, key, value, nowUnix())
	s.observe("upsert", "meta", start, err)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

// MetaGet returns the stored value and whether the key exists.
func (s *Store) MetaGet(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM meta WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		s.observe("select", "meta", start, nil)
		return "", false, nil
	}
	s.observe("select", "meta", start, err)
	if err != nil {
		return "", false, fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, true, nil
}

// MetaIncr atomically adds delta to a numeric counter key and returns the
// new value. Missing keys start from zero. The read-modify-write happens in
// a single upsert so concurrent processes never lose increments.
func (s *Store) MetaIncr(ctx context.Context, key string, delta int64) (int64, error) {
	start := time.Now()
	query := s.rebind(`INSERT INTO meta (key, value, updated_time) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = CAST(CAST(meta.value AS BIGINT) + CAST(excluded.value AS BIGINT) AS TEXT),
			updated_time = excluded.updated_time
		RETURNING value`)
	var raw string
	err := s.db.QueryRowContext(ctx, query, key, strconv.FormatInt(delta, 10), nowUnix()).Scan(&raw)
	s.observe("upsert", "meta", start, err)
	if err != nil {
		return 0, fmt.Errorf("increment meta %q: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meta %q holds non-numeric value %q", key, raw)
	}
	return n, nil
}

// MetaDelete removes one key. Deleting a missing key is not an error.
func (s *Store) MetaDelete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM meta WHERE key = ?`), key)
	s.observe("delete", "meta", start, err)
	if err != nil {
		return fmt.Errorf("delete meta %q: %w", key, err)
	}
	return nil
}

// MetaDeletePrefix removes every key starting with prefix and reports how
// many rows were deleted.
func (s *Store) MetaDeletePrefix(ctx context.Context, prefix string) (int64, error) {
	start := time.Now()
	// substr avoids LIKE so wildcard bytes in the prefix stay literal.
	query := s.rebind(`DELETE FROM meta WHERE substr(key, 1, length(?)) = ?`)
	res, err := s.db.ExecContext(ctx, query, prefix, prefix)
	s.observe("delete", "meta", start, err)
	if err != nil {
		return 0, fmt.Errorf("delete meta prefix %q: %w", prefix, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
