package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// SetJSON stores value as JSON under key with a TTL. An existing entry is
// replaced.
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	encoded, err := marshalJSON(value)
	if err != nil {
		return err
	}
	expires := formatTime(nowUTC().Add(ttl))
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, encoded, expires)
	return err
}

// GetJSON loads a cached value into out. Returns false when the key is
// absent or expired.
func (s *Store) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cache WHERE key = ? AND expires_at > ?`,
		key, formatTime(nowUTC())).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, err
	}
	return true, nil
}

// ClearExpired deletes expired cache entries; returns how many were removed.
func (s *Store) ClearExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache WHERE expires_at < ?`, formatTime(nowUTC()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
