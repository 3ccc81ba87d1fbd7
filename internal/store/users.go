package store

import (
	"context"
	"database/sql"
	"time"
)

// AddFavorite records a channel favorite for a device. Adding twice is a
// no-op.
func (s *Store) AddFavorite(ctx context.Context, deviceID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO favorites (device_id, channel_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id, channel_id) DO NOTHING`,
		deviceID, channelID, formatTime(nowUTC()))
	return err
}

// RemoveFavorite deletes a favorite; returns whether a row was removed.
func (s *Store) RemoveFavorite(ctx context.Context, deviceID, channelID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM favorites WHERE device_id = ? AND channel_id = ?`, deviceID, channelID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetFavorites returns a device's favorite channel ids, newest first.
func (s *Store) GetFavorites(ctx context.Context, deviceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM favorites WHERE device_id = ? ORDER BY created_at DESC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// IsFavorite reports whether the channel is in the device's favorites.
func (s *Store) IsFavorite(ctx context.Context, deviceID, channelID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM favorites WHERE device_id = ? AND channel_id = ?`,
		deviceID, channelID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RecordWatch appends a watch event.
func (s *Store) RecordWatch(ctx context.Context, deviceID, channelID, streamID string, durationSeconds int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watch_history (device_id, channel_id, stream_id, watched_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?)`,
		deviceID, channelID, nullStr(streamID), formatTime(nowUTC()), durationSeconds)
	return err
}

// GetWatchHistory returns a device's most recent watch events.
func (s *Store) GetWatchHistory(ctx context.Context, deviceID string, limit int) ([]WatchEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, stream_id, watched_at, duration_seconds
		FROM watch_history WHERE device_id = ?
		ORDER BY watched_at DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WatchEvent
	for rows.Next() {
		var ev WatchEvent
		var streamID, watchedAt sql.NullString
		if err := rows.Scan(&ev.ChannelID, &streamID, &watchedAt, &ev.DurationSeconds); err != nil {
			return nil, err
		}
		ev.StreamID = streamID.String
		if t, ok := parseTime(watchedAt.String); ok {
			ev.WatchedAt = t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetPopularChannels aggregates watch events across all devices, most
// watched first.
func (s *Store) GetPopularChannels(ctx context.Context, limit int) ([]PopularChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, COUNT(*) FROM watch_history
		GROUP BY channel_id ORDER BY COUNT(*) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PopularChannel
	for rows.Next() {
		var p PopularChannel
		if err := rows.Scan(&p.ChannelID, &p.ViewCount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetRecentlyWatchedChannels returns channel ids any device watched within
// the window, newest first.
func (s *Store) GetRecentlyWatchedChannels(ctx context.Context, within time.Duration) ([]string, error) {
	cutoff := formatTime(nowUTC().Add(-within))
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id FROM watch_history
		WHERE watched_at > ? GROUP BY channel_id ORDER BY MAX(watched_at) DESC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ExportUserData bundles a device's favorites for backup.
func (s *Store) ExportUserData(ctx context.Context, deviceID string) (map[string]any, error) {
	favs, err := s.GetFavorites(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if favs == nil {
		favs = []string{}
	}
	return map[string]any{"favorites": favs}, nil
}

// ImportUserData merges favorites from a backup; returns how many were added.
func (s *Store) ImportUserData(ctx context.Context, deviceID string, favorites []string) (int, error) {
	added := 0
	for _, chID := range favorites {
		if chID == "" {
			continue
		}
		ok, err := s.IsFavorite(ctx, deviceID, chID)
		if err != nil {
			return added, err
		}
		if ok {
			continue
		}
		if err := s.AddFavorite(ctx, deviceID, chID); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
