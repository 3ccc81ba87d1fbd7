package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// streamColumns is the full stream projection shared by scanStream callers.
const streamColumns = `id, channel_id, feed_id, title, url, referrer, user_agent,
	quality, country, provider, source_file, health_status, health_checked_at,
	health_response_ms, health_error, next_check_due, raw`

// StreamID derives the stable stream id: the first 12 hex digits of
// MD5(url + channelID). Re-importing the same pair never creates a new row.
func StreamID(url, channelID string) string {
	return digest12(url + channelID)
}

func digest12(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// Digest12 exposes the 12-hex digest for callers that key streams on other
// tuples (the M3U importer uses url+country+provider).
func Digest12(s string) string { return digest12(s) }

// Digest16 is the 16-hex variant used for EPG programme ids.
func Digest16(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// UpsertStreams inserts or updates streams. IDs are derived from
// (url, channel_id) when absent. Health columns are preserved on conflict so
// a catalog re-sync does not wipe probe results.
func (s *Store) UpsertStreams(ctx context.Context, streams []Stream) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO streams (id, channel_id, feed_id, title, url, referrer,
				user_agent, quality, country, provider, source_file, raw)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				channel_id=excluded.channel_id, feed_id=excluded.feed_id,
				title=excluded.title, url=excluded.url,
				referrer=excluded.referrer, user_agent=excluded.user_agent,
				quality=excluded.quality, country=excluded.country,
				provider=excluded.provider, source_file=excluded.source_file,
				raw=excluded.raw`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, st := range streams {
			id := st.ID
			if id == "" {
				id = StreamID(st.URL, st.ChannelID)
			}
			_, err := stmt.ExecContext(ctx, id, nullStr(st.ChannelID),
				nullStr(st.FeedID), st.Title, st.URL, nullStr(st.Referrer),
				nullStr(st.UserAgent), nullStr(st.Quality), nullStr(st.Country),
				nullStr(st.Provider), nullStr(st.SourceFile), rawOrNull(st.Raw))
			if err != nil {
				return fmt.Errorf("upsert stream %s: %w", id, err)
			}
		}
		return nil
	})
}

// GetStreamByID returns one stream, or nil when absent.
func (s *Store) GetStreamByID(ctx context.Context, id string) (*Stream, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE id = ?`, id)
	st, err := scanStream(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStreamsForChannel returns all streams recorded for a channel.
func (s *Store) GetStreamsForChannel(ctx context.Context, channelID string) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetUncheckedStreams returns up to limit streams due for a health check:
// never checked first, then oldest check first. A stream is due when its
// last check is older than the recheck floor and its adaptive
// next_check_due, if set, has passed.
func (s *Store) GetUncheckedStreams(ctx context.Context, limit int, recheckFloor time.Duration) ([]Stream, error) {
	cutoff := formatTime(nowUTC().Add(-recheckFloor))
	now := formatTime(nowUTC())
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, referrer, user_agent, channel_id, health_status
		FROM streams
		WHERE (health_checked_at IS NULL OR health_checked_at < ?)
		  AND (next_check_due IS NULL OR next_check_due <= ?)
		ORDER BY health_checked_at ASC NULLS FIRST
		LIMIT ?`, cutoff, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Stream
	for rows.Next() {
		var st Stream
		var ref, ua, channelID, status sql.NullString
		if err := rows.Scan(&st.ID, &st.URL, &ref, &ua, &channelID, &status); err != nil {
			return nil, err
		}
		st.Referrer = ref.String
		st.UserAgent = ua.String
		st.ChannelID = channelID.String
		st.HealthStatus = status.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStreamHealth records a probe result, stamping health_checked_at with
// the current time.
func (s *Store) UpdateStreamHealth(ctx context.Context, id, status string, responseMS *int64, probeErr string, nextCheckDue *time.Time) error {
	var respMS any
	if responseMS != nil {
		respMS = *responseMS
	}
	var next any
	if nextCheckDue != nil {
		next = formatTime(*nextCheckDue)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE streams SET
			health_status = ?,
			health_checked_at = ?,
			health_response_ms = ?,
			health_error = ?,
			next_check_due = ?
		WHERE id = ?`,
		status, formatTime(nowUTC()), respMS, nullStr(probeErr), next, id)
	return err
}

// GetStreamsByHealth returns streams ordered best-first: working, unknown,
// warning, failed, then fastest response. channelID narrows to one channel;
// empty returns all.
func (s *Store) GetStreamsByHealth(ctx context.Context, channelID string) ([]Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams`
	var args []any
	if channelID != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	query += `
		ORDER BY
			CASE health_status
				WHEN 'working' THEN 1
				WHEN 'unknown' THEN 2
				WHEN 'warning' THEN 3
				WHEN 'failed' THEN 4
			END,
			health_response_ms ASC NULLS LAST`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetRecentHealthUpdates returns streams checked within the last
// sinceSeconds, newest first. Used by UI polling.
func (s *Store) GetRecentHealthUpdates(ctx context.Context, sinceSeconds int) ([]HealthUpdate, error) {
	cutoff := formatTime(nowUTC().Add(-time.Duration(sinceSeconds) * time.Second))
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, health_status, health_error, health_checked_at, health_response_ms
		FROM streams
		WHERE health_checked_at > ?
		ORDER BY health_checked_at DESC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HealthUpdate
	for rows.Next() {
		var u HealthUpdate
		var channelID, herr, checkedAt sql.NullString
		var respMS sql.NullInt64
		if err := rows.Scan(&u.ID, &channelID, &u.HealthStatus, &herr, &checkedAt, &respMS); err != nil {
			return nil, err
		}
		u.ChannelID = channelID.String
		u.HealthError = herr.String
		if t, ok := parseTime(checkedAt.String); ok {
			u.HealthCheckedAt = &t
		}
		if respMS.Valid {
			v := respMS.Int64
			u.HealthResponseMS = &v
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetHealthStats returns stream counts grouped by health status.
func (s *Store) GetHealthStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT health_status, COUNT(*) FROM streams GROUP BY health_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status sql.NullString
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		key := status.String
		if key == "" {
			key = HealthUnknown
		}
		out[key] = count
	}
	return out, rows.Err()
}

// GetStreamStats returns total streams and the number of distinct channels
// with at least one stream.
func (s *Store) GetStreamStats(ctx context.Context) (totalStreams, channelsWithStreams int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams`).Scan(&totalStreams); err != nil {
		return 0, 0, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT channel_id) FROM streams WHERE channel_id IS NOT NULL`).Scan(&channelsWithStreams)
	return totalStreams, channelsWithStreams, err
}

func scanStream(r rowScanner) (Stream, error) {
	var st Stream
	var channelID, feedID, referrer, ua, quality, country, provider, sourceFile sql.NullString
	var status, checkedAt, herr, nextDue, raw sql.NullString
	var respMS sql.NullInt64
	err := r.Scan(&st.ID, &channelID, &feedID, &st.Title, &st.URL, &referrer,
		&ua, &quality, &country, &provider, &sourceFile, &status, &checkedAt,
		&respMS, &herr, &nextDue, &raw)
	if err != nil {
		return st, err
	}
	st.ChannelID = channelID.String
	st.FeedID = feedID.String
	st.Referrer = referrer.String
	st.UserAgent = ua.String
	st.Quality = quality.String
	st.Country = country.String
	st.Provider = provider.String
	st.SourceFile = sourceFile.String
	st.HealthStatus = status.String
	if st.HealthStatus == "" {
		st.HealthStatus = HealthUnknown
	}
	if t, ok := parseTime(checkedAt.String); ok {
		st.HealthCheckedAt = &t
	}
	if respMS.Valid {
		v := respMS.Int64
		st.HealthResponseMS = &v
	}
	st.HealthError = herr.String
	if t, ok := parseTime(nextDue.String); ok {
		st.NextCheckDue = &t
	}
	if raw.Valid {
		st.Raw = json.RawMessage(raw.String)
	}
	return st, nil
}
