package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// epgMappingsKey is the KV entry holding the XMLTV→catalog channel mapping.
const epgMappingsKey = "epg_mappings"

// epgMappingsTTL keeps the mapping for 30 days; a re-map refreshes it.
const epgMappingsTTL = 30 * 24 * time.Hour

// StoreEPGPrograms upserts programme rows keyed on id. Existing rows for
// other channels are preserved.
func (s *Store) StoreEPGPrograms(ctx context.Context, programs []Program) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO programs (id, channel_id, title, sub_title, description,
				start_time, stop_time, category, icon, rating)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				channel_id=excluded.channel_id, title=excluded.title,
				sub_title=excluded.sub_title, description=excluded.description,
				start_time=excluded.start_time, stop_time=excluded.stop_time,
				category=excluded.category, icon=excluded.icon,
				rating=excluded.rating`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range programs {
			_, err := stmt.ExecContext(ctx, p.ID, p.ChannelID, p.Title,
				nullStr(p.SubTitle), nullStr(p.Description),
				formatTime(p.Start), formatTime(p.Stop),
				nullStr(p.Category), nullStr(p.Icon), nullStr(p.Rating))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetEPGForChannel returns programmes for a catalog channel within the next
// `hours`, consulting the reverse EPG mapping so programmes stored under an
// XMLTV id resolve under the catalog id. Returned rows carry the catalog id.
func (s *Store) GetEPGForChannel(ctx context.Context, channelID string, hours int) ([]Program, error) {
	now := nowUTC()
	end := now.Add(time.Duration(hours) * time.Hour)

	ids := []string{channelID}
	mappings, err := s.GetEPGMappings(ctx)
	if err != nil {
		return nil, err
	}
	for epgID, catalogID := range mappings {
		if catalogID == channelID {
			ids = append(ids, epgID)
		}
	}

	ph := strings.Repeat("?,", len(ids))
	ph = ph[:len(ph)-1]
	args := make([]any, 0, len(ids)+2)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, formatTime(now), formatTime(end))
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, title, sub_title, description, start_time,
			stop_time, category, icon, rating
		FROM programs
		WHERE channel_id IN (`+ph+`) AND stop_time > ? AND start_time < ?
		ORDER BY start_time`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		p.ChannelID = channelID // report the catalog id, not the XMLTV one
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetNowPlaying returns currently airing programmes across all channels.
func (s *Store) GetNowPlaying(ctx context.Context, limit int) ([]Program, error) {
	now := formatTime(nowUTC())
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, title, sub_title, description, start_time,
			stop_time, category, icon, rating
		FROM programs
		WHERE start_time <= ? AND stop_time > ?
		ORDER BY channel_id
		LIMIT ?`, now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetNowPlayingForChannels returns the current programme per catalog channel
// id using one batched query over all candidate XMLTV ids.
func (s *Store) GetNowPlayingForChannels(ctx context.Context, channelIDs []string) (map[string]NowPlaying, error) {
	if len(channelIDs) == 0 {
		return map[string]NowPlaying{}, nil
	}
	mappings, err := s.GetEPGMappings(ctx)
	if err != nil {
		return nil, err
	}

	// catalog id → all EPG ids that may carry its programmes.
	candidates := map[string][]string{}
	seen := map[string]struct{}{}
	var allIDs []any
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			allIDs = append(allIDs, id)
		}
	}
	for _, chID := range channelIDs {
		candidates[chID] = []string{chID}
		add(chID)
		for epgID, catalogID := range mappings {
			if catalogID == chID {
				candidates[chID] = append(candidates[chID], epgID)
				add(epgID)
			}
		}
	}

	ph := strings.Repeat("?,", len(allIDs))
	ph = ph[:len(ph)-1]
	now := formatTime(nowUTC())
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, title, start_time, stop_time
		FROM programs
		WHERE channel_id IN (`+ph+`) AND start_time <= ? AND stop_time > ?
		ORDER BY start_time`, append(allIDs, now, now)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byEPGID := map[string]NowPlaying{}
	for rows.Next() {
		var epgID, title, start, stop string
		if err := rows.Scan(&epgID, &title, &start, &stop); err != nil {
			return nil, err
		}
		if _, ok := byEPGID[epgID]; ok {
			continue // first (earliest-starting) current programme wins
		}
		np := NowPlaying{Title: title}
		if t, ok := parseTime(start); ok {
			np.Start = t
		}
		if t, ok := parseTime(stop); ok {
			np.Stop = t
		}
		byEPGID[epgID] = np
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := map[string]NowPlaying{}
	for _, chID := range channelIDs {
		for _, epgID := range candidates[chID] {
			if np, ok := byEPGID[epgID]; ok {
				out[chID] = np
				break
			}
		}
	}
	return out, nil
}

// GetEPGStats returns total programmes and distinct EPG channel count.
func (s *Store) GetEPGStats(ctx context.Context) (totalPrograms, channelsWithEPG int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM programs`).Scan(&totalPrograms); err != nil {
		return 0, 0, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT channel_id) FROM programs`).Scan(&channelsWithEPG)
	return totalPrograms, channelsWithEPG, err
}

// ClearEPG wipes all programme rows.
func (s *Store) ClearEPG(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM programs`)
	return err
}

// GetUniqueEPGChannels returns the distinct XMLTV channel ids present in the
// programmes table.
func (s *Store) GetUniqueEPGChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT channel_id FROM programs WHERE channel_id != ''`)
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

// StoreEPGMappings persists the XMLTV→catalog mapping atomically under a
// single KV entry with a 30-day TTL.
func (s *Store) StoreEPGMappings(ctx context.Context, mappings map[string]string) error {
	return s.SetJSON(ctx, epgMappingsKey, mappings, epgMappingsTTL)
}

// GetEPGMappings returns the stored mapping, or an empty map when absent or
// expired.
func (s *Store) GetEPGMappings(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	ok, err := s.GetJSON(ctx, epgMappingsKey, &out)
	if err != nil {
		return nil, err
	}
	if !ok || out == nil {
		return map[string]string{}, nil
	}
	return out, nil
}

func scanProgram(r rowScanner) (Program, error) {
	var p Program
	var subTitle, desc, category, icon, rating sql.NullString
	var start, stop string
	err := r.Scan(&p.ID, &p.ChannelID, &p.Title, &subTitle, &desc, &start,
		&stop, &category, &icon, &rating)
	if err != nil {
		return p, err
	}
	p.SubTitle = subTitle.String
	p.Description = desc.String
	if t, ok := parseTime(start); ok {
		p.Start = t
	}
	if t, ok := parseTime(stop); ok {
		p.Stop = t
	}
	p.Category = category.String
	p.Icon = icon.String
	p.Rating = rating.String
	return p, nil
}

// marshalJSON is a tiny indirection so kv.go can stay encoding-agnostic.
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}
