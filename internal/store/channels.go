package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// UpsertChannels inserts or updates channels keyed on id. Rows not in the
// batch are preserved. Derived columns (has_streams, stream_count) are not
// touched here; call RecomputeChannelStreamCounts after stream mutations.
func (s *Store) UpsertChannels(ctx context.Context, channels []Channel) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO channels (id, name, alt_names, network, owners, country,
				categories, is_nsfw, launched, closed, replaced_by, website, raw)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name=excluded.name, alt_names=excluded.alt_names,
				network=excluded.network, owners=excluded.owners,
				country=excluded.country, categories=excluded.categories,
				is_nsfw=excluded.is_nsfw, launched=excluded.launched,
				closed=excluded.closed, replaced_by=excluded.replaced_by,
				website=excluded.website, raw=excluded.raw`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		catStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO channel_categories (channel_id, category) VALUES (?, ?)
			ON CONFLICT(channel_id, category) DO NOTHING`)
		if err != nil {
			return err
		}
		defer catStmt.Close()
		catDel, err := tx.PrepareContext(ctx, `DELETE FROM channel_categories WHERE channel_id = ?`)
		if err != nil {
			return err
		}
		defer catDel.Close()

		for _, ch := range channels {
			if ch.ID == "" {
				continue
			}
			nsfw := 0
			if ch.IsNSFW {
				nsfw = 1
			}
			_, err := stmt.ExecContext(ctx,
				ch.ID, ch.Name, marshalList(ch.AltNames), nullStr(ch.Network),
				marshalList(ch.Owners), ch.Country, marshalList(ch.Categories),
				nsfw, nullStr(ch.Launched), nullStr(ch.Closed),
				nullStr(ch.ReplacedBy), nullStr(ch.Website), rawOrNull(ch.Raw))
			if err != nil {
				return fmt.Errorf("upsert channel %s: %w", ch.ID, err)
			}
			if _, err := catDel.ExecContext(ctx, ch.ID); err != nil {
				return err
			}
			for _, cat := range ch.Categories {
				if _, err := catStmt.ExecContext(ctx, ch.ID, cat); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// RecomputeChannelStreamCounts derives has_streams and stream_count for every
// channel from the streams table in one pass. Call after any stream mutation
// that could change playability.
func (s *Store) RecomputeChannelStreamCounts(ctx context.Context) (playable, total int, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE channels SET has_streams = 0, stream_count = 0`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE channels SET
				has_streams = 1,
				stream_count = (SELECT COUNT(*) FROM streams WHERE streams.channel_id = channels.id)
			WHERE id IN (SELECT DISTINCT channel_id FROM streams WHERE channel_id IS NOT NULL)`)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE has_streams = 1`).Scan(&playable); err != nil {
		return 0, 0, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels`).Scan(&total); err != nil {
		return 0, 0, err
	}
	return playable, total, nil
}

// GetChannels queries channels with filters and pagination, ordered by name.
// Returned channels are hydrated with their stream entries (including health
// fields) from a single batched lookup.
func (s *Store) GetChannels(ctx context.Context, f ChannelFilter) ([]Channel, int, error) {
	conds := []string{"closed IS NULL"}
	var args []any

	if f.PlayableOnly {
		conds = append(conds, "has_streams = 1")
	}
	if f.Country != "" {
		conds = append(conds, "country = ?")
		args = append(args, strings.ToUpper(f.Country))
	}
	if f.Category != "" {
		conds = append(conds, "id IN (SELECT channel_id FROM channel_categories WHERE category = ?)")
		args = append(args, f.Category)
	}
	if f.Search != "" {
		conds = append(conds, "(name LIKE ? OR alt_names LIKE ?)")
		pat := "%" + f.Search + "%"
		args = append(args, pat, pat)
	}
	if f.Provider != "" {
		conds = append(conds, `id IN (
			SELECT channel_id FROM streams
			WHERE provider LIKE ? AND channel_id IS NOT NULL)`)
		args = append(args, "%"+f.Provider+"%")
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM channels WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, perPage := f.Page, f.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	query := `SELECT id, name, alt_names, network, owners, country, categories,
		is_nsfw, launched, closed, replaced_by, website, has_streams, stream_count, raw
		FROM channels WHERE ` + where + ` ORDER BY name LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, 0, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := s.hydrateStreams(ctx, channels); err != nil {
		return nil, 0, err
	}
	return channels, total, nil
}

// hydrateStreams attaches each channel's stream rows (with health status and
// error) using one batched query over the page of channel ids.
func (s *Store) hydrateStreams(ctx context.Context, channels []Channel) error {
	if len(channels) == 0 {
		return nil
	}
	ids := make([]any, len(channels))
	ph := make([]string, len(channels))
	for i := range channels {
		ids[i] = channels[i].ID
		ph[i] = "?"
	}
	query := `SELECT ` + streamColumns + ` FROM streams WHERE channel_id IN (` +
		strings.Join(ph, ",") + `) ORDER BY url`
	rows, err := s.db.QueryContext(ctx, query, ids...)
	if err != nil {
		return err
	}
	defer rows.Close()

	byChannel := map[string][]Stream{}
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return err
		}
		byChannel[st.ChannelID] = append(byChannel[st.ChannelID], st)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range channels {
		channels[i].Streams = byChannel[channels[i].ID]
	}
	return nil
}

// GetChannelByID returns one channel hydrated with streams and logos, or
// nil when absent.
func (s *Store) GetChannelByID(ctx context.Context, id string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, alt_names, network, owners,
		country, categories, is_nsfw, launched, closed, replaced_by, website,
		has_streams, stream_count, raw FROM channels WHERE id = ?`, id)
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	streams, err := s.GetStreamsForChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	ch.Streams = streams
	logos, err := s.GetLogosForChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	ch.Logos = logos
	return &ch, nil
}

// GetAllChannels returns (id, name, alt_names, country) for every channel;
// used by the EPG mapper to build its indices.
func (s *Store) GetAllChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, alt_names, country FROM channels`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var ch Channel
		var altNames sql.NullString
		if err := rows.Scan(&ch.ID, &ch.Name, &altNames, &ch.Country); err != nil {
			return nil, err
		}
		ch.AltNames = unmarshalList(altNames.String)
		out = append(out, ch)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanChannel(r rowScanner) (Channel, error) {
	var ch Channel
	var altNames, network, owners, categories, launched, closed, replacedBy, website, raw sql.NullString
	var nsfw, hasStreams int
	err := r.Scan(&ch.ID, &ch.Name, &altNames, &network, &owners, &ch.Country,
		&categories, &nsfw, &launched, &closed, &replacedBy, &website,
		&hasStreams, &ch.StreamCount, &raw)
	if err != nil {
		return ch, err
	}
	ch.AltNames = unmarshalList(altNames.String)
	ch.Network = network.String
	ch.Owners = unmarshalList(owners.String)
	ch.Categories = unmarshalList(categories.String)
	ch.IsNSFW = nsfw != 0
	ch.Launched = launched.String
	ch.Closed = closed.String
	ch.ReplacedBy = replacedBy.String
	ch.Website = website.String
	ch.HasStreams = hasStreams != 0
	if raw.Valid {
		ch.Raw = json.RawMessage(raw.String)
	}
	return ch, nil
}

// StoreCategories replaces the category set, computing channel counts from
// the join table. Categories are a derived catalog set, not user data.
func (s *Store) StoreCategories(ctx context.Context, categories []Category) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM categories`); err != nil {
			return err
		}
		for _, cat := range categories {
			var count int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM channel_categories WHERE category = ?`, cat.ID).Scan(&count)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO categories (id, name, description, channel_count) VALUES (?, ?, ?, ?)`,
				cat.ID, cat.Name, nullStr(cat.Description), count)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCategories returns all categories ordered by name.
func (s *Store) GetCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, channel_count FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Category
	for rows.Next() {
		var c Category
		var desc sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &desc, &c.ChannelCount); err != nil {
			return nil, err
		}
		c.Description = desc.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// StoreCountries replaces the country set with channel counts.
func (s *Store) StoreCountries(ctx context.Context, countries []Country) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM countries`); err != nil {
			return err
		}
		for _, c := range countries {
			var count int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM channels WHERE country = ?`, c.Code).Scan(&count)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO countries (code, name, languages, flag, channel_count) VALUES (?, ?, ?, ?, ?)`,
				c.Code, c.Name, marshalList(c.Languages), c.Flag, count)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCountries returns all countries ordered by name.
func (s *Store) GetCountries(ctx context.Context) ([]Country, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, languages, flag, channel_count FROM countries ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Country
	for rows.Next() {
		var c Country
		var langs sql.NullString
		if err := rows.Scan(&c.Code, &c.Name, &langs, &c.Flag, &c.ChannelCount); err != nil {
			return nil, err
		}
		c.Languages = unmarshalList(langs.String)
		out = append(out, c)
	}
	return out, rows.Err()
}

// StoreLogos replaces the logo set. Logos are a derived catalog set keyed on
// a digest of (url, channel, index).
func (s *Store) StoreLogos(ctx context.Context, logos []Logo) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM logos`); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO logos
			(id, channel_id, feed_id, url, width, height, format, tags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, lg := range logos {
			id := digest12(fmt.Sprintf("%s%s%d", lg.URL, lg.ChannelID, i))
			_, err := stmt.ExecContext(ctx, id, lg.ChannelID, nullStr(lg.FeedID),
				lg.URL, lg.Width, lg.Height, nullStr(lg.Format), marshalList(lg.Tags))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetLogosForChannel returns the logos recorded for a channel.
func (s *Store) GetLogosForChannel(ctx context.Context, channelID string) ([]Logo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, width, height, format, tags FROM logos WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Logo
	for rows.Next() {
		lg := Logo{ChannelID: channelID}
		var width, height sql.NullInt64
		var format, tags sql.NullString
		if err := rows.Scan(&lg.URL, &width, &height, &format, &tags); err != nil {
			return nil, err
		}
		lg.Width = int(width.Int64)
		lg.Height = int(height.Int64)
		lg.Format = format.String
		lg.Tags = unmarshalList(tags.String)
		out = append(out, lg)
	}
	return out, rows.Err()
}

// GetProviders aggregates providers from M3U-imported streams, most streams
// first.
func (s *Store) GetProviders(ctx context.Context) ([]Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, COUNT(*) FROM streams
		WHERE provider IS NOT NULL AND provider != ''
		GROUP BY provider ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.StreamCount); err != nil {
			return nil, err
		}
		p.Name = titleCase(p.ID)
		out = append(out, p)
	}
	return out, rows.Err()
}

// titleCase upper-cases the first letter of each space-, dash- or
// underscore-separated word ("pluto" -> "Pluto").
func titleCase(s string) string {
	b := []byte(s)
	up := true
	for i, c := range b {
		if up && c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
		up = c == ' ' || c == '-' || c == '_'
	}
	return string(b)
}

func marshalList(list []string) any {
	if len(list) == 0 {
		return nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
