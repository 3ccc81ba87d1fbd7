// Package catalogsync pulls the upstream channel/stream catalog (iptv-org
// style JSON endpoints), upserts it into the store, and recomputes derived
// playability. Individual endpoint failures are logged and skipped; they
// never abort the sync.
package catalogsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tvgate/tvgate/internal/httpclient"
	"github.com/tvgate/tvgate/internal/log"
	"github.com/tvgate/tvgate/internal/m3u"
	"github.com/tvgate/tvgate/internal/metrics"
	"github.com/tvgate/tvgate/internal/store"
)

// fetchTimeout bounds one endpoint fetch end to end.
const fetchTimeout = 60 * time.Second

// endpoints lists every upstream JSON document, relative to the API base.
var endpoints = map[string]string{
	"channels":   "/channels.json",
	"streams":    "/streams.json",
	"categories": "/categories.json",
	"countries":  "/countries.json",
	"languages":  "/languages.json",
	"regions":    "/regions.json",
	"logos":      "/logos.json",
	"guides":     "/guides.json",
	"feeds":      "/feeds.json",
}

// kvEndpoints are cached verbatim under their name with the configured TTL.
var kvEndpoints = []string{"languages", "regions", "guides", "feeds"}

// wellKnownM3UDirs are tried in order for the opportunistic local playlist
// import (container bundle first, then development checkouts).
var wellKnownM3UDirs = []string{"/app/iptv_streams", "iptv_streams", "iptv/streams"}

// Service syncs the upstream catalog into the store.
type Service struct {
	BaseURL  string
	CacheTTL time.Duration
	M3UDir   string // optional explicit playlist tree; well-known paths otherwise

	store   *store.Store
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a Service. The limiter paces endpoint fetches so a sync never
// bursts against the upstream.
func New(st *store.Store, baseURL string, cacheTTL time.Duration, m3uDir string) *Service {
	return &Service{
		BaseURL:  baseURL,
		CacheTTL: cacheTTL,
		M3UDir:   m3uDir,
		store:    st,
		client:   httpclient.Default(),
		limiter:  rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
		logger:   log.WithComponent("catalogsync"),
	}
}

// upstream record shapes (iptv-org API).
type upstreamChannel struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	AltNames   []string `json:"alt_names"`
	Network    string   `json:"network"`
	Owners     []string `json:"owners"`
	Country    string   `json:"country"`
	Categories []string `json:"categories"`
	IsNSFW     bool     `json:"is_nsfw"`
	Launched   string   `json:"launched"`
	Closed     string   `json:"closed"`
	ReplacedBy string   `json:"replaced_by"`
	Website    string   `json:"website"`
}

type upstreamStream struct {
	Channel   string `json:"channel"`
	Feed      string `json:"feed"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Referrer  string `json:"referrer"`
	UserAgent string `json:"user_agent"`
	Quality   string `json:"quality"`
}

type upstreamLogo struct {
	Channel string   `json:"channel"`
	Feed    string   `json:"feed"`
	Tags    []string `json:"tags"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Format  string   `json:"format"`
	URL     string   `json:"url"`
}

type upstreamCategory struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type upstreamCountry struct {
	Code      string   `json:"code"`
	Name      string   `json:"name"`
	Languages []string `json:"languages"`
	Flag      string   `json:"flag"`
}

// fetch GETs one endpoint and decodes it into out. The raw body is also
// returned for KV caching.
func (s *Service) fetch(ctx context.Context, endpoint string, out any) (json.RawMessage, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := s.BaseURL + endpoint
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "tvgate/1.0 (+catalog-sync)")
	req.Header.Set("Accept-Encoding", "br, gzip")

	resp, err := httpclient.DoWithRetry(ctx, s.client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalogsync: %s: HTTP %d", endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(httpclient.DecodedBody(resp))
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("catalogsync: %s: parse: %w", endpoint, err)
		}
	}
	return body, nil
}

// SyncAll pulls every endpoint, upserts rows, recomputes playability, and
// opportunistically imports local M3U playlists. The returned map counts
// synced entities.
func (s *Service) SyncAll(ctx context.Context) (map[string]int, error) {
	results := map[string]int{}

	// Channels first: stream counts and category/country counts depend on
	// them.
	var channels []upstreamChannel
	if body, err := s.fetch(ctx, endpoints["channels"], &channels); err != nil {
		s.logger.Error().Err(err).Msg("channels fetch failed; skipped")
	} else {
		// Keep each upstream record verbatim so unmodeled fields survive.
		var raws []json.RawMessage
		_ = json.Unmarshal(body, &raws)
		rows := make([]store.Channel, 0, len(channels))
		for i, c := range channels {
			raw, _ := json.Marshal(c)
			if i < len(raws) {
				raw = raws[i]
			}
			rows = append(rows, store.Channel{
				ID: c.ID, Name: c.Name, AltNames: c.AltNames, Network: c.Network,
				Owners: c.Owners, Country: c.Country, Categories: c.Categories,
				IsNSFW: c.IsNSFW, Launched: c.Launched, Closed: c.Closed,
				ReplacedBy: c.ReplacedBy, Website: c.Website, Raw: raw,
			})
		}
		if err := s.store.UpsertChannels(ctx, rows); err != nil {
			return results, fmt.Errorf("catalogsync: store channels: %w", err)
		}
		results["channels"] = len(rows)
	}

	var streams []upstreamStream
	if _, err := s.fetch(ctx, endpoints["streams"], &streams); err != nil {
		s.logger.Error().Err(err).Msg("streams fetch failed; skipped")
	} else {
		rows := make([]store.Stream, 0, len(streams))
		for _, st := range streams {
			raw, _ := json.Marshal(st)
			rows = append(rows, store.Stream{
				ChannelID: st.Channel, FeedID: st.Feed, Title: st.Title,
				URL: st.URL, Referrer: st.Referrer, UserAgent: st.UserAgent,
				Quality: st.Quality, Raw: raw,
			})
		}
		if err := s.store.UpsertStreams(ctx, rows); err != nil {
			return results, fmt.Errorf("catalogsync: store streams: %w", err)
		}
		results["streams"] = len(rows)

		playable, total, err := s.store.RecomputeChannelStreamCounts(ctx)
		if err != nil {
			return results, err
		}
		results["playable_channels"] = playable
		results["total_channels"] = total
		s.logger.Info().Int("playable", playable).Int("total", total).Msg("playability recomputed")
	}

	var logos []upstreamLogo
	if _, err := s.fetch(ctx, endpoints["logos"], &logos); err != nil {
		s.logger.Error().Err(err).Msg("logos fetch failed; skipped")
	} else {
		rows := make([]store.Logo, 0, len(logos))
		for _, lg := range logos {
			rows = append(rows, store.Logo{
				ChannelID: lg.Channel, FeedID: lg.Feed, URL: lg.URL,
				Width: lg.Width, Height: lg.Height, Format: lg.Format, Tags: lg.Tags,
			})
		}
		if err := s.store.StoreLogos(ctx, rows); err != nil {
			return results, err
		}
		results["logos"] = len(rows)
	}

	var categories []upstreamCategory
	if _, err := s.fetch(ctx, endpoints["categories"], &categories); err != nil {
		s.logger.Error().Err(err).Msg("categories fetch failed; skipped")
	} else {
		rows := make([]store.Category, 0, len(categories))
		for _, c := range categories {
			rows = append(rows, store.Category{ID: c.ID, Name: c.Name, Description: c.Description})
		}
		if err := s.store.StoreCategories(ctx, rows); err != nil {
			return results, err
		}
		results["categories"] = len(rows)
	}

	var countries []upstreamCountry
	if _, err := s.fetch(ctx, endpoints["countries"], &countries); err != nil {
		s.logger.Error().Err(err).Msg("countries fetch failed; skipped")
	} else {
		rows := make([]store.Country, 0, len(countries))
		for _, c := range countries {
			rows = append(rows, store.Country{Code: c.Code, Name: c.Name, Languages: c.Languages, Flag: c.Flag})
		}
		if err := s.store.StoreCountries(ctx, rows); err != nil {
			return results, err
		}
		results["countries"] = len(rows)
	}

	// Ancillary sets go straight into the KV cache.
	for _, name := range kvEndpoints {
		var items []json.RawMessage
		if _, err := s.fetch(ctx, endpoints[name], &items); err != nil {
			s.logger.Error().Err(err).Str("endpoint", name).Msg("fetch failed; skipped")
			continue
		}
		if err := s.store.SetJSON(ctx, name, items, s.CacheTTL); err != nil {
			return results, err
		}
		results[name] = len(items)
	}

	// Local playlists, when present.
	if imported := s.importLocalM3U(ctx); imported > 0 {
		results["m3u_streams"] = imported
		playable, total, err := s.store.RecomputeChannelStreamCounts(ctx)
		if err != nil {
			return results, err
		}
		results["playable_channels"] = playable
		results["total_channels"] = total
	}

	for entity, count := range results {
		metrics.SyncedEntities.WithLabelValues(entity).Set(float64(count))
	}
	s.logger.Info().Interface("synced", results).Msg("sync complete")
	return results, nil
}

// importLocalM3U imports the first existing playlist directory; returns
// streams added.
func (s *Service) importLocalM3U(ctx context.Context) int {
	dirs := wellKnownM3UDirs
	if s.M3UDir != "" {
		dirs = append([]string{s.M3UDir}, dirs...)
	}
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		stats, err := m3u.ImportDirectory(ctx, s.store, dir, nil)
		if err != nil {
			s.logger.Error().Err(err).Str("dir", dir).Msg("local M3U import failed")
			return 0
		}
		if stats.TotalStreams > 0 {
			s.logger.Info().Str("dir", dir).Int("streams", stats.TotalStreams).Msg("local playlists imported")
		}
		return stats.TotalStreams
	}
	return 0
}

// GetCachedList returns a KV-cached ancillary set (languages, regions, ...),
// fetching it on a cache miss.
func (s *Service) GetCachedList(ctx context.Context, name string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	ok, err := s.store.GetJSON(ctx, name, &items)
	if err != nil {
		return nil, err
	}
	if ok {
		return items, nil
	}
	endpoint, known := endpoints[name]
	if !known {
		return nil, fmt.Errorf("catalogsync: unknown list %q", name)
	}
	if _, err := s.fetch(ctx, endpoint, &items); err != nil {
		return nil, err
	}
	if err := s.store.SetJSON(ctx, name, items, s.CacheTTL); err != nil {
		return nil, err
	}
	return items, nil
}
