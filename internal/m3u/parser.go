// Package m3u parses local M3U playlist trees into catalog streams.
//
// Filename convention: <country>[_<provider>].m3u, e.g. "us.m3u" or
// "us_pluto.m3u". The tvg-id attribute carries the catalog channel id with
// an optional feed suffix: "ABC.us@East".
package m3u

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/tvgate/tvgate/internal/log"
	"github.com/tvgate/tvgate/internal/safeurl"
	"github.com/tvgate/tvgate/internal/store"
)

const maxLineSize = 1 << 20 // 1 MiB per line

// extinfRe extracts the optional tvg-id and the display name from an EXTINF
// line.
var extinfRe = regexp.MustCompile(`#EXTINF:-?\d+\s*(?:tvg-id="([^"]*)")?[^,]*,(.+)`)

// FileResult summarises one parsed playlist.
type FileResult struct {
	Streams  []store.Stream
	Country  string
	Provider string
	File     string
}

// ParseFile parses one playlist. Country and provider come from the
// filename; stream ids are stable digests of (url, country, provider).
func ParseFile(path string) (*FileResult, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	country, provider := splitFilename(filepath.Base(path))
	streams, err := parseReader(f, country, provider, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("m3u: parse %s: %w", path, err)
	}
	return &FileResult{
		Streams:  streams,
		Country:  country,
		Provider: provider,
		File:     path,
	}, nil
}

func parseReader(r io.Reader, country, provider, sourceFile string) ([]store.Stream, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, maxLineSize)

	var streams []store.Stream
	var tvgID, name string
	pending := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#EXTINF:") {
			m := extinfRe.FindStringSubmatch(line)
			if m != nil {
				tvgID, name = m[1], strings.TrimSpace(m[2])
				pending = true
			} else {
				pending = false
			}
			continue
		}
		if strings.HasPrefix(line, "#") || !pending {
			continue
		}

		// URL line following an EXTINF.
		if !safeurl.IsHTTPOrHTTPS(line) {
			pending = false
			continue
		}
		channelID, feed := splitTVGID(tvgID)
		streams = append(streams, store.Stream{
			ID:         store.Digest12(line + country + provider),
			ChannelID:  channelID,
			FeedID:     feed,
			Title:      name,
			URL:        line,
			Quality:    extractQuality(name),
			Country:    country,
			Provider:   provider,
			SourceFile: sourceFile,
		})
		pending = false
	}
	return streams, sc.Err()
}

// splitFilename maps "us_pluto.m3u" to ("US", "pluto") and "us.m3u" to
// ("US", "").
func splitFilename(base string) (country, provider string) {
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	country, provider, ok := strings.Cut(stem, "_")
	if !ok {
		provider = ""
	}
	return strings.ToUpper(country), provider
}

// splitTVGID separates "ABC.us@East" into ("ABC.us", "East").
func splitTVGID(tvgID string) (channelID, feed string) {
	if tvgID == "" {
		return "", ""
	}
	if i := strings.LastIndex(tvgID, "@"); i >= 0 {
		return tvgID[:i], tvgID[i+1:]
	}
	return tvgID, ""
}

// extractQuality infers a quality label from tokens in the display name.
func extractQuality(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "4k") || strings.Contains(lower, "2160"):
		return "4K"
	case strings.Contains(lower, "1080"):
		return "1080p"
	case strings.Contains(lower, "720"):
		return "720p"
	case strings.Contains(lower, "480"):
		return "480p"
	case strings.Contains(lower, "360"):
		return "360p"
	}
	return ""
}

// ImportStats summarises an ImportDirectory run.
type ImportStats struct {
	FilesProcessed int `json:"files_processed"`
	TotalStreams   int `json:"total_streams"`
}

// ImportDirectory parses every *.m3u under dir (optionally restricted to the
// given lower-case country codes) and upserts the streams. Per-file parse
// failures are logged and skipped.
func ImportDirectory(ctx context.Context, st *store.Store, dir string, countries []string) (ImportStats, error) {
	logger := log.WithComponent("m3u")

	matches, err := filepath.Glob(filepath.Join(dir, "*.m3u"))
	if err != nil {
		return ImportStats{}, err
	}
	sort.Strings(matches)

	wanted := map[string]bool{}
	for _, c := range countries {
		wanted[strings.ToLower(strings.TrimSpace(c))] = true
	}

	var stats ImportStats
	var all []store.Stream
	for _, path := range matches {
		if len(wanted) > 0 {
			country, _ := splitFilename(filepath.Base(path))
			if !wanted[strings.ToLower(country)] {
				continue
			}
		}
		res, err := ParseFile(path)
		if err != nil {
			logger.Error().Err(err).Str("file", path).Msg("playlist skipped")
			continue
		}
		logger.Info().Str("file", filepath.Base(path)).Int("streams", len(res.Streams)).Msg("playlist parsed")
		all = append(all, res.Streams...)
		stats.FilesProcessed++
		stats.TotalStreams += len(res.Streams)
	}

	if len(all) > 0 {
		if err := st.UpsertStreams(ctx, all); err != nil {
			return stats, fmt.Errorf("m3u: import: %w", err)
		}
	}
	return stats, nil
}
