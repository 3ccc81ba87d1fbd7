// Package xmltv parses XMLTV programme guides into EPG programme rows.
package xmltv

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tvgate/tvgate/internal/log"
	"github.com/tvgate/tvgate/internal/store"
)

// Channel is one <channel> definition. Only the display name is used
// downstream (the mapper works from programme channel ids).
type Channel struct {
	ID   string
	Name string
	URL  string
}

// Result is the outcome of parsing one guide.
type Result struct {
	Channels []Channel
	Programs []store.Program
}

// ParseFile parses one XMLTV file.
func ParseFile(path string) (*Result, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	res, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("xmltv: parse %s: %w", path, err)
	}
	return res, nil
}

// Parse decodes <channel> and <programme> elements in a streaming pass.
// Programmes with unparseable or inverted times are skipped.
func Parse(r io.Reader) (*Result, error) {
	dec := xml.NewDecoder(r)
	logger := log.WithComponent("xmltv")

	type displayName struct {
		Text string `xml:",chardata"`
	}
	type chNode struct {
		ID           string        `xml:"id,attr"`
		DisplayNames []displayName `xml:"display-name"`
		URL          string        `xml:"url"`
	}
	type progNode struct {
		Channel     string `xml:"channel,attr"`
		Start       string `xml:"start,attr"`
		Stop        string `xml:"stop,attr"`
		Title       string `xml:"title"`
		SubTitle    string `xml:"sub-title"`
		Description string `xml:"desc"`
		Category    string `xml:"category"`
		Icon        struct {
			Src string `xml:"src,attr"`
		} `xml:"icon"`
		Rating struct {
			Value string `xml:"value"`
		} `xml:"rating"`
	}

	res := &Result{}
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "channel":
			var node chNode
			if err := dec.DecodeElement(&node, &se); err != nil {
				return nil, err
			}
			id := strings.TrimSpace(node.ID)
			if id == "" {
				continue
			}
			ch := Channel{ID: id, URL: strings.TrimSpace(node.URL)}
			if len(node.DisplayNames) > 0 {
				ch.Name = strings.TrimSpace(node.DisplayNames[0].Text)
			}
			res.Channels = append(res.Channels, ch)

		case "programme":
			var node progNode
			if err := dec.DecodeElement(&node, &se); err != nil {
				return nil, err
			}
			if node.Channel == "" || node.Start == "" || node.Stop == "" {
				continue
			}
			start, err := ParseTime(node.Start)
			if err != nil {
				logger.Warn().Str("start", node.Start).Msg("bad programme start; skipped")
				continue
			}
			stop, err := ParseTime(node.Stop)
			if err != nil {
				logger.Warn().Str("stop", node.Stop).Msg("bad programme stop; skipped")
				continue
			}
			if !stop.After(start) {
				continue
			}
			title := strings.TrimSpace(node.Title)
			if title == "" {
				title = "Unknown"
			}
			res.Programs = append(res.Programs, store.Program{
				ID:          store.Digest16(node.Channel + node.Start + title),
				ChannelID:   node.Channel,
				Title:       title,
				SubTitle:    strings.TrimSpace(node.SubTitle),
				Description: strings.TrimSpace(node.Description),
				Start:       start,
				Stop:        stop,
				Category:    strings.TrimSpace(node.Category),
				Icon:        strings.TrimSpace(node.Icon.Src),
				Rating:      strings.TrimSpace(node.Rating.Value),
			})
		}
	}
	return res, nil
}

// ParseTime parses the XMLTV timestamp format "20060102150405 -0700". The
// offset, when present, is honoured and the result converted to UTC; a bare
// timestamp is taken as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("20060102150405 -0700", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("20060102150405", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ImportStats summarises an import run.
type ImportStats struct {
	FilesProcessed int `json:"files_processed"`
	Channels       int `json:"channels"`
	Programs       int `json:"programs"`
}

// ImportFile parses one guide and stores its programmes.
func ImportFile(ctx context.Context, st *store.Store, path string) (ImportStats, error) {
	res, err := ParseFile(path)
	if err != nil {
		return ImportStats{}, err
	}
	if err := st.StoreEPGPrograms(ctx, res.Programs); err != nil {
		return ImportStats{}, err
	}
	return ImportStats{
		FilesProcessed: 1,
		Channels:       len(res.Channels),
		Programs:       len(res.Programs),
	}, nil
}

// ImportDirectory imports every *_guide.xml under dir. Per-file failures are
// logged and skipped.
func ImportDirectory(ctx context.Context, st *store.Store, dir string) (ImportStats, error) {
	logger := log.WithComponent("xmltv")
	matches, err := filepath.Glob(filepath.Join(dir, "*_guide.xml"))
	if err != nil {
		return ImportStats{}, err
	}
	var stats ImportStats
	for _, path := range matches {
		fs, err := ImportFile(ctx, st, path)
		if err != nil {
			logger.Error().Err(err).Str("file", path).Msg("guide skipped")
			continue
		}
		stats.FilesProcessed++
		stats.Channels += fs.Channels
		stats.Programs += fs.Programs
	}
	return stats, nil
}
