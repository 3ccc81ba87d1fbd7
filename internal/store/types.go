package store

import (
	"encoding/json"
	"time"
)

// Channel is one catalog channel. AltNames/Owners/Categories round-trip as
// JSON lists; Raw keeps the upstream record for unmodeled fields.
type Channel struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	AltNames    []string        `json:"alt_names,omitempty"`
	Network     string          `json:"network,omitempty"`
	Owners      []string        `json:"owners,omitempty"`
	Country     string          `json:"country"`
	Categories  []string        `json:"categories,omitempty"`
	IsNSFW      bool            `json:"is_nsfw,omitempty"`
	Launched    string          `json:"launched,omitempty"`
	Closed      string          `json:"closed,omitempty"`
	ReplacedBy  string          `json:"replaced_by,omitempty"`
	Website     string          `json:"website,omitempty"`
	HasStreams  bool            `json:"has_streams"`
	StreamCount int             `json:"stream_count"`
	Raw         json.RawMessage `json:"-"`

	// Hydrated by reads; not stored on the channel row.
	Streams []Stream `json:"streams,omitempty"`
	Logos   []Logo   `json:"logos,omitempty"`
}

// Stream is one playable stream URL, keyed by a stable digest of
// (url, channel_id) so re-imports never duplicate rows.
type Stream struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channel_id,omitempty"`
	FeedID     string `json:"feed,omitempty"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url"`
	Referrer   string `json:"referrer,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Quality    string `json:"quality,omitempty"`
	Country    string `json:"country,omitempty"`
	Provider   string `json:"provider,omitempty"`
	SourceFile string `json:"source_file,omitempty"`

	HealthStatus     string     `json:"health_status,omitempty"`
	HealthCheckedAt  *time.Time `json:"health_checked_at,omitempty"`
	HealthResponseMS *int64     `json:"health_response_ms,omitempty"`
	HealthError      string     `json:"health_error,omitempty"`
	NextCheckDue     *time.Time `json:"next_check_due,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Health status values for Stream.HealthStatus.
const (
	HealthUnknown = "unknown"
	HealthWorking = "working"
	HealthWarning = "warning"
	HealthFailed  = "failed"
)

// Logo is one channel logo variant.
type Logo struct {
	ChannelID string   `json:"channel_id,omitempty"`
	FeedID    string   `json:"feed,omitempty"`
	URL       string   `json:"url"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`
	Format    string   `json:"format,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Program is one EPG programme row. ChannelID is the XMLTV channel id as
// found in the source; reads translate via the EPG mapping.
type Program struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	Title       string    `json:"title"`
	SubTitle    string    `json:"sub_title,omitempty"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
	Category    string    `json:"category,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	Rating      string    `json:"rating,omitempty"`
}

// Category is one catalog category with its channel count.
type Category struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ChannelCount int    `json:"channel_count"`
}

// Country is one catalog country with its channel count.
type Country struct {
	Code         string   `json:"code"`
	Name         string   `json:"name"`
	Languages    []string `json:"languages,omitempty"`
	Flag         string   `json:"flag,omitempty"`
	ChannelCount int      `json:"channel_count"`
}

// Provider is a stream provider derived from M3U imports.
type Provider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	StreamCount int    `json:"stream_count"`
}

// HealthUpdate is one recent probe result for UI polling.
type HealthUpdate struct {
	ID               string     `json:"id"`
	ChannelID        string     `json:"channel_id,omitempty"`
	HealthStatus     string     `json:"health_status"`
	HealthError      string     `json:"health_error,omitempty"`
	HealthCheckedAt  *time.Time `json:"health_checked_at,omitempty"`
	HealthResponseMS *int64     `json:"health_response_ms,omitempty"`
}

// NowPlaying is the current programme for one channel.
type NowPlaying struct {
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
}

// WatchEvent is one watch-history row.
type WatchEvent struct {
	ChannelID       string    `json:"channel_id"`
	StreamID        string    `json:"stream_id,omitempty"`
	WatchedAt       time.Time `json:"watched_at"`
	DurationSeconds int       `json:"duration_seconds"`
}

// PopularChannel aggregates watch events per channel.
type PopularChannel struct {
	ChannelID string `json:"channel_id"`
	ViewCount int    `json:"view_count"`
}

// ChannelFilter selects channels for GetChannels. PlayableOnly defaults to
// true at the API layer; here it is explicit.
type ChannelFilter struct {
	Country      string
	Category     string
	Provider     string
	Search       string
	PlayableOnly bool
	Page         int
	PerPage      int
}
