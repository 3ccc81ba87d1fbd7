package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds server + sync + proxy + worker settings.
// Load from env (IPTV_* prefix) and/or a .env file via LoadEnvFile.
type Config struct {
	// Server
	Host        string
	Port        int
	CORSOrigins []string

	// Rate limiting (requests per minute per client IP)
	RateLimitPerMinute       int
	StreamRateLimitPerMinute int

	// Upstream catalog (iptv-org style API root)
	IPTVAPIBase string

	// Cache / EPG
	CacheTTLSeconds int
	EPGCacheDays    int

	// Sync
	SyncIntervalHours int // 0 disables periodic re-sync

	// Storage
	DatabasePath string
	M3UDir       string // optional explicit M3U tree; well-known paths tried otherwise

	// Admin
	AdminAPIKey string

	// Transcoder
	FFmpegPath             string
	TranscodeMaxAgeMinutes int

	// Health worker
	ProbeTimeout time.Duration

	// Sync data from upstream on startup when the channel table is empty.
	SyncOnStart bool

	// Geo bypass: optional per-country SOCKS5 relays, e.g. "uk=socks5://host:1080,es=socks5://host:1081"
	GeoProxies map[string]string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads config from environment. Call LoadEnvFile(".env") before Load()
// to layer a .env file under the real environment.
func Load() *Config {
	c := &Config{
		Host:                     getEnv("IPTV_HOST", "0.0.0.0"),
		Port:                     getEnvInt("IPTV_PORT", 8000),
		CORSOrigins:              getEnvList("IPTV_CORS_ORIGINS", []string{"*"}),
		RateLimitPerMinute:       getEnvInt("IPTV_RATE_LIMIT_PER_MINUTE", 100),
		StreamRateLimitPerMinute: getEnvInt("IPTV_STREAM_RATE_LIMIT_PER_MINUTE", 30),
		IPTVAPIBase:              getEnv("IPTV_API_BASE", "https://iptv-org.github.io/api"),
		CacheTTLSeconds:          getEnvInt("IPTV_CACHE_TTL_SECONDS", 3600),
		EPGCacheDays:             getEnvInt("IPTV_EPG_CACHE_DAYS", 7),
		SyncIntervalHours:        getEnvInt("IPTV_SYNC_INTERVAL_HOURS", 24),
		DatabasePath:             getEnv("IPTV_DATABASE_PATH", "data/iptv_cache.db"),
		M3UDir:                   os.Getenv("IPTV_M3U_DIR"),
		AdminAPIKey:              os.Getenv("IPTV_ADMIN_API_KEY"),
		FFmpegPath:               getEnv("IPTV_FFMPEG_PATH", "ffmpeg"),
		TranscodeMaxAgeMinutes:   getEnvInt("IPTV_TRANSCODE_MAX_AGE_MINUTES", 5),
		ProbeTimeout:             getEnvDuration("IPTV_PROBE_TIMEOUT", 8*time.Second),
		SyncOnStart:              getEnvBool("IPTV_SYNC_ON_START", true),
		GeoProxies:               getEnvMap("IPTV_GEO_PROXIES"),
		LogLevel:                 getEnv("IPTV_LOG_LEVEL", "info"),
		LogFormat:                getEnv("IPTV_LOG_FORMAT", "console"),
	}
	if c.Port <= 0 {
		c.Port = 8000
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 100
	}
	if c.StreamRateLimitPerMinute <= 0 {
		c.StreamRateLimitPerMinute = 30
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 3600
	}
	if c.TranscodeMaxAgeMinutes <= 0 {
		c.TranscodeMaxAgeMinutes = 5
	}
	return c
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// DataDir is the directory holding the database, EPG files, the health
// snapshot, and the transcoder output tree.
func (c *Config) DataDir() string {
	return filepath.Dir(filepath.Clean(c.DatabasePath))
}

// TranscodeDir is the root directory for per-stream HLS remux output.
func (c *Config) TranscodeDir() string {
	return filepath.Join(c.DataDir(), "hls_transcodes")
}

// CacheTTL returns the KV cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList splits a comma-separated env value, trimming blanks.
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// getEnvMap parses "key=value,key=value" env values. Keys are lowercased.
func getEnvMap(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		val = strings.TrimSpace(val)
		if k != "" && val != "" {
			out[k] = val
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
