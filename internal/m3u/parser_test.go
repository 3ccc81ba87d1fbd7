package m3u

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFileExtractsChannelAndFeed(t *testing.T) {
	dir := t.TempDir()
	playlist := strings.Join([]string{
		`#EXTM3U`,
		`#EXTINF:-1 tvg-id="ABC.us@East",ABC East`,
		`http://x/1.m3u8`,
		`#EXTINF:-1 tvg-id="KACV.us",KACV 1080p`,
		`http://x/2.m3u8`,
		`#EXTINF:-1,No TVG ID 720`,
		`http://x/3.m3u8`,
	}, "\n")
	path := filepath.Join(dir, "us_pluto.m3u")
	if err := os.WriteFile(path, []byte(playlist), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if res.Country != "US" || res.Provider != "pluto" {
		t.Errorf("country/provider = %s/%s, want US/pluto", res.Country, res.Provider)
	}
	if len(res.Streams) != 3 {
		t.Fatalf("streams = %d, want 3", len(res.Streams))
	}

	first := res.Streams[0]
	if first.ChannelID != "ABC.us" || first.FeedID != "East" {
		t.Errorf("channel/feed = %s/%s, want ABC.us/East", first.ChannelID, first.FeedID)
	}
	if first.Quality != "" {
		t.Errorf("quality = %q, want empty", first.Quality)
	}
	if first.URL != "http://x/1.m3u8" {
		t.Errorf("url = %q", first.URL)
	}
	if len(first.ID) != 12 {
		t.Errorf("id = %q, want 12 hex chars", first.ID)
	}

	second := res.Streams[1]
	if second.ChannelID != "KACV.us" || second.FeedID != "" {
		t.Errorf("channel/feed = %s/%s, want KACV.us/-", second.ChannelID, second.FeedID)
	}
	if second.Quality != "1080p" {
		t.Errorf("quality = %q, want 1080p", second.Quality)
	}

	third := res.Streams[2]
	if third.ChannelID != "" {
		t.Errorf("channel = %q, want empty", third.ChannelID)
	}
	if third.Quality != "720p" {
		t.Errorf("quality = %q, want 720p", third.Quality)
	}
}

func TestParseFileStableIDs(t *testing.T) {
	dir := t.TempDir()
	playlist := "#EXTINF:-1 tvg-id=\"A.us\",A\nhttp://x/a.m3u8\n"
	path := filepath.Join(dir, "us.m3u")
	if err := os.WriteFile(path, []byte(playlist), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if a.Streams[0].ID != b.Streams[0].ID {
		t.Errorf("ids differ across parses: %s vs %s", a.Streams[0].ID, b.Streams[0].ID)
	}
}

func TestSplitFilename(t *testing.T) {
	cases := []struct{ in, country, provider string }{
		{"us.m3u", "US", ""},
		{"us_pluto.m3u", "US", "pluto"},
		{"uk_sky_extra.m3u", "UK", "sky_extra"},
	}
	for _, c := range cases {
		country, provider := splitFilename(c.in)
		if country != c.country || provider != c.provider {
			t.Errorf("splitFilename(%q) = %s/%s, want %s/%s", c.in, country, provider, c.country, c.provider)
		}
	}
}

func TestExtractQuality(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Channel 4K", "4K"},
		{"Channel 2160", "4K"},
		{"News 1080", "1080p"},
		{"Sports 720p", "720p"},
		{"Old 480", "480p"},
		{"Tiny 360", "360p"},
		{"Plain Channel", ""},
	}
	for _, c := range cases {
		if got := extractQuality(c.in); got != c.want {
			t.Errorf("extractQuality(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
