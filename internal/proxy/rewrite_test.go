package proxy

import (
	"strings"
	"testing"
)

func TestRewriteManifestBasic(t *testing.T) {
	manifest := "#EXTM3U\n#EXTINF:4,\nsegment0.ts"
	got := RewriteManifest(manifest, "http://ex.com/live/stream.m3u8", "s", "http://api.local")

	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	if lines[0] != "#EXTM3U" || lines[1] != "#EXTINF:4," {
		t.Errorf("comment lines changed: %q, %q", lines[0], lines[1])
	}
	want := "http://api.local/api/streams/s/segment/" + EncodeSegmentURL("http://ex.com/live/segment0.ts")
	if lines[2] != want {
		t.Errorf("segment line = %q, want %q", lines[2], want)
	}
}

func TestRewriteManifestRoundTrip(t *testing.T) {
	manifest := strings.Join([]string{
		"#EXTM3U",
		"",
		"#EXT-X-STREAM-INF:BANDWIDTH=1280000",
		"low/index.m3u8",
		"#EXT-X-STREAM-INF:BANDWIDTH=2560000",
		"http://other.cdn/high/index.m3u8",
	}, "\n")
	got := RewriteManifest(manifest, "http://ex.com/live/master.m3u8", "abc", "http://api.local")

	lines := strings.Split(got, "\n")
	if len(lines) != 6 {
		t.Fatalf("line count changed: %d", len(lines))
	}
	if lines[1] != "" {
		t.Error("blank line not preserved")
	}

	// Every non-comment line decodes back to the absolute origin URL.
	wantOrigins := map[int]string{
		3: "http://ex.com/live/low/index.m3u8",
		5: "http://other.cdn/high/index.m3u8",
	}
	for i, wantOrigin := range wantOrigins {
		line := lines[i]
		prefix := "http://api.local/api/streams/abc/segment/"
		if !strings.HasPrefix(line, prefix) {
			t.Fatalf("line %d = %q", i, line)
		}
		decoded, err := DecodeSegmentURL(strings.TrimPrefix(line, prefix))
		if err != nil {
			t.Fatalf("decode line %d: %v", i, err)
		}
		if decoded != wantOrigin {
			t.Errorf("line %d decodes to %q, want %q", i, decoded, wantOrigin)
		}
	}
}

func TestRewriteManifestURIAttribute(t *testing.T) {
	manifest := `#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x1234`
	got := RewriteManifest(manifest, "http://ex.com/live/stream.m3u8", "s", "http://api.local")

	if !strings.HasPrefix(got, `#EXT-X-KEY:METHOD=AES-128,URI="http://api.local/api/streams/s/segment/`) {
		t.Fatalf("got %q", got)
	}
	if !strings.HasSuffix(got, `,IV=0x1234`) {
		t.Errorf("trailing attributes lost: %q", got)
	}

	start := strings.Index(got, `URI="`) + len(`URI="`)
	end := strings.Index(got[start:], `"`) + start
	decoded, err := DecodeSegmentURL(got[start:end][strings.LastIndex(got[start:end], "/")+1:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != "http://ex.com/live/key.bin" {
		t.Errorf("key uri = %q", decoded)
	}
}

func TestRewriteManifestRelativeParent(t *testing.T) {
	manifest := "../shared/seg1.ts"
	got := RewriteManifest(manifest, "http://ex.com/live/hd/stream.m3u8", "s", "http://api.local")
	decoded, err := DecodeSegmentURL(strings.TrimPrefix(got, "http://api.local/api/streams/s/segment/"))
	if err != nil {
		t.Fatal(err)
	}
	if decoded != "http://ex.com/live/shared/seg1.ts" {
		t.Errorf("resolved = %q", decoded)
	}
}

func TestDecodeSegmentURL(t *testing.T) {
	origin := "http://ex.com/live/segment0.ts?auth=abc"
	enc := EncodeSegmentURL(origin)
	dec, err := DecodeSegmentURL(enc)
	if err != nil || dec != origin {
		t.Errorf("round trip = %q, %v", dec, err)
	}
	// Unpadded input decodes too.
	dec, err = DecodeSegmentURL(strings.TrimRight(enc, "="))
	if err != nil || dec != origin {
		t.Errorf("unpadded round trip = %q, %v", dec, err)
	}
	if _, err := DecodeSegmentURL("!!!not-base64!!!"); err == nil {
		t.Error("garbage decoded without error")
	}
}

func TestDispatchFor(t *testing.T) {
	cases := []struct {
		url  string
		want Dispatch
	}{
		{"https://www.youtube.com/watch?v=x", DispatchRedirect},
		{"https://youtu.be/x", DispatchRedirect},
		{"http://cdn/live/manifest.mpd", DispatchTranscode},
		{"http://cdn/vod/movie.mp4", DispatchTranscode},
		{"http://cdn/live/stream.m3u8", DispatchHLS},
		{"http://cdn/live/stream", DispatchHLS},
	}
	for _, c := range cases {
		if got := DispatchFor(c.url); got != c.want {
			t.Errorf("DispatchFor(%q) = %v, want %v", c.url, got, c.want)
		}
	}
}
