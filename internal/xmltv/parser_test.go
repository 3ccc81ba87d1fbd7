package xmltv

import (
	"strings"
	"testing"
	"time"
)

const sampleGuide = `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="ABC.us@East">
    <display-name>ABC East</display-name>
  </channel>
  <programme start="20260101120000 +0000" stop="20260101130000 +0000" channel="ABC.us@East">
    <title>Lunch News</title>
    <sub-title>Midday Edition</sub-title>
    <desc>Headlines at noon.</desc>
    <category>News</category>
    <icon src="http://img/x.png"/>
  </programme>
  <programme start="20260101140000 +0200" stop="20260101150000 +0200" channel="ABC.us@East">
    <title>Offset Show</title>
  </programme>
  <programme start="20260101160000" stop="20260101170000" channel="ABC.us@East">
  </programme>
  <programme start="20260101180000" stop="20260101180000" channel="ABC.us@East">
    <title>Zero Length</title>
  </programme>
  <programme start="garbage" stop="20260101190000" channel="ABC.us@East">
    <title>Bad Date</title>
  </programme>
</tv>`

func TestParse(t *testing.T) {
	res, err := Parse(strings.NewReader(sampleGuide))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Channels) != 1 || res.Channels[0].Name != "ABC East" {
		t.Errorf("channels = %+v", res.Channels)
	}
	// Zero-length and unparseable programmes are skipped.
	if len(res.Programs) != 3 {
		t.Fatalf("programs = %d, want 3", len(res.Programs))
	}

	first := res.Programs[0]
	if first.Title != "Lunch News" || first.SubTitle != "Midday Edition" {
		t.Errorf("title/subtitle = %q/%q", first.Title, first.SubTitle)
	}
	if first.Category != "News" || first.Icon != "http://img/x.png" {
		t.Errorf("category/icon = %q/%q", first.Category, first.Icon)
	}
	if len(first.ID) != 16 {
		t.Errorf("id = %q, want 16 hex chars", first.ID)
	}
	want := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if !first.Start.Equal(want) {
		t.Errorf("start = %s, want %s", first.Start, want)
	}

	// +0200 offsets convert to UTC.
	offset := res.Programs[1]
	wantOffset := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if !offset.Start.Equal(wantOffset) {
		t.Errorf("offset start = %s, want %s", offset.Start, wantOffset)
	}

	// A programme without a title defaults to "Unknown".
	if res.Programs[2].Title != "Unknown" {
		t.Errorf("missing title = %q, want Unknown", res.Programs[2].Title)
	}
}

func TestParseTime(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"20251212040000 +0000", time.Date(2025, 12, 12, 4, 0, 0, 0, time.UTC), false},
		{"20251212040000 -0500", time.Date(2025, 12, 12, 9, 0, 0, 0, time.UTC), false},
		{"20251212040000", time.Date(2025, 12, 12, 4, 0, 0, 0, time.UTC), false},
		{"not-a-time", time.Time{}, true},
	}
	for _, c := range cases {
		got, err := ParseTime(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseTime(%q) err = %v", c.in, err)
			continue
		}
		if !c.wantErr && !got.Equal(c.want) {
			t.Errorf("ParseTime(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestProgramIDStable(t *testing.T) {
	a, err := Parse(strings.NewReader(sampleGuide))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse(strings.NewReader(sampleGuide))
	if err != nil {
		t.Fatal(err)
	}
	if a.Programs[0].ID != b.Programs[0].ID {
		t.Errorf("program ids differ across parses")
	}
}
