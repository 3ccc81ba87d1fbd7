package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	// A second migration over an initialised database must be a no-op.
	if err := s.migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestUpsertChannelsIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []Channel{
		{ID: "abc.us", Name: "ABC", Country: "US", Categories: []string{"news"}},
		{ID: "kacv.us", Name: "KACV", Country: "US"},
	}
	if err := s.UpsertChannels(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertChannels(ctx, batch); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	channels, total, err := s.GetChannels(ctx, ChannelFilter{PlayableOnly: false, Page: 1, PerPage: 10})
	if err != nil {
		t.Fatalf("GetChannels: %v", err)
	}
	if total != 2 || len(channels) != 2 {
		t.Fatalf("total = %d, rows = %d, want 2/2", total, len(channels))
	}

	// A later batch mentioning only one channel preserves the other.
	if err := s.UpsertChannels(ctx, []Channel{{ID: "abc.us", Name: "ABC East", Country: "US"}}); err != nil {
		t.Fatalf("partial upsert: %v", err)
	}
	ch, err := s.GetChannelByID(ctx, "kacv.us")
	if err != nil || ch == nil {
		t.Fatalf("kacv.us missing after partial upsert (err=%v)", err)
	}
	ch, err = s.GetChannelByID(ctx, "abc.us")
	if err != nil || ch == nil {
		t.Fatalf("abc.us: %v", err)
	}
	if ch.Name != "ABC East" {
		t.Errorf("name = %q, want ABC East", ch.Name)
	}
}

func TestStreamIDIsStable(t *testing.T) {
	a := StreamID("http://x/1.m3u8", "abc.us")
	b := StreamID("http://x/1.m3u8", "abc.us")
	if a != b {
		t.Fatalf("ids differ: %s vs %s", a, b)
	}
	if len(a) != 12 {
		t.Fatalf("id length = %d, want 12", len(a))
	}
	if a == StreamID("http://x/2.m3u8", "abc.us") {
		t.Error("different urls produced the same id")
	}
}

func TestUpsertStreamsNeverDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	streams := []Stream{{ChannelID: "abc.us", URL: "http://x/1.m3u8"}}
	for i := 0; i < 3; i++ {
		if err := s.UpsertStreams(ctx, streams); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	total, _, err := s.GetStreamStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if total != 1 {
		t.Errorf("total streams = %d, want 1", total)
	}
}

func TestUpsertStreamsPreservesHealthColumns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := Stream{ChannelID: "abc.us", URL: "http://x/1.m3u8"}
	if err := s.UpsertStreams(ctx, []Stream{st}); err != nil {
		t.Fatal(err)
	}
	id := StreamID(st.URL, st.ChannelID)
	ms := int64(120)
	if err := s.UpdateStreamHealth(ctx, id, HealthWorking, &ms, "", nil); err != nil {
		t.Fatal(err)
	}

	// Re-import the same stream; health fields must survive.
	if err := s.UpsertStreams(ctx, []Stream{st}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetStreamByID(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("GetStreamByID: %v", err)
	}
	if got.HealthStatus != HealthWorking {
		t.Errorf("health status = %q, want working", got.HealthStatus)
	}
	if got.HealthResponseMS == nil || *got.HealthResponseMS != 120 {
		t.Errorf("response ms = %v, want 120", got.HealthResponseMS)
	}
}

func TestRecomputeAndPlayableFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	channels := []Channel{
		{ID: "ch1", Name: "One", Country: "US"},
		{ID: "ch2", Name: "Two", Country: "GB"},
		{ID: "ch3", Name: "Three", Country: "CA"},
	}
	if err := s.UpsertChannels(ctx, channels); err != nil {
		t.Fatal(err)
	}
	streams := []Stream{
		{ChannelID: "ch1", URL: "http://a"},
		{ChannelID: "ch2", URL: "http://b"},
	}
	if err := s.UpsertStreams(ctx, streams); err != nil {
		t.Fatal(err)
	}

	playable, total, err := s.RecomputeChannelStreamCounts(ctx)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if playable != 2 || total != 3 {
		t.Errorf("playable/total = %d/%d, want 2/3", playable, total)
	}

	rows, count, err := s.GetChannels(ctx, ChannelFilter{PlayableOnly: true, Page: 1, PerPage: 10})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("playable count = %d, want 2", count)
	}
	got := map[string]bool{}
	for _, ch := range rows {
		got[ch.ID] = true
		if !ch.HasStreams || ch.StreamCount != 1 {
			t.Errorf("channel %s has_streams=%v count=%d, want true/1", ch.ID, ch.HasStreams, ch.StreamCount)
		}
		if len(ch.Streams) != 1 {
			t.Errorf("channel %s hydrated streams = %d, want 1", ch.ID, len(ch.Streams))
		}
	}
	if !got["ch1"] || !got["ch2"] || got["ch3"] {
		t.Errorf("playable set = %v, want {ch1, ch2}", got)
	}
}

func TestGetChannelsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	channels := []Channel{
		{ID: "news.us", Name: "US News", Country: "US", Categories: []string{"news"}},
		{ID: "sport.us", Name: "US Sport", Country: "US", Categories: []string{"sports"}},
		{ID: "news.uk", Name: "UK News", AltNames: []string{"British News"}, Country: "GB", Categories: []string{"news"}},
		{ID: "closed.us", Name: "Gone", Country: "US", Closed: "2020-01-01"},
	}
	if err := s.UpsertChannels(ctx, channels); err != nil {
		t.Fatal(err)
	}
	streams := []Stream{
		{ChannelID: "news.us", URL: "http://a", Provider: "pluto"},
		{ChannelID: "sport.us", URL: "http://b", Provider: "roku"},
		{ChannelID: "news.uk", URL: "http://c"},
		{ChannelID: "closed.us", URL: "http://d"},
	}
	if err := s.UpsertStreams(ctx, streams); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.RecomputeChannelStreamCounts(ctx); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		filter ChannelFilter
		want   []string
	}{
		{"country", ChannelFilter{Country: "us", PlayableOnly: true}, []string{"news.us", "sport.us"}},
		{"category", ChannelFilter{Category: "news", PlayableOnly: true}, []string{"news.uk", "news.us"}},
		{"provider", ChannelFilter{Provider: "pluto", PlayableOnly: true}, []string{"news.us"}},
		{"search name", ChannelFilter{Search: "Sport", PlayableOnly: true}, []string{"sport.us"}},
		{"search alt name", ChannelFilter{Search: "British", PlayableOnly: true}, []string{"news.uk"}},
		{"closed excluded", ChannelFilter{Country: "US", PlayableOnly: false}, []string{"news.us", "sport.us"}},
	}
	for _, c := range cases {
		rows, _, err := s.GetChannels(ctx, c.filter)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		var ids []string
		for _, ch := range rows {
			ids = append(ids, ch.ID)
		}
		if len(ids) != len(c.want) {
			t.Errorf("%s: got %v, want %v", c.name, ids, c.want)
			continue
		}
		for i := range ids {
			if ids[i] != c.want[i] {
				t.Errorf("%s: got %v, want %v", c.name, ids, c.want)
				break
			}
		}
	}
}

func TestUncheckedStreamsRespectsNextCheckDue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertStreams(ctx, []Stream{
		{ChannelID: "a", URL: "http://a"},
		{ChannelID: "b", URL: "http://b"},
	}); err != nil {
		t.Fatal(err)
	}

	// Both never checked: both due, NULLs first.
	due, err := s.GetUncheckedStreams(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}

	// Mark one working with a 6h next check: no longer due.
	next := time.Now().UTC().Add(6 * time.Hour)
	if err := s.UpdateStreamHealth(ctx, due[0].ID, HealthWorking, nil, "", &next); err != nil {
		t.Fatal(err)
	}
	due, err = s.GetUncheckedStreams(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("due after check = %d, want 1", len(due))
	}

	// A past next_check_due makes it due again once the recheck floor allows.
	past := time.Now().UTC().Add(-time.Minute)
	if err := s.UpdateStreamHealth(ctx, due[0].ID, HealthFailed, nil, "Timeout", &past); err != nil {
		t.Fatal(err)
	}
	due, err = s.GetUncheckedStreams(ctx, 10, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("due after failed check = %d, want 1", len(due))
	}

	// The floor alone gates a freshly checked stream even when its
	// next_check_due has passed.
	due, err = s.GetUncheckedStreams(ctx, 10, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("due within floor = %d, want 0", len(due))
	}
}

func TestHealthStatsAndRecentUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertStreams(ctx, []Stream{
		{ChannelID: "a", URL: "http://a"},
		{ChannelID: "b", URL: "http://b"},
		{ChannelID: "c", URL: "http://c"},
	}); err != nil {
		t.Fatal(err)
	}
	ids := []string{StreamID("http://a", "a"), StreamID("http://b", "b")}
	if err := s.UpdateStreamHealth(ctx, ids[0], HealthWorking, nil, "", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStreamHealth(ctx, ids[1], HealthFailed, nil, "Timeout", nil); err != nil {
		t.Fatal(err)
	}

	stats, err := s.GetHealthStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[HealthWorking] != 1 || stats[HealthFailed] != 1 || stats[HealthUnknown] != 1 {
		t.Errorf("stats = %v", stats)
	}

	updates, err := s.GetRecentHealthUpdates(ctx, 60)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 2 {
		t.Errorf("recent updates = %d, want 2", len(updates))
	}
}

func TestKVExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetJSON(ctx, "langs", []string{"en", "de"}, time.Hour); err != nil {
		t.Fatal(err)
	}
	var langs []string
	ok, err := s.GetJSON(ctx, "langs", &langs)
	if err != nil || !ok {
		t.Fatalf("GetJSON: ok=%v err=%v", ok, err)
	}
	if len(langs) != 2 {
		t.Errorf("langs = %v", langs)
	}

	// Expired entries are invisible to reads and removed by ClearExpired.
	if err := s.SetJSON(ctx, "stale", "x", -time.Minute); err != nil {
		t.Fatal(err)
	}
	var v string
	ok, err = s.GetJSON(ctx, "stale", &v)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expired entry was returned")
	}
	n, err := s.ClearExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleared = %d, want 1", n)
	}
}
