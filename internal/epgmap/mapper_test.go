package epgmap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tvgate/tvgate/internal/store"
)

func testMapper(t *testing.T, channels []store.Channel) (*Mapper, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.UpsertChannels(ctx, channels); err != nil {
		t.Fatal(err)
	}
	m := New(st)
	if err := m.Load(ctx); err != nil {
		t.Fatal(err)
	}
	return m, st
}

func TestMapChannelIDStrategies(t *testing.T) {
	m, _ := testMapper(t, []store.Channel{
		{ID: "ABC.us", Name: "ABC", Country: "US"},
		{ID: "KACV.us", Name: "KACV", Country: "US"},
		{ID: "BBCNews.uk", Name: "BBC News", Country: "GB"},
	})

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"ABC.us", "ABC.us", true},           // direct
		{"ABC.us@East", "ABC.us", true},      // feed stripped
		{"BBCNEWS.uk", "BBCNews.uk", true},   // normalised name index
		{"KACVDT1.us@SD", "KACV.us", true},   // subchannel marker stripped
		{"KACVHD.us", "KACV.us", true},       // HD marker stripped
		{"UnknownXYZ.zz", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := m.MapChannelID(c.in, false, 0)
		if got != c.want || ok != c.ok {
			t.Errorf("MapChannelID(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestMapChannelIDFuzzy(t *testing.T) {
	m, _ := testMapper(t, []store.Channel{
		{ID: "CNNInternational.us", Name: "CNN International", Country: "US"},
		{ID: "Totally.fr", Name: "Totally Different", Country: "FR"},
	})

	// Close but not exact: fuzzy should find it, deterministic tiers not.
	if _, ok := m.MapChannelID("CNNInternationl.us", false, 0); ok {
		t.Fatal("deterministic tiers matched a misspelled id")
	}
	got, ok := m.MapChannelID("CNNInternationl.us", true, FuzzyThreshold)
	if !ok || got != "CNNInternational.us" {
		t.Errorf("fuzzy = (%q, %v), want CNNInternational.us", got, ok)
	}

	// Nothing similar stays unmapped even with fuzzy on.
	if _, ok := m.MapChannelID("Zebra.zz", true, FuzzyThreshold); ok {
		t.Error("fuzzy matched an unrelated id")
	}
}

func TestFuzzyCountryBoostPrefersSameCountry(t *testing.T) {
	m, _ := testMapper(t, []store.Channel{
		{ID: "Sportsnet.ca", Name: "Sportsnet", Country: "CA"},
		{ID: "Sportsnet1.us", Name: "Sportsnet One", Country: "US"},
	})

	got, ok := m.MapChannelID("Sportsnets.ca", true, FuzzyThreshold)
	if !ok || got != "Sportsnet.ca" {
		t.Errorf("boosted fuzzy = (%q, %v), want Sportsnet.ca", got, ok)
	}
}

func TestDirectBeatsFuzzy(t *testing.T) {
	m, _ := testMapper(t, []store.Channel{
		{ID: "ABC.us", Name: "ABC", Country: "US"},
		{ID: "ABCNews.us", Name: "ABC News", Country: "US"},
	})
	got, ok := m.MapChannelID("ABC.us", true, FuzzyThreshold)
	if !ok || got != "ABC.us" {
		t.Errorf("got (%q, %v), want direct match ABC.us", got, ok)
	}
}

func TestBatchMap(t *testing.T) {
	m, st := testMapper(t, []store.Channel{
		{ID: "ABC.us", Name: "ABC", Country: "US"},
		{ID: "KACV.us", Name: "KACV", Country: "US"},
	})
	ctx := context.Background()

	now := time.Now().UTC()
	programs := []store.Program{
		{ID: "p1", ChannelID: "ABC.us@East", Title: "T", Start: now, Stop: now.Add(time.Hour)},
		{ID: "p2", ChannelID: "KACVDT1.us@SD", Title: "T", Start: now, Stop: now.Add(time.Hour)},
		{ID: "p3", ChannelID: "Mystery.zz", Title: "T", Start: now, Stop: now.Add(time.Hour)},
	}
	if err := st.StoreEPGPrograms(ctx, programs); err != nil {
		t.Fatal(err)
	}

	res, err := m.BatchMap(ctx)
	if err != nil {
		t.Fatalf("BatchMap: %v", err)
	}
	if res.Total != 3 || res.Mapped != 2 || res.Unmapped != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(res.SampleUnmapped) != 1 || res.SampleUnmapped[0] != "Mystery.zz" {
		t.Errorf("sample unmapped = %v", res.SampleUnmapped)
	}

	mappings, err := st.GetEPGMappings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mappings["ABC.us@East"] != "ABC.us" || mappings["KACVDT1.us@SD"] != "KACV.us" {
		t.Errorf("mappings = %v", mappings)
	}
}

func TestNormalizeName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"ABC HD", "abc"},
		{"KACV 1080p", "kacv"},
		{"BBC News", "bbcnews"},
		{"CNN", "cnn"},
		{"  ", ""},
	}
	for _, c := range cases {
		if got := NormalizeName(c.in); got != c.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSequenceRatio(t *testing.T) {
	if got := SequenceRatio("abc", "abc"); got != 1 {
		t.Errorf("identical ratio = %v, want 1", got)
	}
	if got := SequenceRatio("abc", "xyz"); got != 0 {
		t.Errorf("disjoint ratio = %v, want 0", got)
	}
	// difflib: SequenceMatcher(None, "abcd", "bcde").ratio() == 0.75
	if got := SequenceRatio("abcd", "bcde"); got != 0.75 {
		t.Errorf("ratio = %v, want 0.75", got)
	}
	if SequenceRatio("", "") != 1 || SequenceRatio("a", "") != 0 {
		t.Error("empty-string edge cases wrong")
	}
}
