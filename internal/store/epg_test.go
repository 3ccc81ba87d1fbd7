package store

import (
	"context"
	"testing"
	"time"
)

func TestEPGReadsFollowReverseMapping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	programs := []Program{
		{
			ID:        "p1",
			ChannelID: "ABC.us@East", // stored under the XMLTV id
			Title:     "Morning Show",
			Start:     now.Add(-time.Hour),
			Stop:      now.Add(time.Hour),
		},
		{
			ID:        "p2",
			ChannelID: "ABC.us@East",
			Title:     "Afternoon Show",
			Start:     now.Add(time.Hour),
			Stop:      now.Add(2 * time.Hour),
		},
	}
	if err := s.StoreEPGPrograms(ctx, programs); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreEPGMappings(ctx, map[string]string{"ABC.us@East": "ABC.us"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEPGForChannel(ctx, "ABC.us", 24)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("programs = %d, want 2", len(got))
	}
	for _, p := range got {
		if p.ChannelID != "ABC.us" {
			t.Errorf("channel id = %q, want catalog id ABC.us", p.ChannelID)
		}
	}

	np, err := s.GetNowPlayingForChannels(ctx, []string{"ABC.us", "none.zz"})
	if err != nil {
		t.Fatal(err)
	}
	cur, ok := np["ABC.us"]
	if !ok {
		t.Fatal("no current programme for ABC.us")
	}
	if cur.Title != "Morning Show" {
		t.Errorf("current title = %q, want Morning Show", cur.Title)
	}
	if _, ok := np["none.zz"]; ok {
		t.Error("unexpected programme for unmapped channel")
	}
}

func TestStoreEPGProgramsUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	p := Program{ID: "p1", ChannelID: "x", Title: "Old", Start: now, Stop: now.Add(time.Hour)}
	if err := s.StoreEPGPrograms(ctx, []Program{p}); err != nil {
		t.Fatal(err)
	}
	p.Title = "New"
	p.SubTitle = "Episode 2"
	if err := s.StoreEPGPrograms(ctx, []Program{p}); err != nil {
		t.Fatal(err)
	}

	total, channels, err := s.GetEPGStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || channels != 1 {
		t.Errorf("stats = %d/%d, want 1/1", total, channels)
	}

	progs, err := s.GetEPGForChannel(ctx, "x", 24)
	if err != nil {
		t.Fatal(err)
	}
	if len(progs) != 1 || progs[0].Title != "New" || progs[0].SubTitle != "Episode 2" {
		t.Errorf("programs = %+v", progs)
	}
}

func TestClearEPG(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.StoreEPGPrograms(ctx, []Program{
		{ID: "p1", ChannelID: "x", Title: "T", Start: now, Stop: now.Add(time.Hour)},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearEPG(ctx); err != nil {
		t.Fatal(err)
	}
	total, _, err := s.GetEPGStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("programs after clear = %d, want 0", total)
	}
}

func TestUniqueEPGChannels(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.StoreEPGPrograms(ctx, []Program{
		{ID: "p1", ChannelID: "a", Title: "T", Start: now, Stop: now.Add(time.Hour)},
		{ID: "p2", ChannelID: "a", Title: "T", Start: now.Add(time.Hour), Stop: now.Add(2 * time.Hour)},
		{ID: "p3", ChannelID: "b", Title: "T", Start: now, Stop: now.Add(time.Hour)},
	}); err != nil {
		t.Fatal(err)
	}
	ids, err := s.GetUniqueEPGChannels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("unique channels = %v, want 2", ids)
	}
}
