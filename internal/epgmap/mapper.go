// Package epgmap resolves XMLTV channel ids (e.g. "ABC.us@East",
// "KACVDT1.us@SD") to catalog channel ids (e.g. "ABC.us", "KACV.us").
//
// Strategies, first hit wins:
//
//  1. Direct equality.
//  2. Strip the @feed suffix, retry equality.
//  3. Normalised-name index lookup (catalog names, alt names, and id
//     prefixes vs the XMLTV channel part).
//  4. Strip a trailing DT\d?/HD/SD subchannel marker, retry equality.
//  5. Optional fuzzy similarity over the name index, with a country boost.
package epgmap

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tvgate/tvgate/internal/log"
	"github.com/tvgate/tvgate/internal/store"
)

// Thresholds for the fuzzy tier. Batch runs use the stricter one since a bad
// mapping poisons every EPG read for that channel.
const (
	FuzzyThreshold      = 0.75
	FuzzyThresholdBatch = 0.8
)

// countryBoost is added when a fuzzy candidate's id carries the XMLTV id's
// country suffix.
const countryBoost = 0.10

var (
	qualitySuffixRe = regexp.MustCompile(`(?i)\s*(hd|sd|4k|fhd|uhd|\d+p)\s*$`)
	nonAlnumRe      = regexp.MustCompile(`[^a-z0-9]`)
	subchannelRe    = regexp.MustCompile(`(?i)(DT\d?|HD|SD)$`)
)

// Mapper holds the in-memory catalog indices. Build once via Load; the
// catalog changes only on sync.
type Mapper struct {
	store     *store.Store
	channels  map[string]struct{} // catalog channel ids
	nameIndex map[string]string   // normalised name → channel id
}

// New creates an empty mapper bound to the store. Call Load before mapping.
func New(st *store.Store) *Mapper {
	return &Mapper{
		store:     st,
		channels:  map[string]struct{}{},
		nameIndex: map[string]string{},
	}
}

// Load pulls all catalog channels and rebuilds the lookup indices.
func (m *Mapper) Load(ctx context.Context) error {
	channels, err := m.store.GetAllChannels(ctx)
	if err != nil {
		return fmt.Errorf("epgmap: load channels: %w", err)
	}
	m.channels = make(map[string]struct{}, len(channels))
	m.nameIndex = make(map[string]string, len(channels)*2)
	for _, ch := range channels {
		m.channels[ch.ID] = struct{}{}
		names := append([]string{ch.Name}, ch.AltNames...)
		// The id prefix before the first "." doubles as an alt name
		// ("KACV.us" → "kacv").
		if prefix, _, ok := strings.Cut(ch.ID, "."); ok {
			names = append(names, prefix)
		}
		for _, n := range names {
			key := NormalizeName(n)
			if key == "" {
				continue
			}
			if _, taken := m.nameIndex[key]; !taken {
				m.nameIndex[key] = ch.ID // first seen wins on collisions
			}
		}
	}
	return nil
}

// NormalizeName lowercases, strips trailing quality tokens, and removes
// non-alphanumerics so "KACV HD" and "kacv" compare equal.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	name = qualitySuffixRe.ReplaceAllString(name, "")
	return nonAlnumRe.ReplaceAllString(name, "")
}

// MapChannelID resolves one XMLTV channel id. fuzzy enables the similarity
// tier with the given threshold. Returns ("", false) when nothing resolves.
func (m *Mapper) MapChannelID(epgID string, fuzzy bool, threshold float64) (string, bool) {
	if epgID == "" {
		return "", false
	}

	// 1. Direct.
	if _, ok := m.channels[epgID]; ok {
		return epgID, true
	}

	// 2. Without the feed suffix.
	base := epgID
	if i := strings.Index(base, "@"); i >= 0 {
		base = base[:i]
	}
	if _, ok := m.channels[base]; ok {
		return base, true
	}

	channelPart, country, _ := strings.Cut(base, ".")

	// 3. Normalised-name index.
	if key := NormalizeName(channelPart); key != "" {
		if id, ok := m.nameIndex[key]; ok {
			return id, true
		}
	}

	// 4. Trailing subchannel marker ("KACVDT1" → "KACV").
	if stripped := subchannelRe.ReplaceAllString(channelPart, ""); stripped != "" && stripped != channelPart {
		candidate := stripped
		if country != "" {
			candidate += "." + country
		}
		if _, ok := m.channels[candidate]; ok {
			return candidate, true
		}
		if key := NormalizeName(stripped); key != "" {
			if id, ok := m.nameIndex[key]; ok {
				return id, true
			}
		}
	}

	// 5. Fuzzy over the name index.
	if fuzzy {
		if id, ok := m.fuzzyMatch(channelPart, country, threshold); ok {
			return id, true
		}
	}
	return "", false
}

// fuzzyMatch scores every indexed name against the normalised channel part.
// Candidates sharing the XMLTV country get a boost; the highest score above
// threshold wins, ties resolved by first seen.
func (m *Mapper) fuzzyMatch(channelPart, country string, threshold float64) (string, bool) {
	normalized := NormalizeName(channelPart)
	if normalized == "" {
		return "", false
	}
	countrySuffix := ""
	if country != "" {
		countrySuffix = "." + strings.ToLower(country)
	}

	// Sorted iteration keeps tie-breaking deterministic (first seen wins).
	keys := make([]string, 0, len(m.nameIndex))
	for key := range m.nameIndex {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	bestID := ""
	bestScore := 0.0
	for _, key := range keys {
		id := m.nameIndex[key]
		score := SequenceRatio(normalized, key)
		if countrySuffix != "" && strings.Contains(strings.ToLower(id), countrySuffix) {
			score += countryBoost
		}
		if score > bestScore {
			bestScore = score
			bestID = id
		}
	}
	if bestScore >= threshold && bestID != "" {
		return bestID, true
	}
	return "", false
}

// BatchResult summarises a BatchMap run.
type BatchResult struct {
	Total          int      `json:"total"`
	Mapped         int      `json:"mapped"`
	FuzzyMatched   int      `json:"fuzzy_matched"`
	Unmapped       int      `json:"unmapped"`
	MappingRate    string   `json:"mapping_rate"`
	SampleUnmapped []string `json:"sample_unmapped"`
}

// BatchMap maps every distinct XMLTV channel id present in the programmes
// table and stores the resulting dictionary atomically.
func (m *Mapper) BatchMap(ctx context.Context) (*BatchResult, error) {
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	epgIDs, err := m.store.GetUniqueEPGChannels(ctx)
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent("epgmap")
	res := &BatchResult{Total: len(epgIDs), SampleUnmapped: []string{}}
	mappings := map[string]string{}
	for _, epgID := range epgIDs {
		// Deterministic tiers first so we can count fuzzy hits separately.
		if id, ok := m.MapChannelID(epgID, false, 0); ok {
			mappings[epgID] = id
			res.Mapped++
			continue
		}
		if id, ok := m.MapChannelID(epgID, true, FuzzyThresholdBatch); ok {
			mappings[epgID] = id
			res.Mapped++
			res.FuzzyMatched++
			continue
		}
		res.Unmapped++
		if len(res.SampleUnmapped) < 10 {
			res.SampleUnmapped = append(res.SampleUnmapped, epgID)
		}
	}

	if err := m.store.StoreEPGMappings(ctx, mappings); err != nil {
		return nil, err
	}
	rate := 0.0
	if res.Total > 0 {
		rate = float64(res.Mapped) / float64(res.Total) * 100
	}
	res.MappingRate = fmt.Sprintf("%.1f%%", rate)
	logger.Info().Int("total", res.Total).Int("mapped", res.Mapped).
		Int("fuzzy", res.FuzzyMatched).Str("rate", res.MappingRate).
		Msg("EPG channel mapping complete")
	return res, nil
}
