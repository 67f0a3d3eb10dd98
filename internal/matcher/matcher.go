// Package matcher implements the rule/candidate matching engine. It is
// pure: given a rule and a set of listings it returns a verdict and
// mutates nothing, so calling it twice with the same inputs yields the
// same result.
package matcher

import (
	"sort"

	"torrent_bot/internal/model"
	"torrent_bot/internal/title"
)

// Candidate pairs a release listing with its normalized form.
type Candidate struct {
	Release    model.Release
	Normalized title.Normalized
}

// Normalize prepares raw listings for matching, preserving first-seen
// order.
func Normalize(releases []model.Release) []Candidate {
	candidates := make([]Candidate, 0, len(releases))
	for _, r := range releases {
		candidates = append(candidates, Candidate{
			Release:    r,
			Normalized: title.Normalize(r.Title),
		})
	}
	return candidates
}

// Match returns the best-qualifying candidate for a rule, or false when
// none qualifies. fulfilled is the rule's already-satisfied episode key
// set. Candidates must contain every rule title token; TV rules
// additionally require the configured season and an episode not yet in
// the fulfilled set; freeleech-only rules drop non-freeleech listings.
// Qualifiers are ranked by (freeleech desc, seeders desc) with stable
// first-seen tie-breaks.
func Match(rule model.Rule, candidates []Candidate, fulfilled map[string]struct{}) (Candidate, bool) {
	want := title.Normalize(rule.NormalizedTitle)

	qualifying := Rank(candidates, want, rule.FreeleechOnly)
	if rule.ContentType == model.ContentTVShow && rule.SeasonSet {
		qualifying = filterEpisodes(qualifying, rule.Season, fulfilled)
	} else {
		// A movie rule fulfills at most once.
		if _, done := fulfilled[model.MovieEpisodeKey]; done {
			return Candidate{}, false
		}
	}

	if len(qualifying) == 0 {
		return Candidate{}, false
	}
	return qualifying[0], true
}

// Rank filters candidates to token-superset matches of want and sorts
// them by (freeleech desc, seeders desc), keeping first-seen order for
// ties. The interactive search path uses it directly, with no season,
// fulfilled-set or freeleech constraints.
func Rank(candidates []Candidate, want title.Normalized, freeleechOnly bool) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if !c.Normalized.ContainsAll(want) {
			continue
		}
		if freeleechOnly && !c.Release.Freeleech {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Release.Freeleech != out[j].Release.Freeleech {
			return out[i].Release.Freeleech
		}
		return out[i].Release.Seeders > out[j].Release.Seeders
	})
	return out
}

func filterEpisodes(candidates []Candidate, season int, fulfilled map[string]struct{}) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if !c.Normalized.HasSeason || c.Normalized.Season != season {
			continue
		}
		key, ok := c.Normalized.EpisodeKey()
		if !ok {
			continue
		}
		if _, done := fulfilled[key]; done {
			continue
		}
		out = append(out, c)
	}
	return out
}

// FulfilledSet converts a key slice into the lookup form Match uses.
func FulfilledSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
