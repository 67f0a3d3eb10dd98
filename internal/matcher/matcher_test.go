package matcher

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"torrent_bot/internal/model"
	"torrent_bot/internal/title"
)

func releases(titles ...string) []model.Release {
	out := make([]model.Release, len(titles))
	for i, t := range titles {
		out[i] = model.Release{Title: t, Seeders: 10, Link: "magnet:" + t}
	}
	return out
}

func tvRule(season int) model.Rule {
	return model.Rule{
		ContentType:     model.ContentTVShow,
		NormalizedTitle: "foo.show",
		Season:          season,
		SeasonSet:       true,
		Scope:           model.ScopeRestOfSeason,
	}
}

func TestMatchTVSeasonAndFulfilled(t *testing.T) {
	candidates := Normalize(releases(
		"Foo.Show.S02E01.1080p",
		"Foo.Show.S03E01.1080p",
		"Foo.Show.S03E02.1080p",
		"Other.Show.S03E03.1080p",
		"Foo.Show.Season.Pack",
	))

	rule := tvRule(3)

	got, ok := Match(rule, candidates, nil)
	if !ok {
		t.Fatal("expected a match")
	}
	if got.Release.Title != "Foo.Show.S03E01.1080p" {
		t.Errorf("matched %q, want S03E01", got.Release.Title)
	}

	// With E01 fulfilled the next unfulfilled episode wins.
	fulfilled := FulfilledSet([]string{"S03E01"})
	got, ok = Match(rule, candidates, fulfilled)
	if !ok {
		t.Fatal("expected a match")
	}
	if got.Release.Title != "Foo.Show.S03E02.1080p" {
		t.Errorf("matched %q, want S03E02", got.Release.Title)
	}

	// Fully fulfilled: no match even though the backend still returns
	// the same listings.
	fulfilled = FulfilledSet([]string{"S03E01", "S03E02"})
	if _, ok := Match(rule, candidates, fulfilled); ok {
		t.Error("expected no match once all episodes are fulfilled")
	}
}

func TestMatchFreeleechFilterAndRanking(t *testing.T) {
	rels := []model.Release{
		{Title: "Dune.2024.1080p.GRP-A", Seeders: 100},
		{Title: "Dune.2024.1080p.GRP-B", Seeders: 5, Freeleech: true},
		{Title: "Dune.2024.2160p.GRP-C", Seeders: 50, Freeleech: true},
	}
	candidates := Normalize(rels)

	rule := model.Rule{
		ContentType:     model.ContentMovie,
		NormalizedTitle: "dune",
		FreeleechOnly:   true,
	}

	got, ok := Match(rule, candidates, nil)
	if !ok {
		t.Fatal("expected a match")
	}
	// Freeleech with most seeders wins; the non-freeleech 100-seeder is dropped.
	if got.Release.Title != "Dune.2024.2160p.GRP-C" {
		t.Errorf("matched %q, want GRP-C", got.Release.Title)
	}

	// Without the freeleech constraint, freeleech still ranks above raw
	// seeder count.
	rule.FreeleechOnly = false
	got, _ = Match(rule, candidates, nil)
	if got.Release.Title != "Dune.2024.2160p.GRP-C" {
		t.Errorf("matched %q, want freeleech-first ranking", got.Release.Title)
	}
}

func TestMatchMovieFulfilledOnce(t *testing.T) {
	candidates := Normalize(releases("Dune.2024.1080p"))
	rule := model.Rule{ContentType: model.ContentMovie, NormalizedTitle: "dune"}

	if _, ok := Match(rule, candidates, nil); !ok {
		t.Fatal("expected initial match")
	}
	fulfilled := FulfilledSet([]string{model.MovieEpisodeKey})
	if _, ok := Match(rule, candidates, fulfilled); ok {
		t.Error("fulfilled movie rule must not match again")
	}
}

func TestMatchIsIdempotent(t *testing.T) {
	candidates := Normalize(releases(
		"Foo.Show.S03E01.1080p",
		"Foo.Show.S03E02.1080p",
	))
	rule := tvRule(3)
	fulfilled := FulfilledSet([]string{"S03E01"})

	first, ok1 := Match(rule, candidates, fulfilled)
	second, ok2 := Match(rule, candidates, fulfilled)
	if ok1 != ok2 {
		t.Fatalf("verdicts differ: %v vs %v", ok1, ok2)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("results differ (-first +second):\n%s", diff)
	}
	if len(fulfilled) != 1 {
		t.Errorf("fulfilled set mutated: %v", fulfilled)
	}
}

func TestRankStableTieBreak(t *testing.T) {
	rels := []model.Release{
		{Title: "Foo.Show.S03E01.GRP-A", Seeders: 10},
		{Title: "Foo.Show.S03E01.GRP-B", Seeders: 10},
	}
	ranked := Rank(Normalize(rels), title.Normalize("foo show"), false)
	if len(ranked) != 2 {
		t.Fatalf("ranked = %d, want 2", len(ranked))
	}
	if ranked[0].Release.Title != "Foo.Show.S03E01.GRP-A" {
		t.Errorf("tie broken against first-seen order: %q first", ranked[0].Release.Title)
	}
}
