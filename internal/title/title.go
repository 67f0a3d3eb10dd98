// Package title converts free-text release titles into a comparable
// token form. Dots, underscores and other punctuation are treated as
// equivalent to spaces, so "The.Show.S02E05" and "the show s02e05"
// normalize identically.
package title

import (
	"regexp"
	"strconv"
	"strings"
)

// Normalized is the canonical form of a title.
type Normalized struct {
	Tokens  []string
	Year    int
	Season  int
	Episode int
	// HasSeason/HasEpisode distinguish "season 0" from "no season".
	HasSeason  bool
	HasEpisode bool
}

var (
	separators = regexp.MustCompile(`[\s._\-,:;!?'"()\[\]]+`)
	seasonEp   = regexp.MustCompile(`^s(\d{1,2})e(\d{1,3})$`)
	seasonOnly = regexp.MustCompile(`^s(\d{1,2})$`)
	yearToken  = regexp.MustCompile(`^(19|20)\d{2}$`)
)

// Normalize converts a raw title to its canonical token form. It never
// fails: unparseable season/episode markers simply leave those fields
// unset and remain in the token list as plain text.
func Normalize(raw string) Normalized {
	var n Normalized

	raw = strings.ToLower(raw)
	parts := make([]string, 0, 16)
	for _, p := range separators.Split(raw, -1) {
		if p != "" {
			parts = append(parts, p)
		}
	}
	tokens := make([]string, 0, len(parts))

	for i := 0; i < len(parts); i++ {
		tok := parts[i]

		if m := seasonEp.FindStringSubmatch(tok); m != nil && !n.HasSeason {
			n.Season, _ = strconv.Atoi(m[1])
			n.Episode, _ = strconv.Atoi(m[2])
			n.HasSeason = true
			n.HasEpisode = true
			continue
		}
		if m := seasonOnly.FindStringSubmatch(tok); m != nil && !n.HasSeason {
			n.Season, _ = strconv.Atoi(m[1])
			n.HasSeason = true
			continue
		}
		// "Season 3" spelled out.
		if tok == "season" && i+1 < len(parts) && !n.HasSeason {
			if v, err := strconv.Atoi(parts[i+1]); err == nil && v >= 0 && v < 100 {
				n.Season = v
				n.HasSeason = true
				i++
				continue
			}
		}
		if tok == "episode" && i+1 < len(parts) && !n.HasEpisode {
			if v, err := strconv.Atoi(parts[i+1]); err == nil && v > 0 && v < 1000 {
				n.Episode = v
				n.HasEpisode = true
				i++
				continue
			}
		}
		// The first year-looking token populates Year but stays in
		// the token list, so a title that is itself a year ("2012")
		// still matches release names.
		if yearToken.MatchString(tok) && n.Year == 0 {
			n.Year, _ = strconv.Atoi(tok)
		}

		tokens = append(tokens, tok)
	}

	n.Tokens = tokens
	return n
}

// Key returns the dot-joined token form used for equality comparisons
// and duplicate detection across formatting variants.
func (n Normalized) Key() string {
	return strings.Join(n.Tokens, ".")
}

// EpisodeKey returns the opaque fulfillment key for a parsed episode,
// e.g. "S03E02". The second return is false when the title carries no
// season/episode marker.
func (n Normalized) EpisodeKey() (string, bool) {
	if !n.HasSeason || !n.HasEpisode {
		return "", false
	}
	var b strings.Builder
	b.WriteString("S")
	writePadded(&b, n.Season)
	b.WriteString("E")
	writePadded(&b, n.Episode)
	return b.String(), true
}

func writePadded(b *strings.Builder, v int) {
	if v < 10 {
		b.WriteString("0")
	}
	b.WriteString(strconv.Itoa(v))
}

// ContainsAll reports whether every token of want appears among the
// tokens of n, order-insensitive.
func (n Normalized) ContainsAll(want Normalized) bool {
	if len(want.Tokens) == 0 {
		return false
	}
	have := make(map[string]struct{}, len(n.Tokens))
	for _, t := range n.Tokens {
		have[t] = struct{}{}
	}
	for _, t := range want.Tokens {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// CleanPath makes a title safe for use as a directory name: characters
// invalid on common filesystems are replaced with spaces and runs of
// whitespace collapsed.
func CleanPath(s string) string {
	invalid := regexp.MustCompile(`[<>:"/\\|?*]`)
	cleaned := invalid.ReplaceAllString(s, " ")
	cleaned = regexp.MustCompile(`\s+`).ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}
