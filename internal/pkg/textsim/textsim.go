// Package textsim provides fuzzy name matching used by C5's sticker price
// fallback chain, grounded on the original implementation's word-Jaccard
// similarity with a containment floor.
package textsim

import (
	"regexp"
	"strings"
)

var nonWord = regexp.MustCompile(`[^\w\s]`)
var multiSpace = regexp.MustCompile(`\s+`)

// Normalize lowercases a name, replaces punctuation with spaces, and
// collapses whitespace, so "Crown (Foil)" and "Crown Foil" compare equal.
func Normalize(name string) string {
	if name == "" {
		return ""
	}
	n := strings.ToLower(name)
	n = nonWord.ReplaceAllString(n, " ")
	n = multiSpace.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

// Jaccard computes word-set similarity in [0,1], with a containment floor:
// if one normalized name is a substring of the other, the score is raised
// to at least floor (spec default 0.8) to reward near-exact matches.
func Jaccard(a, b string, containmentFloor float64) float64 {
	if a == "" || b == "" {
		return 0
	}
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return 1
	}

	wordsA := wordSet(na)
	wordsB := wordSet(nb)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	intersection := 0
	for w := range wordsA {
		if wordsB[w] {
			intersection++
		}
	}
	union := len(wordsA) + len(wordsB) - intersection
	score := float64(intersection) / float64(union)

	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		if containmentFloor > score {
			score = containmentFloor
		}
	}
	return score
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(s)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// Match is a candidate name paired with its resolved value (e.g. a price).
type Match struct {
	Name  string
	Score float64
}

// BestMatch scans candidates for the highest-scoring name at or above
// minSimilarity, preferring an exact normalized match when one exists
// (spec §5: tiered fuzzy matching with 0.7/0.5 thresholds).
func BestMatch(requested string, candidates []string, minSimilarity, containmentFloor float64) (Match, bool) {
	if requested == "" || len(candidates) == 0 {
		return Match{}, false
	}

	reqNorm := Normalize(requested)
	for _, c := range candidates {
		if Normalize(c) == reqNorm {
			return Match{Name: c, Score: 1}, true
		}
	}

	best := Match{}
	found := false
	for _, c := range candidates {
		score := Jaccard(requested, c, containmentFloor)
		if score >= minSimilarity && score > best.Score {
			best = Match{Name: c, Score: score}
			found = true
		}
	}
	return best, found
}
