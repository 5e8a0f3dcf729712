package intent

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Knowledge is the classifier's vocabulary: known Pokémon names and
// elemental types. It is built once before the session starts and is never
// mutated afterwards, so it is safe to share.
type Knowledge struct {
	pokemon []string
	types   []string
	isName  map[string]bool
	isType  map[string]bool
}

// NewKnowledge copies names and types into a Knowledge.
func NewKnowledge(names, types []string) Knowledge {
	k := Knowledge{
		isName: make(map[string]bool, len(names)),
		isType: make(map[string]bool, len(types)),
	}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && !k.isName[n] {
			k.isName[n] = true
			k.pokemon = append(k.pokemon, n)
		}
	}
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !k.isType[t] {
			k.isType[t] = true
			k.types = append(k.types, t)
		}
	}
	sort.Strings(k.pokemon)
	sort.Strings(k.types)
	return k
}

// Pokemon returns the known names, sorted.
func (k Knowledge) Pokemon() []string { return append([]string(nil), k.pokemon...) }

// Types returns the known types, sorted.
func (k Knowledge) Types() []string { return append([]string(nil), k.types...) }

// IsType reports whether word is exactly a known type.
func (k Knowledge) IsType(word string) bool { return k.isType[word] }

// IsPokemon reports whether word is exactly a known Pokémon.
func (k Knowledge) IsPokemon(word string) bool { return k.isName[word] }

// ResolveType maps word to a known type, tolerating small typos.
func (k Knowledge) ResolveType(word string) (string, bool) {
	if k.isType[word] {
		return word, true
	}
	return closest(word, k.types)
}

// ResolvePokemon maps word to a known Pokémon, tolerating small typos.
func (k Knowledge) ResolvePokemon(word string) (string, bool) {
	if k.isName[word] {
		return word, true
	}
	return closest(word, k.pokemon)
}

func levenshteinLimit(length int) int {
	switch {
	case length <= 3:
		return 0
	case length <= 5:
		return 1
	case length <= 9:
		return 2
	default:
		return 3
	}
}

// closest returns the candidate with the smallest edit distance within the
// length-scaled limit. Ties go to the alphabetically first candidate, which
// is the first seen since candidates are sorted.
func closest(word string, candidates []string) (string, bool) {
	if word == "" {
		return "", false
	}
	best, bestDist := "", -1
	for _, cand := range candidates {
		dist := levenshtein.ComputeDistance(word, cand)
		if dist > levenshteinLimit(len(cand)) {
			continue
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = cand, dist
		}
	}
	return best, bestDist >= 0
}
