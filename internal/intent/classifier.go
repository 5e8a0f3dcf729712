package intent

import (
	"regexp"
	"strconv"
	"strings"

	"pokenerd/internal/logging"
)

// Classifier maps free text to a Command. Implementations must be pure,
// deterministic and total: any input, including garbage, yields either a
// Command or false, never a panic.
type Classifier interface {
	Classify(text string) (Command, bool)
}

// Patterns, tried in order. Input is lowercased and stripped of punctuation
// before matching.
var (
	helpPattern    = regexp.MustCompile(`^(help|\?|commands|what can you do|how does this work)$`)
	historyPattern = regexp.MustCompile(`^(history|(show|what was|what were)\s+(my\s+)?(history|past questions|previous questions))$`)
	toolsPattern   = regexp.MustCompile(`\btools?\b`)
	typesPattern   = regexp.MustCompile(`^(types|(list|show)\s+(all\s+)?(the\s+)?types|all types|what types are there)$`)
	listPattern    = regexp.MustCompile(`^(list|(list|show)\s+(all\s+)?(the\s+)?pokemon|all pokemon|which pokemon do you know)$`)

	weakPatterns = []*regexp.Regexp{
		regexp.MustCompile(`([a-z]+)\s+(?:type\s+)?(?:is\s+)?weak\s+(?:against|to)\b`),
		regexp.MustCompile(`weakness(?:es)?\s+(?:of|for)\s+(?:the\s+)?([a-z]+)`),
		regexp.MustCompile(`\b([a-z]+)\s+(?:type\s+)?weakness(?:es)?\b`),
		regexp.MustCompile(`(?:beats|counters|is strong against)\s+(?:the\s+)?([a-z]+)(?:\s+type)?$`),
	}

	effectivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b([a-z]+)\s+(?:type\s+)?(?:moves?\s+)?(?:is\s+|are\s+)?(?:super\s+|very\s+|not\s+very\s+)?effective\s+(?:against|on|vs)\s+([a-z]+)`),
		regexp.MustCompile(`(?:effectiveness|multiplier|damage)\s+(?:of\s+)?([a-z]+)\s+(?:against|on|vs|versus|to)\s+([a-z]+)`),
		regexp.MustCompile(`^([a-z]+)\s+(?:against|vs|versus|on)\s+([a-z]+)$`),
	}

	battlePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:battle|fight|simulate|vs|versus).*?\b([a-z][a-z-]*)\s+(?:and|vs|versus|against|with)\s+([a-z][a-z-]*)`),
		regexp.MustCompile(`^([a-z][a-z-]*)\s+(?:vs|versus)\s+([a-z][a-z-]*)$`),
		regexp.MustCompile(`(?:who\s+(?:would\s+)?wins?)\s+(?:between\s+)?([a-z][a-z-]*)\s+(?:or|and|vs|versus)\s+([a-z][a-z-]*)`),
	}

	movesPattern = regexp.MustCompile(`\b(?:moves|learn|moveset|attacks)\b\s*(?:does\s+|can\s+)?(?:for|of|does)?\s*([a-z][a-z-]*)`)
	limitPattern = regexp.MustCompile(`\b(\d{1,3})\b`)

	lookupPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:info|information|stats|data|details|about|who is|what is|tell me about|look up|lookup|show me)\s+(?:on\s+|for\s+|about\s+)?(?:the\s+)?(?:pokemon\s+)?([a-z][a-z-]*)$`),
		regexp.MustCompile(`^([a-z][a-z-]*)$`),
	}

	nonWord = regexp.MustCompile(`[^a-z0-9?\s-]+`)
	spaces  = regexp.MustCompile(`\s+`)
)

// fillers are never Pokémon names even when a pattern captures them.
var fillers = map[string]bool{
	"a": true, "an": true, "the": true, "me": true, "between": true, "it": true,
	"pokemon": true, "type": true, "and": true, "vs": true, "with": true,
	"list": true, "moves": true, "battle": true, "fight": true, "simulate": true,
}

// KeywordClassifier is the regex and keyword strategy. It is safe for
// concurrent use.
type KeywordClassifier struct {
	kb Knowledge
}

// NewKeywordClassifier builds a classifier over kb.
func NewKeywordClassifier(kb Knowledge) *KeywordClassifier {
	return &KeywordClassifier{kb: kb}
}

// Normalize lowercases text, drops punctuation other than '-' and '?', and
// collapses whitespace. "Pokémon" becomes "pokemon".
func Normalize(text string) string {
	text = strings.ToLower(text)
	text = strings.ReplaceAll(text, "é", "e")
	text = nonWord.ReplaceAllString(text, " ")
	text = spaces.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	if text != "?" {
		text = strings.TrimSpace(strings.TrimRight(text, "?"))
	}
	return text
}

// Classify implements Classifier.
func (c *KeywordClassifier) Classify(text string) (Command, bool) {
	in := Normalize(text)
	if in == "" {
		return nil, false
	}
	cmd, ok := c.classify(in)
	log := logging.Get(logging.CategoryIntent)
	if ok {
		log.Debug("%q -> %s %+v", in, cmd.Operation(), cmd)
	} else {
		log.Debug("%q -> no match", in)
	}
	return cmd, ok
}

func (c *KeywordClassifier) classify(in string) (Command, bool) {
	switch {
	case helpPattern.MatchString(in):
		return Help{}, true
	case historyPattern.MatchString(in):
		return History{}, true
	case typesPattern.MatchString(in):
		return ListTypes{}, true
	case listPattern.MatchString(in):
		return ListPokemon{}, true
	case toolsPattern.MatchString(in):
		return ListTools{}, true
	}

	for _, p := range weakPatterns {
		if m := p.FindStringSubmatch(in); m != nil {
			if typ, ok := c.kb.ResolveType(m[1]); ok {
				return WeakAgainst{Defending: typ}, true
			}
		}
	}

	// Effectiveness only when both sides are types, so "pikachu vs eevee"
	// still reaches the battle rules.
	for _, p := range effectivePatterns {
		if m := p.FindStringSubmatch(in); m != nil {
			atk, aok := c.kb.ResolveType(m[1])
			def, dok := c.kb.ResolveType(m[2])
			if aok && dok {
				return TypeEffectiveness{Attacking: atk, Defending: def}, true
			}
		}
	}

	for _, p := range battlePatterns {
		if m := p.FindStringSubmatch(in); m != nil {
			a, b := c.pokemonName(m[1]), c.pokemonName(m[2])
			if a != "" && b != "" {
				return SimulateBattle{First: a, Second: b}, true
			}
		}
	}

	if m := movesPattern.FindStringSubmatch(in); m != nil {
		if name := c.pokemonName(m[1]); name != "" {
			limit := 0
			if lm := limitPattern.FindStringSubmatch(in); lm != nil {
				limit, _ = strconv.Atoi(lm[1])
			}
			return ListMoves{Name: name, Limit: limit}, true
		}
	}

	for _, p := range lookupPatterns {
		if m := p.FindStringSubmatch(in); m != nil {
			if name := c.pokemonName(m[1]); name != "" {
				return GetPokemon{Name: name}, true
			}
		}
	}

	// Last resort: a known name anywhere in the sentence.
	for _, word := range strings.Fields(in) {
		if c.kb.IsPokemon(word) {
			return GetPokemon{Name: word}, true
		}
	}
	return nil, false
}

// pokemonName corrects word to a known name when one is close. Unknown
// words pass through so the server can report them; fillers are rejected.
func (c *KeywordClassifier) pokemonName(word string) string {
	word = strings.Trim(word, "-")
	if word == "" || fillers[word] {
		return ""
	}
	if name, ok := c.kb.ResolvePokemon(word); ok {
		return name
	}
	return word
}

var _ Classifier = (*KeywordClassifier)(nil)
