package pokemon

import (
	"encoding/json"
	"sort"
	"strings"
)

// Profile is the structured form of a data resource, when the server sends
// JSON. Servers that send preformatted text have no Profile.
type Profile struct {
	ID        int
	Name      string
	Types     []string
	Abilities []string
	Stats     []Stat
	Evolution []string
}

// Stat is one base stat.
type Stat struct {
	Name  string
	Value int
}

// statOrder is the display order for the usual stat keys.
var statOrder = map[string]int{
	"hp": 0, "attack": 1, "defense": 2,
	"specialattack": 3, "special-attack": 3, "spattack": 3,
	"specialdefense": 4, "special-defense": 4, "spdefense": 4,
	"speed": 5,
}

// Total sums the base stats.
func (p *Profile) Total() int {
	total := 0
	for _, s := range p.Stats {
		total += s.Value
	}
	return total
}

// ParseProfile decodes text as a Pokémon JSON document. ok is false when
// text is not JSON or has no name.
func ParseProfile(text string) (*Profile, bool) {
	var raw struct {
		ID        int             `json:"id"`
		Name      string          `json:"name"`
		Types     []string        `json:"types"`
		Abilities json.RawMessage `json:"abilities"`
		Stats     json.RawMessage `json:"stats"`
		BaseStats json.RawMessage `json:"baseStats"`
		Evolution struct {
			Chain []string `json:"chain"`
		} `json:"evolution"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil || raw.Name == "" {
		return nil, false
	}

	p := &Profile{
		ID:        raw.ID,
		Name:      raw.Name,
		Types:     raw.Types,
		Abilities: decodeAbilities(raw.Abilities),
		Evolution: raw.Evolution.Chain,
	}
	p.Stats = decodeStats(raw.Stats)
	if len(p.Stats) == 0 {
		p.Stats = decodeStats(raw.BaseStats)
	}
	sort.Slice(p.Stats, func(i, j int) bool {
		oi, iok := statOrder[strings.ToLower(p.Stats[i].Name)]
		oj, jok := statOrder[strings.ToLower(p.Stats[j].Name)]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		default:
			return p.Stats[i].Name < p.Stats[j].Name
		}
	})
	return p, true
}

// decodeStats accepts {"hp":35} as well as [{"name":"hp","value":35}] and
// the PokeAPI form [{"stat":{"name":"hp"},"base_stat":35}].
func decodeStats(raw json.RawMessage) []Stat {
	if len(raw) == 0 {
		return nil
	}
	var stats []Stat
	var byName map[string]float64
	if err := json.Unmarshal(raw, &byName); err == nil {
		for name, v := range byName {
			stats = append(stats, Stat{Name: name, Value: int(v)})
		}
		return stats
	}
	var items []struct {
		Name     string  `json:"name"`
		Value    float64 `json:"value"`
		BaseStat float64 `json:"base_stat"`
		Stat     struct {
			Name string `json:"name"`
		} `json:"stat"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	for _, it := range items {
		name, v := it.Name, it.Value
		if name == "" {
			name, v = it.Stat.Name, it.BaseStat
		}
		if name != "" {
			stats = append(stats, Stat{Name: name, Value: int(v)})
		}
	}
	return stats
}

// decodeAbilities accepts ["static"] as well as [{"name":"static"}].
func decodeAbilities(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names
	}
	names = nil
	var objs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil {
		for _, o := range objs {
			names = append(names, o.Name)
		}
	}
	return names
}
