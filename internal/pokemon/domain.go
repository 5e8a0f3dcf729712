package pokemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"pokenerd/internal/fanout"
	"pokenerd/internal/intent"
	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/logging"
)

// Types are the 18 canonical elemental types.
var Types = []string{
	"normal", "fire", "water", "electric", "grass", "ice",
	"fighting", "poison", "ground", "flying", "psychic", "bug",
	"rock", "ghost", "dragon", "dark", "steel", "fairy",
}

// Resource URIs.
const (
	DataURIPrefix = "pokemon://data/"
	ListURI       = "pokemon://list"
)

// DefaultMoveLimit is sent when the caller asks for no particular number of moves.
const DefaultMoveLimit = 10

// ToolNames are the remote tool names. Servers in the wild disagree
// (battle_simulator vs battle_simulate), so they are configurable.
type ToolNames struct {
	Battle            string `yaml:"battle"`
	TypeEffectiveness string `yaml:"type_effectiveness"`
	ListMoves         string `yaml:"list_moves"`
}

// DefaultToolNames returns the names most servers use.
func DefaultToolNames() ToolNames {
	return ToolNames{
		Battle:            "battle_simulator",
		TypeEffectiveness: "get_type_effectiveness",
		ListMoves:         "list_moves",
	}
}

func (t ToolNames) withDefaults() ToolNames {
	d := DefaultToolNames()
	if t.Battle == "" {
		t.Battle = d.Battle
	}
	if t.TypeEffectiveness == "" {
		t.TypeEffectiveness = d.TypeEffectiveness
	}
	if t.ListMoves == "" {
		t.ListMoves = d.ListMoves
	}
	return t
}

// PokemonURI returns the data resource URI for name.
func PokemonURI(name string) string {
	return DataURIPrefix + normalize(name)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// GetPokemon reads pokemon://data/<name>.
func (c *Client) GetPokemon(ctx context.Context, name string) (string, error) {
	return c.ReadResource(ctx, PokemonURI(name))
}

// SimulateBattle runs the battle tool.
func (c *Client) SimulateBattle(ctx context.Context, first, second string) (string, error) {
	return c.CallTool(ctx, c.tools.Battle, map[string]any{
		"pokemon1": normalize(first),
		"pokemon2": normalize(second),
	})
}

// ListMoves runs the move-list tool. A non-positive limit means
// DefaultMoveLimit.
func (c *Client) ListMoves(ctx context.Context, name string, limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultMoveLimit
	}
	return c.CallTool(ctx, c.tools.ListMoves, map[string]any{
		"name":  normalize(name),
		"limit": limit,
	})
}

func (c *Client) effectivenessArgs(attacker, defender string) map[string]any {
	defender = normalize(defender)
	return map[string]any{
		"attacking_type": normalize(attacker),
		"defending_type": defender,
		// Some servers take a list of defending types.
		"defending_types": []string{defender},
	}
}

// Effectiveness is one attacking/defending matchup.
type Effectiveness struct {
	Attacking  string
	Defending  string
	Multiplier float64
	Text       string
}

// TypeEffectiveness asks for one matchup.
func (c *Client) TypeEffectiveness(ctx context.Context, attacker, defender string) (*Effectiveness, error) {
	text, err := c.CallTool(ctx, c.tools.TypeEffectiveness, c.effectivenessArgs(attacker, defender))
	if err != nil {
		return nil, err
	}
	m, err := ParseMultiplier(text)
	if err != nil {
		return nil, &jsonrpc.ProtocolError{Line: text, Err: err}
	}
	return &Effectiveness{Attacking: normalize(attacker), Defending: normalize(defender), Multiplier: m, Text: text}, nil
}

// WeakAgainst fans out one effectiveness call per type, the defender's own
// included (dragon is weak to dragon), and reports the attacking types that
// are super-effective against defender.
func (c *Client) WeakAgainst(ctx context.Context, defender string) (*fanout.Result[[]string], error) {
	defender = normalize(defender)
	jobs := make([]fanout.Job, 0, len(Types))
	for _, attacker := range Types {
		jobs = append(jobs, fanout.Job{
			Key:    attacker,
			Method: MethodToolsCall,
			Params: toolParams(c.tools.TypeEffectiveness, c.effectivenessArgs(attacker, defender)),
		})
	}
	return fanout.FanOut(ctx, c.fan, jobs, c.fanTimeout, WeaknessReducer)
}

// WeaknessReducer keeps attacking types with a multiplier above 1.
var WeaknessReducer = fanout.Reducer[float64, []string]{
	Extract: func(resp *jsonrpc.Response) (float64, error) {
		text, err := ToolText(resp)
		if err != nil {
			return 0, err
		}
		return ParseMultiplier(text)
	},
	Combine: fanout.KeysAbove(1),
}

var (
	multiplierX   = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*x\b|\bx\s*(\d+(?:\.\d+)?)`)
	anyNumber     = regexp.MustCompile(`\d+(?:\.\d+)?`)
	errNoMultiple = errors.New("no multiplier in payload")
)

// ParseMultiplier extracts the damage multiplier from a tool text payload.
// Accepted shapes: {"multiplier": x}, {"effectiveness": x}, a bare number,
// and prose such as "Fire is 2x effective against Grass".
func ParseMultiplier(text string) (float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, errNoMultiple
	}

	if strings.HasPrefix(text, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			for _, key := range []string{"multiplier", "effectiveness", "damage_multiplier"} {
				if v, ok := obj[key]; ok {
					if f, ok := v.(float64); ok {
						return f, nil
					}
				}
			}
			return 0, fmt.Errorf("%w: %s", errNoMultiple, text)
		}
	}

	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f, nil
	}
	if m := multiplierX.FindStringSubmatch(text); m != nil {
		num := m[1]
		if num == "" {
			num = m[2]
		}
		return strconv.ParseFloat(num, 64)
	}
	if nums := anyNumber.FindAllString(text, -1); len(nums) == 1 {
		return strconv.ParseFloat(nums[0], 64)
	}
	return 0, fmt.Errorf("%w: %q", errNoMultiple, text)
}

// ListPokemon returns the known Pokémon names, sorted. It prefers the
// pokemon://list resource and falls back to the data URIs advertised by
// resources.list.
func (c *Client) ListPokemon(ctx context.Context) ([]string, error) {
	log := logging.Get(logging.CategoryBoot)

	text, err := c.ReadResource(ctx, ListURI)
	if err == nil {
		var names []string
		if jerr := json.Unmarshal([]byte(text), &names); jerr == nil {
			return sortedNames(names), nil
		}
		log.Debug("%s is not a JSON name list, falling back to resources.list", ListURI)
	} else {
		var remote *jsonrpc.RemoteError
		if !errors.As(err, &remote) {
			return nil, err
		}
		log.Debug("%s unavailable: %v", ListURI, err)
	}

	resources, err := c.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, r := range resources {
		if name, ok := strings.CutPrefix(r.URI, DataURIPrefix); ok && name != "" {
			names = append(names, name)
		}
	}
	return sortedNames(names), nil
}

func sortedNames(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, n := range in {
		n = normalize(n)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// LoadKnowledge builds the classifier vocabulary once. When the name list
// cannot be fetched it still returns a Knowledge holding the types, along
// with the error.
func (c *Client) LoadKnowledge(ctx context.Context) (intent.Knowledge, error) {
	names, err := c.ListPokemon(ctx)
	kb := intent.NewKnowledge(names, Types)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("Could not load Pokémon names: %v", err)
		return kb, err
	}
	logging.Boot("Knowledge loaded: %d Pokémon, %d types", len(names), len(Types))
	return kb, nil
}
