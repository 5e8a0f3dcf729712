package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pokenerd/internal/cache"
	"pokenerd/internal/fanout"
	"pokenerd/internal/intent"
	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/pokemon"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pikachuJSON = `{"id":25,"name":"pikachu","types":["electric"],"stats":{"hp":35,"attack":55,"speed":90},"abilities":["static"],"evolution":{"chain":["pichu","pikachu","raichu"]}}`

// fakeDex answers from fixed data. Setting err makes every call fail.
type fakeDex struct {
	mu    sync.Mutex
	calls []string
	err   error
	weak  *fanout.Result[[]string]
}

func (f *fakeDex) called(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.err
}

func (f *fakeDex) GetPokemon(_ context.Context, name string) (string, error) {
	if err := f.called("get " + name); err != nil {
		return "", err
	}
	if name == "pikachu" {
		return pikachuJSON, nil
	}
	return "A plain description of " + name + ".\n\tIndented line.", nil
}

func (f *fakeDex) SimulateBattle(_ context.Context, a, b string) (string, error) {
	if err := f.called("battle"); err != nil {
		return "", err
	}
	return "Winner: " + a, nil
}

func (f *fakeDex) TypeEffectiveness(_ context.Context, a, d string) (*pokemon.Effectiveness, error) {
	if err := f.called("effectiveness"); err != nil {
		return nil, err
	}
	return &pokemon.Effectiveness{Attacking: a, Defending: d, Multiplier: 2}, nil
}

func (f *fakeDex) WeakAgainst(_ context.Context, d string) (*fanout.Result[[]string], error) {
	if err := f.called("weak " + d); err != nil {
		return nil, err
	}
	if f.weak != nil {
		return f.weak, nil
	}
	return &fanout.Result[[]string]{Value: []string{"electric", "grass"}, Succeeded: 18}, nil
}

func (f *fakeDex) ListMoves(_ context.Context, name string, limit int) (string, error) {
	if err := f.called("moves"); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s knows %d moves", name, limit), nil
}

func (f *fakeDex) ListPokemon(context.Context) ([]string, error) {
	if err := f.called("list"); err != nil {
		return nil, err
	}
	return []string{"eevee", "pikachu"}, nil
}

func (f *fakeDex) ListTools(context.Context) ([]pokemon.Tool, error) {
	if err := f.called("tools"); err != nil {
		return nil, err
	}
	return []pokemon.Tool{{Name: "battle_simulator", Description: "Simulate a battle."}}, nil
}

func newTestSession(t *testing.T, dex Pokedex, opts ...Option) *Session {
	t.Helper()
	kb := intent.NewKnowledge([]string{"pikachu", "eevee", "charizard", "blastoise"}, pokemon.Types)
	return New(dex, intent.NewKeywordClassifier(kb), append([]Option{WithID("test-session")}, opts...)...)
}

func TestRun_QuitStopsTheLoop(t *testing.T) {
	dex := &fakeDex{}
	s := newTestSession(t, dex, WithServerName("test server"))

	in := strings.NewReader("help\n\n   \ntell me about pikachu\nquit\ntell me about eevee\n")
	var out strings.Builder
	require.NoError(t, s.Run(context.Background(), in, &out))

	got := out.String()
	assert.Contains(t, got, "connected to test server")
	assert.Contains(t, got, "battle charizard vs blastoise", "help lists examples")
	assert.Contains(t, got, "#025 Pikachu")
	assert.Contains(t, got, "Bye!")
	assert.Equal(t, []string{"get pikachu"}, dex.calls, "lines after quit are not read")
}

func TestRun_EOFEndsCleanly(t *testing.T) {
	s := newTestSession(t, &fakeDex{})
	var out strings.Builder
	assert.NoError(t, s.Run(context.Background(), strings.NewReader("types"), &out))
	assert.Contains(t, out.String(), "[fire]")
}

func TestRun_CancelledContextStops(t *testing.T) {
	dex := &fakeDex{}
	s := newTestSession(t, dex)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out strings.Builder
	err := s.Run(ctx, strings.NewReader("list\nlist\n"), &out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, dex.calls, 1)
}

func TestHandle_Answers(t *testing.T) {
	s := newTestSession(t, &fakeDex{})
	ctx := context.Background()

	tests := []struct {
		input string
		want  []string
	}{
		{"tell me about pikachu", []string{"#025 Pikachu [electric]", "Abilities: static", "total", "180", "Evolution: pichu → pikachu → raichu"}},
		{"tell me about eevee", []string{"A plain description of eevee.\n\tIndented line."}},
		{"battle charizard vs blastoise", []string{"charizard vs blastoise", "Winner: charizard"}},
		{"is fire effective against grass", []string{"[fire] → [grass]: 2x (super effective)"}},
		{"what is water weak against", []string{"water is weak against", "[electric] [grass]"}},
		{"moves for pikachu 3", []string{"Moves of pikachu", "pikachu knows 3 moves"}},
		{"list", []string{"Pokémon (2)", "eevee, pikachu"}},
		{"list types", []string{"Types", "[normal]", "[fairy]"}},
		{"tools", []string{"battle_simulator", "Simulate a battle."}},
		{"blorp zzz", []string{`I didn't understand "blorp zzz"`}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := s.Handle(ctx, tt.input)
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
		})
	}
}

func TestHandle_FailureKindsRenderDistinctly(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"remote", &jsonrpc.RemoteError{Code: -32601, Message: "Pokemon 'missingno' not found."}, "The server said: Pokemon 'missingno' not found."},
		{"transport", &jsonrpc.TransportError{Op: "post resources.read", Err: errors.New("connection refused")}, "Server unreachable: transport post resources.read: connection refused"},
		{"timeout", &jsonrpc.TimeoutError{ID: 4, Method: "resources.read", After: 10 * time.Second}, "Timed out after 10s waiting for the server."},
		{"closed", fmt.Errorf("%w: %w", jsonrpc.ErrConnectionClosed, &jsonrpc.TransportError{Op: "read", Err: errors.New("EOF")}), "The connection to the server closed."},
		{"protocol", &jsonrpc.ProtocolError{Line: "{", Err: errors.New("unexpected end of JSON input")}, "The server sent a reply I could not read"},
		{"other", errors.New("boom"), "Error: boom"},
	}

	seen := map[string]string{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, &fakeDex{err: tt.err})
			got := s.Handle(ctx, "tell me about pikachu")
			assert.Contains(t, got, tt.want)
			for other, msg := range seen {
				assert.NotEqual(t, msg, got, "%s renders like %s", tt.name, other)
			}
			seen[tt.name] = got
		})
	}
}

func TestHandle_PartialFanOut(t *testing.T) {
	store, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "history.db"), 0)
	require.NoError(t, err)
	defer store.Close()

	dex := &fakeDex{weak: &fanout.Result[[]string]{
		Value:     []string{"grass"},
		Succeeded: 16,
		Failed: []fanout.Failure{
			{Key: "electric", Err: &jsonrpc.TimeoutError{Method: "tools.call", After: 2 * time.Second}},
			{Key: "ghost", Err: &jsonrpc.RemoteError{Message: "chart unavailable"}},
		},
	}}
	s := newTestSession(t, dex, WithHistory(store))

	got := s.Handle(context.Background(), "what is water weak against")
	assert.Contains(t, got, "[grass]")
	assert.Contains(t, got, "Partial answer: 2 of 18 matchups failed")
	assert.Contains(t, got, "electric: Timed out after 2s")
	assert.Contains(t, got, "ghost: The server said: chart unavailable")

	entries, err := store.Recent(context.Background(), "test-session", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "partial", entries[0].Outcome)
	assert.Equal(t, "weak_against", entries[0].Operation)
}

func TestHandle_AllFailed(t *testing.T) {
	remote := &jsonrpc.RemoteError{Message: "down"}
	dex := &fakeDex{err: &fanout.AllFailedError{
		Method:   "tools.call",
		Failures: []fanout.Failure{{Key: "fire", Err: remote}, {Key: "grass", Err: remote}},
	}}
	got := newTestSession(t, dex).Handle(context.Background(), "what is water weak against")
	assert.Contains(t, got, "All 2 tools.call sub-queries failed:")
	assert.Contains(t, got, "fire: The server said: down")
	assert.Contains(t, got, "grass: The server said: down")
}

func TestHandle_History(t *testing.T) {
	store, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "history.db"), 0)
	require.NoError(t, err)
	defer store.Close()

	dex := &fakeDex{}
	s := newTestSession(t, dex, WithHistory(store))
	ctx := context.Background()

	assert.Contains(t, s.Handle(ctx, "history"), "No questions yet.")

	s.Handle(ctx, "tell me about pikachu")
	s.Handle(ctx, "gibberish qqq")
	dex.err = &jsonrpc.RemoteError{Message: "unknown pokemon"}
	s.Handle(ctx, "battle eevee vs pikachu")

	got := s.Handle(ctx, "show my history")
	assert.Contains(t, got, "tell me about pikachu")
	assert.Contains(t, got, "get_pokemon")
	assert.Contains(t, got, "no_match")
	assert.Contains(t, got, "remote")

	entries, err := store.Recent(ctx, "test-session", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "history lookups are not recorded")
}

// unknownCommand satisfies intent.Command through embedding but is not a
// variant the dispatcher knows.
type unknownCommand struct{ intent.Help }

func TestExecute_UnhandledVariant(t *testing.T) {
	s := newTestSession(t, &fakeDex{})
	_, err := s.Execute(context.Background(), unknownCommand{})
	assert.ErrorIs(t, err, intent.ErrUnhandledCommand)
	assert.Contains(t, s.render.Error(err), "Internal error")
}

func TestExecute_EveryVariantHandled(t *testing.T) {
	s := newTestSession(t, &fakeDex{})
	for _, cmd := range []intent.Command{
		intent.GetPokemon{Name: "pikachu"},
		intent.SimulateBattle{First: "a", Second: "b"},
		intent.TypeEffectiveness{Attacking: "fire", Defending: "grass"},
		intent.WeakAgainst{Defending: "water"},
		intent.ListMoves{Name: "pikachu"},
		intent.ListPokemon{},
		intent.ListTypes{},
		intent.ListTools{},
		intent.History{},
		intent.Help{},
	} {
		_, err := s.Execute(context.Background(), cmd)
		assert.NoError(t, err, cmd.Operation())
	}
}

func TestNew_RandomSessionIDs(t *testing.T) {
	a := New(&fakeDex{}, intent.NewKeywordClassifier(intent.Knowledge{}))
	b := New(&fakeDex{}, intent.NewKeywordClassifier(intent.Knowledge{}))
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, a.ID(), 36)
}
