package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pokenerd/internal/cache"
	"pokenerd/internal/config"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// helperEnv turns the test binary into a fake Pokémon server when it is
// spawned by the stdio transport.
const helperEnv = "POKENERD_FAKE_SERVER"

const pikachuJSON = `{"id":25,"name":"pikachu","types":["electric"],"stats":{"hp":35,"attack":55},"abilities":["static"]}`

func TestPokemonServerHelper(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process")
	}
	serveFakePokemon(os.Stdin, os.Stdout)
	os.Exit(0)
}

// serveFakePokemon answers one JSON-RPC request per line until in closes.
func serveFakePokemon(in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params map[string]any  `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		result, rpcErr := fakeAnswer(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != "" {
			resp["error"] = map[string]any{"code": -32601, "message": rpcErr}
		} else {
			resp["result"] = result
		}
		line, _ := json.Marshal(resp)
		fmt.Fprintf(out, "%s\n", line)
	}
}

func textResult(field, text string) map[string]any {
	return map[string]any{field: []map[string]string{{"type": "text", "text": text}}}
}

func fakeAnswer(method string, params map[string]any) (any, string) {
	switch method {
	case "initialize":
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "fake-pokedex", "version": "0.0.1"},
		}, ""
	case "resources.read":
		switch params["uri"] {
		case "pokemon://list":
			return textResult("contents", `["pikachu","eevee","charizard","blastoise"]`), ""
		case "pokemon://data/pikachu":
			return textResult("contents", pikachuJSON), ""
		}
		return nil, fmt.Sprintf("Pokemon '%s' not found.", strings.TrimPrefix(fmt.Sprint(params["uri"]), "pokemon://data/"))
	case "tools.list":
		return map[string]any{"tools": []map[string]string{
			{"name": "battle_simulator", "description": "Simulate a battle."},
			{"name": "get_type_effectiveness", "description": "Type chart lookup."},
		}}, ""
	case "tools.call":
		args, _ := params["arguments"].(map[string]any)
		switch params["name"] {
		case "battle_simulator":
			return textResult("content", fmt.Sprintf("Winner: %v", args["pokemon1"])), ""
		case "get_type_effectiveness":
			m := 1.0
			if args["defending_type"] == "water" && (args["attacking_type"] == "electric" || args["attacking_type"] == "grass") {
				m = 2
			}
			return textResult("content", fmt.Sprintf("Effectiveness: %gx", m)), ""
		}
	}
	return nil, "Method not found"
}

// useConfig writes a config pointing the stdio transport at the helper
// process and sets --config to it.
func useConfig(t *testing.T, edit func(*config.Config)) string {
	t.Helper()
	logger = zap.NewNop()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Server.Transport = "stdio"
	cfg.Server.Command = os.Args[0]
	cfg.Server.Args = []string{"-test.run=^TestPokemonServerHelper$"}
	cfg.Server.Env = []string{helperEnv + "=1"}
	cfg.Server.Timeout = "5s"
	cfg.Cache.Path = filepath.Join(dir, "cache.db")
	cfg.Logging.Dir = filepath.Join(dir, "logs")
	if edit != nil {
		edit(cfg)
	}

	path := filepath.Join(dir, "pokenerd.yaml")
	require.NoError(t, cfg.Save(path))
	configPath = path
	t.Cleanup(func() { configPath = "pokenerd.yaml" })
	return path
}

func newTestCmd(in string) (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(in))
	cmd.SetContext(context.Background())
	return cmd, &out
}

func TestAsk(t *testing.T) {
	useConfig(t, nil)

	tests := []struct {
		question []string
		want     []string
	}{
		{[]string{"tell", "me", "about", "pikachu"}, []string{"#025 Pikachu [electric]", "Abilities: static"}},
		{[]string{"what is water weak against?"}, []string{"water is weak against", "[electric] [grass]"}},
		{[]string{"battle", "charizard", "vs", "blastoise"}, []string{"Winner: charizard"}},
		{[]string{"tell me about missingno"}, []string{"The server said: Pokemon 'missingno' not found."}},
		{[]string{"blorp", "zzz"}, []string{`I didn't understand "blorp zzz"`}},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.question, " "), func(t *testing.T) {
			cmd, out := newTestCmd("")
			require.NoError(t, runAsk(cmd, tt.question))
			for _, w := range tt.want {
				assert.Contains(t, out.String(), w)
			}
		})
	}
}

func TestChat(t *testing.T) {
	useConfig(t, nil)

	cmd, out := newTestCmd("list\nis fire effective against grass\nhistory\nquit\n")
	require.NoError(t, runChat(cmd, nil))

	got := out.String()
	assert.Contains(t, got, "connected to fake-pokedex 0.0.1")
	assert.Contains(t, got, "Pokémon (4)")
	assert.Contains(t, got, "[fire] → [grass]: 1x (normal damage)")
	assert.Contains(t, got, "list_pokemon")
	assert.Contains(t, got, "Bye!")
	assert.Contains(t, got, "Replay it with: pokenerd history")
}

func TestChat_ServerDoesNotStart(t *testing.T) {
	useConfig(t, func(c *config.Config) {
		c.Server.Command = filepath.Join(t.TempDir(), "no-such-server")
		c.Server.Args = nil
	})

	cmd, _ := newTestCmd("quit\n")
	err := runChat(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestTools(t *testing.T) {
	useConfig(t, nil)

	cmd, out := newTestCmd("")
	require.NoError(t, runTools(cmd, nil))
	assert.Contains(t, out.String(), "battle_simulator")
	assert.Contains(t, out.String(), "Type chart lookup.")
}

func TestTypes(t *testing.T) {
	cmd, out := newTestCmd("")
	require.NoError(t, runTypes(cmd, nil))
	assert.Contains(t, out.String(), "[normal]")
	assert.Contains(t, out.String(), "[fairy]")
}

func TestHistory(t *testing.T) {
	var cachePath string
	useConfig(t, func(c *config.Config) { cachePath = c.Cache.Path })

	store, err := cache.OpenSQLite(cachePath, 0)
	require.NoError(t, err)
	for i, q := range []string{"tell me about pikachu", "list types"} {
		require.NoError(t, store.Append(context.Background(), cache.Entry{
			SessionID: "abc",
			Query:     q,
			Operation: "get_pokemon",
			Outcome:   "ok",
			At:        time.Date(2024, 5, 1, 12, 0, i, 0, time.UTC),
		}))
	}
	require.NoError(t, store.Close())

	cmd, out := newTestCmd("")
	require.NoError(t, runHistory(cmd, []string{"abc"}))
	assert.Contains(t, out.String(), "tell me about pikachu")
	assert.Contains(t, out.String(), "list types")

	cmd, out = newTestCmd("")
	require.NoError(t, runHistory(cmd, []string{"someone-else"}))
	assert.Contains(t, out.String(), "No questions yet.")
}

func TestHistory_Disabled(t *testing.T) {
	useConfig(t, func(c *config.Config) { c.Cache.Backend = cache.BackendNone })

	cmd, _ := newTestCmd("")
	assert.Error(t, runHistory(cmd, []string{"abc"}))
}

func TestConfigInitAndShow(t *testing.T) {
	logger = zap.NewNop()
	configPath = filepath.Join(t.TempDir(), "pokenerd.yaml")
	defer func() { configPath = "pokenerd.yaml" }()

	cmd, out := newTestCmd("")
	require.NoError(t, runConfigInit(cmd, nil))
	assert.Contains(t, out.String(), "Wrote")
	assert.Error(t, runConfigInit(cmd, nil), "an existing file is kept")

	baseURL = "http://pokedex.test:3000"
	transportFlag = "HTTP"
	defer func() { baseURL, transportFlag = "", "" }()

	cmd, out = newTestCmd("")
	require.NoError(t, runConfigShow(cmd, nil))

	var shown config.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &shown))
	assert.Equal(t, "http", shown.Server.Transport)
	assert.Equal(t, "http://pokedex.test:3000", shown.Server.BaseURL)
	assert.Equal(t, config.DefaultConfig().Cache.Backend, shown.Cache.Backend)
}

func TestLoadConfig_RejectsBadTransport(t *testing.T) {
	useConfig(t, nil)
	transportFlag = "carrier-pigeon"
	defer func() { transportFlag = "" }()

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestVersion(t *testing.T) {
	cmd, out := newTestCmd("")
	require.NoError(t, runVersion(cmd, nil))
	assert.Equal(t, "pokenerd "+config.DefaultConfig().Version+"\n", out.String())
}
