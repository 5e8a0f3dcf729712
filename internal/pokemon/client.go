// Package pokemon is the typed client for the Pokémon JSON-RPC server.
//
// It speaks the five wire methods (initialize, resources.list,
// resources.read, tools.list, tools.call) over any rpc.Caller, so the same
// client runs over the stdio correlator and the HTTP caller.
package pokemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pokenerd/internal/cache"
	"pokenerd/internal/fanout"
	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/logging"
	"pokenerd/internal/rpc"

	"github.com/mitchellh/mapstructure"
)

// Wire method names.
const (
	MethodInitialize    = "initialize"
	MethodResourcesList = "resources.list"
	MethodResourcesRead = "resources.read"
	MethodToolsList     = "tools.list"
	MethodToolsCall     = "tools.call"
)

// ServerInfo is the initialize result.
type ServerInfo struct {
	ProtocolVersion string `mapstructure:"protocolVersion"`
	ServerInfo      struct {
		Name    string `mapstructure:"name"`
		Version string `mapstructure:"version"`
	} `mapstructure:"serverInfo"`
}

// Resource is one entry of resources.list.
type Resource struct {
	URI         string `mapstructure:"uri"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	MimeType    string `mapstructure:"mimeType"`
}

// Tool is one entry of tools.list.
type Tool struct {
	Name        string         `mapstructure:"name"`
	Description string         `mapstructure:"description"`
	InputSchema map[string]any `mapstructure:"inputSchema"`
}

// Client issues Pokémon queries.
type Client struct {
	caller     rpc.Caller
	fan        *fanout.Orchestrator
	fanTimeout time.Duration
	store      cache.Store
	tools      ToolNames
}

// Option configures a Client.
type Option func(*Client)

// WithCache caches resources.read texts in store.
func WithCache(store cache.Store) Option {
	return func(c *Client) {
		c.store = store
	}
}

// WithToolNames overrides the remote tool names.
func WithToolNames(t ToolNames) Option {
	return func(c *Client) {
		c.tools = t.withDefaults()
	}
}

// WithFanOut sets the orchestrator and shared deadline used by WeakAgainst.
func WithFanOut(o *fanout.Orchestrator, timeout time.Duration) Option {
	return func(c *Client) {
		if o != nil {
			c.fan = o
		}
		if timeout > 0 {
			c.fanTimeout = timeout
		}
	}
}

// New creates a Client over caller.
func New(caller rpc.Caller, opts ...Option) *Client {
	c := &Client{
		caller:     caller,
		fanTimeout: rpc.DefaultTimeout,
		store:      cache.Nop{},
		tools:      DefaultToolNames(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fan == nil {
		c.fan = fanout.New(caller)
	}
	return c
}

// Tools returns the tool names in use.
func (c *Client) Tools() ToolNames { return c.tools }

// Initialize performs the handshake.
func (c *Client) Initialize(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.callInto(ctx, MethodInitialize, map[string]any{}, &info); err != nil {
		return nil, err
	}
	logging.Boot("Connected to %s %s (protocol %s)", info.ServerInfo.Name, info.ServerInfo.Version, info.ProtocolVersion)
	return &info, nil
}

// ListResources returns the advertised resources.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var out struct {
		Resources []Resource `mapstructure:"resources"`
	}
	if err := c.callInto(ctx, MethodResourcesList, map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out.Resources, nil
}

// ListTools returns the advertised tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `mapstructure:"tools"`
	}
	if err := c.callInto(ctx, MethodToolsList, map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// ReadResource returns contents[0].text for uri, unmodified.
func (c *Client) ReadResource(ctx context.Context, uri string) (string, error) {
	log := logging.Get(logging.CategoryCache)
	if text, ok, err := c.store.Get(ctx, uri); err != nil {
		log.Warn("Cache read failed for %s: %v", uri, err)
	} else if ok {
		log.Debug("Cache hit %s", uri)
		return text, nil
	}

	resp, err := c.caller.Call(ctx, MethodResourcesRead, map[string]string{"uri": uri})
	if err != nil {
		return "", err
	}
	text, err := ResourceText(resp)
	if err != nil {
		return "", err
	}

	if err := c.store.Put(ctx, uri, text); err != nil {
		log.Warn("Cache write failed for %s: %v", uri, err)
	}
	return text, nil
}

// CallTool invokes a tool and returns content[0].text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	resp, err := c.caller.Call(ctx, MethodToolsCall, toolParams(name, args))
	if err != nil {
		return "", err
	}
	return ToolText(resp)
}

func toolParams(name string, args map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{"name": name, "arguments": args}
}

// callInto decodes a result object into out via mapstructure so that the
// server may add fields freely.
func (c *Client) callInto(ctx context.Context, method string, params any, out any) error {
	resp, err := c.caller.Call(ctx, method, params)
	if err != nil {
		return err
	}
	var generic map[string]any
	if err := json.Unmarshal(resp.Result, &generic); err != nil {
		return &jsonrpc.ProtocolError{Line: string(resp.Result), Err: fmt.Errorf("%s result: %w", method, err)}
	}
	if err := mapstructure.Decode(generic, out); err != nil {
		return &jsonrpc.ProtocolError{Line: string(resp.Result), Err: fmt.Errorf("%s result: %w", method, err)}
	}
	return nil
}

type textPayload struct {
	Content  []struct{ Text string } `json:"content"`
	Contents []struct{ Text string } `json:"contents"`
}

var errNoText = errors.New("result carries no text")

// ResourceText extracts contents[0].text from a resources.read result.
func ResourceText(resp *jsonrpc.Response) (string, error) {
	var p textPayload
	if err := json.Unmarshal(resp.Result, &p); err != nil {
		return "", &jsonrpc.ProtocolError{Line: string(resp.Result), Err: err}
	}
	if len(p.Contents) == 0 {
		return "", &jsonrpc.ProtocolError{Line: string(resp.Result), Err: fmt.Errorf("resources.read: %w", errNoText)}
	}
	return p.Contents[0].Text, nil
}

// ToolText extracts content[0].text from a tools.call result.
func ToolText(resp *jsonrpc.Response) (string, error) {
	var p textPayload
	if err := json.Unmarshal(resp.Result, &p); err != nil {
		return "", &jsonrpc.ProtocolError{Line: string(resp.Result), Err: err}
	}
	if len(p.Content) == 0 {
		return "", &jsonrpc.ProtocolError{Line: string(resp.Result), Err: fmt.Errorf("tools.call: %w", errNoText)}
	}
	return p.Content[0].Text, nil
}
