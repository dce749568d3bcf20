// Package mcpclient implements the MCP Client (component B): one stdio
// JSON-RPC session to a child MCP server, built on top of the mark3labs
// mcp-go stdio transport rather than a hand-rolled codec.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	sdkclient "github.com/mark3labs/mcp-go/client"
	sdkmcp "github.com/mark3labs/mcp-go/mcp"

	"mcpu/internal/model"
)

// State mirrors the lifecycle spec.md §4.B calls out: new -> initializing ->
// ready -> closing -> closed.
type State string

const (
	StateNew          State = "new"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
)

// Client wraps one mcp-go stdio MCPClient for a single LaunchSpec.
type Client struct {
	name string
	spec model.LaunchSpec

	mu    sync.Mutex
	state State
	inner sdkclient.MCPClient
}

// New constructs a Client in state "new"; it does not spawn a process until
// Connect is called.
func New(name string, spec model.LaunchSpec) *Client {
	return &Client{name: name, spec: spec, state: StateNew}
}

// Connect spawns the child process, performs the MCP initialize handshake,
// and transitions to ready. On any failure the client transitions to closed
// and the underlying process (if started) is torn down.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateInitializing
	c.mu.Unlock()

	env := make([]string, 0, len(c.spec.Env))
	for k, v := range c.spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	inner, err := sdkclient.NewStdioMCPClient(c.spec.Command, env, c.spec.Args...)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return fmt.Errorf("mcpclient %s: spawn: %w", c.name, err)
	}

	_, err = inner.Initialize(ctx, sdkmcp.InitializeRequest{
		Params: sdkmcp.InitializeParams{
			ProtocolVersion: sdkmcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdkmcp.Implementation{
				Name:    "mcpu",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		_ = inner.Close()
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return fmt.Errorf("mcpclient %s: initialize: %w", c.name, err)
	}

	c.mu.Lock()
	c.inner = inner
	c.state = StateReady
	c.mu.Unlock()
	return nil
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ListTools fetches the child's advertised tool schemas. Only each tool's
// name, description and input schema are copied; Title, OutputSchema and
// Annotations of the returned ToolSchemas are left empty.
func (c *Client) ListTools(ctx context.Context) ([]model.ToolSchema, error) {
	inner, err := c.readyInner()
	if err != nil {
		return nil, err
	}

	result, err := inner.ListTools(ctx, sdkmcp.ListToolsRequest{})
	if err != nil {
		c.markFailed()
		return nil, fmt.Errorf("mcpclient %s: list_tools: %w", c.name, err)
	}

	out := make([]model.ToolSchema, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		out = append(out, model.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}

// Result is the text content and tool-error flag returned by a CallTool.
type Result struct {
	Text    string
	IsError bool
}

// CallTool invokes a tool on the child. A server-reported tool error
// (IsError) is surfaced in the Result, not as a Go error: transport/protocol
// failures are Go errors, tool-level failures are not.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	inner, err := c.readyInner()
	if err != nil {
		return Result{}, err
	}

	req := sdkmcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		c.markFailed()
		return Result{}, fmt.Errorf("mcpclient %s: call_tool %s: %w", c.name, name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdkmcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return Result{Text: strings.Join(parts, "\n"), IsError: result.IsError}, nil
}

// Close transitions the client to closing, then closed, tearing down the
// child process. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateNew {
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()

	var err error
	if inner != nil {
		err = inner.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return err
}

func (c *Client) readyInner() (sdkclient.MCPClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.inner == nil {
		return nil, fmt.Errorf("mcpclient %s: transport-closed: not ready (state=%s)", c.name, c.state)
	}
	return c.inner, nil
}

func (c *Client) markFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReady {
		c.state = StateClosed
	}
}
