// Package facade implements the MCP Façade (component J): it exposes the
// compact command surface as a single MCP tool over stdio, using
// mark3labs/mcp-go/server the same way the browserNerd example wires its
// own tool registrations and stdio transport. It is a thin adapter — every
// argv, including `batch` and `exec`, is handed to the Router (component E)
// verbatim; J never special-cases a command itself.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"
	sdkserver "github.com/mark3labs/mcp-go/server"

	"mcpu/internal/model"
	"mcpu/internal/router"
)

// paramsSchema is the raw JSON Schema for the facade's single tool:
// {argv: [string], params?: object}, per spec.md §4.J.
var paramsSchema = []byte(`{
	"type": "object",
	"properties": {
		"argv": {"type": "array", "items": {"type": "string"}},
		"params": {"type": "object"}
	},
	"required": ["argv"]
}`)

// Facade wraps a Router behind the "mcpu" MCP tool, covering the whole
// compact command surface (servers|connect|disconnect|reconnect|reload|
// tools|info|call|batch|exec) — every argv is the Router's to interpret.
type Facade struct {
	r      *router.Router
	server *sdkserver.MCPServer
}

// New constructs a Facade whose single tool dispatches every call to r.
func New(r *router.Router, name, version string) *Facade {
	srv := sdkserver.NewMCPServer(name, version, sdkserver.WithToolCapabilities(true))
	f := &Facade{r: r, server: srv}

	srv.AddTool(sdkmcp.NewToolWithRawSchema("mcpu", "Runs one MCPU compact command and returns its CoreResult", paramsSchema), f.handle)
	return f
}

type toolParams struct {
	Argv   []string        `json:"argv"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (f *Facade) handle(ctx context.Context, req sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error) {
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	var params toolParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if len(params.Argv) == 0 {
		return errorResult("argv must not be empty"), nil
	}

	result := f.r.Run(ctx, router.CoreExecutionOptions{
		Argv:   params.Argv,
		Params: params.Params,
	})
	return coreResultContent(result)
}

func coreResultContent(result model.CoreResult) (*sdkmcp.CallToolResult, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{sdkmcp.NewTextContent(string(data))},
		IsError: !result.Success,
	}, nil
}

func errorResult(msg string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{sdkmcp.NewTextContent(msg)},
		IsError: true,
	}
}

// Serve runs the façade over stdio until ctx is cancelled or the transport
// closes.
func (f *Facade) Serve(ctx context.Context) error {
	stdio := sdkserver.NewStdioServer(f.server)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
