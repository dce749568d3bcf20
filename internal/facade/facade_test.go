package facade

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"
	sdkserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"mcpu/internal/batch"
	"mcpu/internal/model"
	"mcpu/internal/pool"
	"mcpu/internal/router"
)

func TestMain(m *testing.M) {
	if os.Getenv("MCPU_FACADE_TEST_FIXTURE") == "1" {
		runFixtureServer()
		return
	}
	os.Exit(m.Run())
}

func runFixtureServer() {
	srv := sdkserver.NewMCPServer("fixture", "0.1.0", sdkserver.WithToolCapabilities(true))
	schema := []byte(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
	srv.AddTool(sdkmcp.NewToolWithRawSchema("echo", "echoes its text argument", schema),
		func(ctx context.Context, req sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error) {
			text, _ := req.GetArguments()["text"].(string)
			return &sdkmcp.CallToolResult{Content: []sdkmcp.Content{sdkmcp.NewTextContent(text)}}, nil
		})
	stdio := sdkserver.NewStdioServer(srv)
	_ = stdio.Listen(context.Background(), os.Stdin, os.Stdout)
}

type fakeConfig struct {
	servers map[string]model.LaunchSpec
}

func (f *fakeConfig) Lookup(name model.ServerName) (model.LaunchSpec, bool) {
	spec, ok := f.servers[name]
	return spec, ok
}

func (f *fakeConfig) List() []model.ServerName {
	names := make([]model.ServerName, 0, len(f.servers))
	for name := range f.servers {
		names = append(names, name)
	}
	return names
}

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	cfg := &fakeConfig{servers: map[string]model.LaunchSpec{
		"fixture": {
			Command: self,
			Args:    []string{"-test.run", "^TestMain$"},
			Env:     map[string]string{"MCPU_FACADE_TEST_FIXTURE": "1"},
		},
	}}
	p := pool.New(cfg.Lookup, 2*time.Second)
	cache := router.NewCache(t.TempDir(), p)
	r := router.New(cfg, p, cache)
	// Two-phase wiring: G needs the already-constructed Router, and the
	// Router only learns about G afterwards, same as cmd/mcpud/graph.go.
	b := batch.New(r, 0, 0)
	r.SetBatchRunner(b)
	return New(r, "mcpu-test", "0.0.0")
}

func callRequest(t *testing.T, args map[string]any) sdkmcp.CallToolRequest {
	t.Helper()
	req := sdkmcp.CallToolRequest{}
	req.Params.Name = "mcpu"
	req.Params.Arguments = args
	return req
}

func TestFacadeRejectsEmptyArgv(t *testing.T) {
	f := newTestFacade(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := f.handle(ctx, callRequest(t, map[string]any{"argv": []any{}}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestFacadeServersCommand(t *testing.T) {
	f := newTestFacade(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := f.handle(ctx, callRequest(t, map[string]any{"argv": []any{"servers"}}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text, ok := result.Content[0].(sdkmcp.TextContent)
	require.True(t, ok)
	var coreResult model.CoreResult
	require.NoError(t, json.Unmarshal([]byte(text.Text), &coreResult))
	require.True(t, coreResult.Success)
}

func TestFacadeCallWrapsToolError(t *testing.T) {
	f := newTestFacade(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := f.handle(ctx, callRequest(t, map[string]any{
		"argv": []any{"call", "fixture", "missing-tool"},
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	text, ok := result.Content[0].(sdkmcp.TextContent)
	require.True(t, ok)
	var coreResult model.CoreResult
	require.NoError(t, json.Unmarshal([]byte(text.Text), &coreResult))
	require.False(t, coreResult.Success)
}

func TestFacadeCallSucceeds(t *testing.T) {
	f := newTestFacade(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := f.handle(ctx, callRequest(t, map[string]any{
		"argv": []any{"call", "fixture", "echo", "--text=hi"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text, ok := result.Content[0].(sdkmcp.TextContent)
	require.True(t, ok)
	var coreResult model.CoreResult
	require.NoError(t, json.Unmarshal([]byte(text.Text), &coreResult))
	require.True(t, coreResult.Success)
	require.Equal(t, `"hi"`, coreResult.Output)
}

func TestFacadeBatchCommand(t *testing.T) {
	f := newTestFacade(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	params, err := json.Marshal(map[string]any{
		"calls": map[string]any{
			"01": map[string]any{"argv": []string{"call", "fixture", "echo", "--text=one"}},
		},
	})
	require.NoError(t, err)

	req := sdkmcp.CallToolRequest{}
	req.Params.Name = "mcpu"
	req.Params.Arguments = map[string]any{"argv": []any{"batch"}, "params": json.RawMessage(params)}

	result, err := f.handle(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	text, ok := result.Content[0].(sdkmcp.TextContent)
	require.True(t, ok)
	var coreResult model.CoreResult
	require.NoError(t, json.Unmarshal([]byte(text.Text), &coreResult))
	var out model.BatchOutput
	require.NoError(t, json.Unmarshal([]byte(coreResult.Output), &out))
	require.Equal(t, 1, out.Summary.Succeeded)
}
