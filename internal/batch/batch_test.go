package batch

import (
	"context"
	"os"
	"testing"
	"time"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"
	sdkserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"mcpu/internal/model"
	"mcpu/internal/pool"
	"mcpu/internal/router"
)

func TestMain(m *testing.M) {
	if os.Getenv("MCPU_BATCH_TEST_FIXTURE") == "1" {
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

func newTestEngine(t *testing.T, serverNames ...string) *Engine {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	servers := make(map[string]model.LaunchSpec, len(serverNames))
	for _, name := range serverNames {
		servers[name] = model.LaunchSpec{
			Command: self,
			Args:    []string{"-test.run", "^TestMain$"},
			Env:     map[string]string{"MCPU_BATCH_TEST_FIXTURE": "1"},
		}
	}
	cfg := &fakeConfig{servers: servers}
	p := pool.New(cfg.Lookup, 2*time.Second)
	cache := router.NewCache(t.TempDir(), p)
	r := router.New(cfg, p, cache)
	return New(r, 0, 0)
}

func TestBatchRejectsEmpty(t *testing.T) {
	e := newTestEngine(t, "a")
	_, err := e.Run(context.Background(), Request{Calls: map[string]model.BatchCall{}})
	require.Error(t, err)
}

func TestBatchRejectsNestedBatch(t *testing.T) {
	e := newTestEngine(t, "a")
	_, err := e.Run(context.Background(), Request{Calls: map[string]model.BatchCall{
		"1": {Argv: []string{"batch"}},
	}})
	require.Error(t, err)
}

func TestBatchRejectsMutatingCommand(t *testing.T) {
	e := newTestEngine(t, "a")
	_, err := e.Run(context.Background(), Request{Calls: map[string]model.BatchCall{
		"1": {Argv: []string{"connect", "a"}},
	}})
	require.Error(t, err)
}

func TestBatchRejectsTooManyDistinctServers(t *testing.T) {
	e := newTestEngine(t, "a")
	e.maxConcurrentServers = 1
	calls := map[string]model.BatchCall{
		"1": {Argv: []string{"call", "a", "echo", "--text=x"}},
		"2": {Argv: []string{"call", "b", "echo", "--text=x"}},
	}
	_, err := e.Run(context.Background(), Request{Calls: calls})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds limit")
}

func TestBatchExecutesAndOrdersById(t *testing.T) {
	e := newTestEngine(t, "a")
	calls := map[string]model.BatchCall{
		"10": {Argv: []string{"call", "a", "echo", "--text=ten"}},
		"01": {Argv: []string{"call", "a", "echo", "--text=one"}},
		"02": {Argv: []string{"call", "a", "echo", "--text=two"}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := e.Run(ctx, Request{Calls: calls})
	require.NoError(t, err)
	require.Equal(t, []string{"01", "02", "10"}, out.Order)
	require.Equal(t, 3, out.Summary.Total)
	require.Equal(t, 3, out.Summary.Succeeded)
	require.Equal(t, `"one"`, string(out.Results["01"].Output))
}

func TestBatchIndividualFailureDoesNotAbortGroup(t *testing.T) {
	e := newTestEngine(t, "a")
	calls := map[string]model.BatchCall{
		"01": {Argv: []string{"call", "a", "missing-tool"}},
		"02": {Argv: []string{"call", "a", "echo", "--text=ok"}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := e.Run(ctx, Request{Calls: calls})
	require.NoError(t, err)
	require.False(t, out.Results["01"].Success)
	require.True(t, out.Results["02"].Success)
}
