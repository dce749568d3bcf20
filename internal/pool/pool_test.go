package pool

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"
	sdkserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"mcpu/internal/model"
)

func TestMain(m *testing.M) {
	if os.Getenv("MCPU_POOL_TEST_FIXTURE") == "1" {
		runFixtureServer()
		return
	}
	os.Exit(m.Run())
}

func runFixtureServer() {
	srv := sdkserver.NewMCPServer("fixture", "0.1.0", sdkserver.WithToolCapabilities(true))
	schema := []byte(`{"type":"object","properties":{"millis":{"type":"number"}},"required":["millis"]}`)
	srv.AddTool(sdkmcp.NewToolWithRawSchema("sleep", "sleeps for millis ms then echoes", schema),
		func(ctx context.Context, req sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error) {
			millis, _ := req.GetArguments()["millis"].(float64)
			time.Sleep(time.Duration(millis) * time.Millisecond)
			return &sdkmcp.CallToolResult{Content: []sdkmcp.Content{sdkmcp.NewTextContent("done")}}, nil
		})
	stdio := sdkserver.NewStdioServer(srv)
	_ = stdio.Listen(context.Background(), os.Stdin, os.Stdout)
}

func fixtureLookup(t *testing.T) LaunchSpecLookup {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	spec := model.LaunchSpec{
		Command: self,
		Args:    []string{"-test.run", "^TestMain$"},
		Env:     map[string]string{"MCPU_POOL_TEST_FIXTURE": "1"},
	}
	return func(name model.ServerName) (model.LaunchSpec, bool) {
		if name != "fixture" {
			return model.LaunchSpec{}, false
		}
		return spec, true
	}
}

func TestEnsureTransitionsToReady(t *testing.T) {
	p := New(fixtureLookup(t), time.Second)
	require.Equal(t, StateIdle, p.State("fixture"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Ensure(ctx, "fixture"))
	require.Equal(t, StateReady, p.State("fixture"))
}

func TestEnsureUnknownServerFails(t *testing.T) {
	p := New(fixtureLookup(t), time.Second)
	require.Error(t, p.Ensure(context.Background(), "nope"))
}

func TestDisconnectReturnsToIdle(t *testing.T) {
	p := New(fixtureLookup(t), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Ensure(ctx, "fixture"))
	require.NoError(t, p.Disconnect("fixture"))
	require.Equal(t, StateIdle, p.State("fixture"))
}

func TestGetHandleSerializesPerServerCalls(t *testing.T) {
	p := New(fixtureLookup(t), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 5
	var order []int32
	var mu sync.Mutex
	var active int32

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			h, err := p.GetHandle(ctx, "fixture")
			require.NoError(t, err)
			cur := atomic.AddInt32(&active, 1)
			require.Equal(t, int32(1), cur, "handles must be exclusive per server")
			_, err = h.Client().CallTool(ctx, "sleep", map[string]any{"millis": float64(10)})
			require.NoError(t, err)
			atomic.AddInt32(&active, -1)
			mu.Lock()
			order = append(order, int32(i))
			mu.Unlock()
			h.Release()
		}(i)
	}
	wg.Wait()
	require.Len(t, order, n)
}

func TestReconnectReEnsuresReady(t *testing.T) {
	p := New(fixtureLookup(t), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Ensure(ctx, "fixture"))
	require.NoError(t, p.Reconnect(ctx, "fixture"))
	require.Equal(t, StateReady, p.State("fixture"))
}
