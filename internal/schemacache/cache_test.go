package schemacache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"mcpu/internal/model"
)

func TestGetFetchesOnceOnMemoryMiss(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, name model.ServerName) ([]model.ToolSchema, error) {
		atomic.AddInt32(&calls, 1)
		return []model.ToolSchema{{Name: "tool-a"}}, nil
	}
	c := New(t.TempDir(), fetch)

	tools, err := c.Get(context.Background(), "server", "fp1")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Second Get with the same fingerprint hits memory, no refetch.
	tools, err = c.Get(context.Background(), "server", "fp1")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetRefetchesOnFingerprintMismatch(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, name model.ServerName) ([]model.ToolSchema, error) {
		n := atomic.AddInt32(&calls, 1)
		return []model.ToolSchema{{Name: fmt.Sprintf("tool-%d", n)}}, nil
	}
	c := New(t.TempDir(), fetch)

	_, err := c.Get(context.Background(), "server", "fp1")
	require.NoError(t, err)
	tools, err := c.Get(context.Background(), "server", "fp2")
	require.NoError(t, err)
	require.Equal(t, "tool-2", tools[0].Name)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetSharesSingleFetchAcrossConcurrentMisses(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, name model.ServerName) ([]model.ToolSchema, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []model.ToolSchema{{Name: "tool-a"}}, nil
	}
	c := New(t.TempDir(), fetch)

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			tools, err := c.Get(context.Background(), "server", "fp1")
			require.NoError(t, err)
			require.Len(t, tools, 1)
		}()
	}
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetSurvivesCorruptDiskEntry(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, func(ctx context.Context, name model.ServerName) ([]model.ToolSchema, error) {
		return []model.ToolSchema{{Name: "fresh"}}, nil
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.json"), []byte("not json"), 0o644))

	tools, err := c.Get(context.Background(), "server", "fp1")
	require.NoError(t, err)
	require.Equal(t, "fresh", tools[0].Name)
}

func TestReloadForcesRefetch(t *testing.T) {
	var calls int32
	c := New(t.TempDir(), func(ctx context.Context, name model.ServerName) ([]model.ToolSchema, error) {
		atomic.AddInt32(&calls, 1)
		return []model.ToolSchema{{Name: "tool-a"}}, nil
	})

	_, err := c.Get(context.Background(), "server", "fp1")
	require.NoError(t, err)
	c.Reload("server")
	_, err = c.Get(context.Background(), "server", "fp1")
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
