package execsandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcpu/internal/model"
)

func noopDispatch(ctx context.Context, req MuxRequest) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func TestRunRejectsNeitherFileNorCode(t *testing.T) {
	s := New(noopDispatch)
	result := s.Run(context.Background(), Options{})
	require.False(t, result.Success)
	require.Equal(t, model.ExitValidation, result.ExitCode)
}

func TestRunRejectsBothFileAndCode(t *testing.T) {
	s := New(noopDispatch)
	result := s.Run(context.Background(), Options{File: "whatever.sh", Code: "exit 0"})
	require.False(t, result.Success)
	require.Equal(t, model.ExitValidation, result.ExitCode)
}

func TestRunSucceeds(t *testing.T) {
	s := New(noopDispatch)
	result := s.Run(context.Background(), Options{Code: "exit 0"})
	require.True(t, result.Success)
	require.Equal(t, model.ExitOK, result.ExitCode)
}

func TestRunReportsWorkerFailure(t *testing.T) {
	s := New(noopDispatch)
	result := s.Run(context.Background(), Options{Code: "exit 7"})
	require.False(t, result.Success)
	require.Equal(t, model.ExitOperation, result.ExitCode)
}

func TestRunTimesOut(t *testing.T) {
	s := New(noopDispatch)
	start := time.Now()
	result := s.Run(context.Background(), Options{Code: "sleep 5", TimeoutMS: 100})
	elapsed := time.Since(start)

	require.False(t, result.Success)
	require.Equal(t, model.ExitTimeout, result.ExitCode)
	require.Less(t, elapsed, 4*time.Second)
}

// TestMuxRoundTrip exercises serveMux end to end: the worker script writes
// one MuxRequest line to fd 3 and blocks reading fd 4, the dispatcher
// records what it was called with and hands back a canned result, and the
// worker writes what it read back out to a file the test can inspect —
// standing in for the real `mcpu __mux` helper, which can't be invoked here
// since the toolchain never builds this module's binary during this task.
func TestMuxRoundTrip(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "mux-reply.json")
	require.NoError(t, os.Setenv("MCPU_TEST_MUX_OUT", outPath))
	defer os.Unsetenv("MCPU_TEST_MUX_OUT")

	var gotReq MuxRequest
	dispatch := func(ctx context.Context, req MuxRequest) (json.RawMessage, error) {
		gotReq = req
		return json.RawMessage(`{"servers":["fixture"]}`), nil
	}

	s := New(dispatch)
	script := `echo '{"id":1,"argv":["servers"]}' >&3
read -r reply <&4
printf '%s' "$reply" > "$MCPU_TEST_MUX_OUT"
`
	result := s.Run(context.Background(), Options{Code: script, TimeoutMS: 5000})
	require.True(t, result.Success)

	require.Equal(t, []string{"servers"}, gotReq.Argv)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)

	var reply MuxReply
	require.NoError(t, json.Unmarshal(data, &reply))
	require.Equal(t, int64(1), reply.ID)
	require.Empty(t, reply.Error)
	require.JSONEq(t, `{"servers":["fixture"]}`, string(reply.Result))
}

func TestRunReadsScriptFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("exit 0\n"), 0o755))

	s := New(noopDispatch)
	result := s.Run(context.Background(), Options{File: path})
	require.True(t, result.Success)
}
