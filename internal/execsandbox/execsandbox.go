// Package execsandbox implements the Exec Subsystem (component H): it runs
// a short user script in an isolated child process, with a mux primitive
// exposed via a companion CLI invocation ("mcpu __mux") talking back to the
// parent over a pair of anonymous pipes, per the exec-script-language
// decision recorded in DESIGN.md.
package execsandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"mcpu/internal/model"
)

// MuxRequest is one request a worker's script sends over fd 3.
type MuxRequest struct {
	ID     int64           `json:"id"`
	Argv   []string        `json:"argv,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Batch  json.RawMessage `json:"batch,omitempty"`
}

// MuxReply is the corresponding reply written to fd 4.
type MuxReply struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Dispatcher runs one mux request to completion, delegating batch-shaped
// requests to the Batch Engine and everything else to the Router — the
// Router supplies this (router.New wires in its own dispatchMux).
type Dispatcher func(ctx context.Context, req MuxRequest) (json.RawMessage, error)

// Options is the exec subsystem's input, mirroring spec.md §4.H. Exactly
// one of File/Code must be set.
type Options struct {
	File      string
	Code      string
	Cwd       string
	TimeoutMS int
}

// Sandbox spawns worker processes and serves their mux requests.
type Sandbox struct {
	dispatch Dispatcher
}

// New constructs a Sandbox whose mux requests are served by dispatch.
func New(dispatch Dispatcher) *Sandbox {
	return &Sandbox{dispatch: dispatch}
}

// Run executes one script-or-file to completion, returning a CoreResult.
// A script exceeding opts.TimeoutMS is hard-killed and reported with
// ExitTimeout (124). Pending mux requests in flight at that point are
// dropped along with the worker's process group.
func (s *Sandbox) Run(ctx context.Context, opts Options) model.CoreResult {
	if (opts.File == "") == (opts.Code == "") {
		return model.Err(model.ExitValidation, "exec: exactly one of file or code must be set")
	}

	timeout := time.Duration(opts.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// requests: child writes (fd 3), parent reads.
	requestsR, requestsW, err := os.Pipe()
	if err != nil {
		return model.Err(model.ExitOperation, "exec: pipe: %v", err)
	}
	defer requestsR.Close()

	// replies: parent writes, child reads (fd 4).
	repliesR, repliesW, err := os.Pipe()
	if err != nil {
		_ = requestsW.Close()
		return model.Err(model.ExitOperation, "exec: pipe: %v", err)
	}
	defer repliesW.Close()

	counterPath, err := newMuxCounterFile()
	if err != nil {
		_ = requestsW.Close()
		_ = repliesR.Close()
		return model.Err(model.ExitOperation, "exec: %v", err)
	}
	defer os.Remove(counterPath)

	cmd, err := s.buildCommand(runCtx, opts, requestsW, repliesR, counterPath)
	if err != nil {
		_ = requestsW.Close()
		_ = repliesR.Close()
		return model.Err(model.ExitOperation, "exec: %v", err)
	}

	if err := cmd.Start(); err != nil {
		_ = requestsW.Close()
		_ = repliesR.Close()
		return model.Err(model.ExitOperation, "exec: start: %v", err)
	}
	// The child has its own dup of these; close the parent's copies so
	// requestsR observes EOF once the worker exits.
	_ = requestsW.Close()
	_ = repliesR.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.serveMux(runCtx, requestsR, repliesW)
	}()

	waitErr := cmd.Wait()
	timedOut := runCtx.Err() == context.DeadlineExceeded
	if timedOut {
		// Kill the whole group before waiting on serveMux: anything the
		// script spawned still holds fd 3 and would keep it from seeing EOF.
		killProcessGroup(cmd)
	}
	wg.Wait()

	if timedOut {
		return model.CoreResult{Success: false, Error: "exec timed out", ExitCode: model.ExitTimeout}
	}

	if waitErr != nil {
		return model.Err(model.ExitOperation, "exec: worker failed: %v", waitErr)
	}
	return model.Ok("")
}

// buildCommand assembles the worker process: a shell (-c <code, or the
// file's contents>) with the request/reply pipes passed as extra file
// descriptors 3 and 4, and MuxCounterEnv pointed at this worker's id
// counter file so every `mcpu __mux` invocation the script shells out to
// shares the same monotonic namespace. The worker's stdout and stderr both
// go to this process's stderr, keeping stdout free for the stdio façade.
func (s *Sandbox) buildCommand(ctx context.Context, opts Options, requestsW, repliesR *os.File, counterPath string) (*exec.Cmd, error) {
	script := opts.Code
	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		script = string(data)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{requestsW, repliesR} // child sees these as fd 3, fd 4
	cmd.Env = append(os.Environ(), MuxCounterEnv+"="+counterPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// MuxCounterEnv names the environment variable a worker (and every `mcpu
// __mux` invocation its script shells out to) reads to find its id counter
// file, per spec.md §4.H/§9's "monotonically increasing id namespace per
// worker" — a fresh counter file per Run call gives each worker its own
// namespace, shared by every __mux invocation that inherits the env.
const MuxCounterEnv = "MCPU_MUX_COUNTER_FILE"

// newMuxCounterFile creates a zero-initialized counter file for one worker
// run and returns its path.
func newMuxCounterFile() (string, error) {
	f, err := os.CreateTemp("", "mcpu-mux-counter-*")
	if err != nil {
		return "", fmt.Errorf("create mux counter file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString("0"); err != nil {
		return "", fmt.Errorf("init mux counter file: %w", err)
	}
	return f.Name(), nil
}

// killProcessGroup hard-kills the worker and everything it spawned
// (mcpu __mux invocations included), relying on the Setpgid group set at
// Start.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// serveMux reads newline-delimited MuxRequests from requestsR (the parent's
// end of the worker's fd 3) and writes newline-delimited MuxReplies to
// repliesW (the parent's end of fd 4), dispatching each request
// concurrently so replies may arrive out of order, matching spec.md §4.H.
func (s *Sandbox) serveMux(ctx context.Context, requestsR *os.File, repliesW *os.File) {
	scanner := bufio.NewScanner(requestsR)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var req MuxRequest
			if err := json.Unmarshal(line, &req); err != nil {
				return
			}
			result, err := s.dispatch(ctx, req)
			reply := MuxReply{ID: req.ID, Result: result}
			if err != nil {
				reply.Error = err.Error()
			}
			data, merr := json.Marshal(reply)
			if merr != nil {
				return
			}
			writeMu.Lock()
			_, _ = repliesW.Write(append(data, '\n'))
			writeMu.Unlock()
		}()
	}
	wg.Wait()
}
