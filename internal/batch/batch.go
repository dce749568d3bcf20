// Package batch implements the Batch Engine (component G): it validates,
// groups-by-server, orders, and concurrently executes a map of sub-calls,
// bounded by a global per-server concurrency cap, using
// golang.org/x/sync/semaphore to gate distinct server groups the way the
// Router's single-call path gates a single handle acquisition, and
// golang.org/x/sync/errgroup to fan the per-server groups out and back in.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"mcpu/internal/model"
	"mcpu/internal/router"
	"mcpu/internal/shaper"
)

// MaxBatchSize is the default ceiling on the number of sub-calls in one
// batch request.
const MaxBatchSize = 500

// MaxConcurrentServers is the default global concurrency cap across
// distinct target servers within one batch.
const MaxConcurrentServers = 10

var mutatingCommands = map[string]bool{
	"connect":    true,
	"disconnect": true,
	"reconnect":  true,
	"reload":     true,
	"setConfig":  true,
}

var allowedSubCommands = map[string]bool{
	"call":    true,
	"servers": true,
	"tools":   true,
	"info":    true,
}

// Request is the batch engine's input: a map of id -> sub-call.
type Request struct {
	Calls              map[string]model.BatchCall
	ResponseMode       shaper.Mode
	TimeoutMillis      int
	MaxParallelServers int
	OutputDir          string
}

// Engine runs batches against a Router.
type Engine struct {
	r                    *router.Router
	maxBatchSize         int
	maxConcurrentServers int
}

// New constructs an Engine delegating sub-calls to r.
func New(r *router.Router, maxBatchSize, maxConcurrentServers int) *Engine {
	if maxBatchSize <= 0 {
		maxBatchSize = MaxBatchSize
	}
	if maxConcurrentServers <= 0 {
		maxConcurrentServers = MaxConcurrentServers
	}
	return &Engine{r: r, maxBatchSize: maxBatchSize, maxConcurrentServers: maxConcurrentServers}
}

// RunBatch implements router.BatchRunner, letting the Router's `batch`
// command re-enter this Engine without the router package importing this
// one (which already imports router for its own per-call sub-dispatch).
func (e *Engine) RunBatch(ctx context.Context, in router.BatchInput) (model.BatchOutput, error) {
	return e.Run(ctx, Request{
		Calls:              in.Calls,
		ResponseMode:       in.ResponseMode,
		TimeoutMillis:      in.TimeoutMillis,
		MaxParallelServers: in.MaxParallelServers,
		OutputDir:          in.OutputDir,
	})
}

// Run validates, groups, orders, and executes req, returning a BatchOutput.
func (e *Engine) Run(ctx context.Context, req Request) (model.BatchOutput, error) {
	if err := e.validate(req); err != nil {
		return model.BatchOutput{}, err
	}

	groups := groupByServer(req.Calls)
	serverCap := req.MaxParallelServers
	if serverCap <= 0 || serverCap > e.maxConcurrentServers {
		serverCap = e.maxConcurrentServers
	}
	if len(groups) > e.maxConcurrentServers {
		return model.BatchOutput{}, fmt.Errorf("batch: %d distinct servers exceeds limit of %d", len(groups), e.maxConcurrentServers)
	}

	timeout := time.Duration(req.TimeoutMillis) * time.Millisecond
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results := make(map[string]model.BatchCallResult, len(req.Calls))
	var mu sync.Mutex
	sem := semaphore.NewWeighted(int64(serverCap))
	done := make(chan struct{})

	go func() {
		defer close(done)
		var g errgroup.Group
		for _, ids := range groups {
			ids := ids
			g.Go(func() error {
				if err := sem.Acquire(runCtx, 1); err != nil {
					mu.Lock()
					for _, id := range ids {
						results[id] = model.BatchCallResult{Success: false, Error: "cancelled: " + err.Error()}
					}
					mu.Unlock()
					return nil
				}
				defer sem.Release(1)
				e.runGroup(runCtx, req, ids, results, &mu)
				return nil
			})
		}
		_ = g.Wait()
	}()

	timedOut := false
	select {
	case <-done:
	case <-runCtx.Done():
		<-done
		if timeout > 0 {
			timedOut = true
		}
	}

	return e.assemble(req, results, timedOut), nil
}

// runGroup runs every sub-call for one server serially, in lexicographic
// id order, recording each result regardless of individual failure.
func (e *Engine) runGroup(ctx context.Context, req Request, ids []string, results map[string]model.BatchCallResult, mu *sync.Mutex) {
	sort.Strings(ids)
	for _, id := range ids {
		if ctx.Err() != nil {
			mu.Lock()
			results[id] = model.BatchCallResult{Success: false, Error: "cancelled"}
			mu.Unlock()
			continue
		}
		call := req.Calls[id]
		opts := router.CoreExecutionOptions{
			Argv:      call.Argv,
			Params:    call.Params,
			OutputDir: req.OutputDir,
			Mode:      req.ResponseMode,
		}
		result := e.r.Run(ctx, opts)

		var output json.RawMessage
		if result.Output != "" {
			output = json.RawMessage(mustQuote(result.Output))
		}
		mu.Lock()
		results[id] = model.BatchCallResult{
			Success: result.Success,
			Output:  output,
			Error:   result.Error,
		}
		mu.Unlock()
	}
}

func mustQuote(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(data)
}

func (e *Engine) assemble(req Request, results map[string]model.BatchCallResult, timedOut bool) model.BatchOutput {
	order := make([]string, 0, len(req.Calls))
	for id := range req.Calls {
		order = append(order, id)
	}
	sort.Strings(order)

	summary := model.BatchSummary{Total: len(req.Calls)}
	for _, id := range order {
		if r, ok := results[id]; ok && r.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	return model.BatchOutput{
		Summary:  summary,
		Order:    order,
		Results:  results,
		TimedOut: timedOut,
	}
}

func (e *Engine) validate(req Request) error {
	if len(req.Calls) == 0 {
		return fmt.Errorf("batch: empty batch")
	}
	if len(req.Calls) > e.maxBatchSize {
		return fmt.Errorf("batch: %d calls exceeds limit of %d", len(req.Calls), e.maxBatchSize)
	}
	for id, call := range req.Calls {
		if len(call.Argv) == 0 {
			return fmt.Errorf("batch: id %q: empty argv", id)
		}
		cmd := call.Argv[0]
		if cmd == "batch" {
			return fmt.Errorf("batch: id %q: nested batch is not allowed", id)
		}
		if mutatingCommands[cmd] {
			return fmt.Errorf("batch: id %q: mutating command %q is not allowed in a batch", id, cmd)
		}
		if !allowedSubCommands[cmd] {
			return fmt.Errorf("batch: id %q: command %q is not a valid sub-call", id, cmd)
		}
	}
	return nil
}

// extractServer returns the target server for argv, or the sentinel
// "__global__" when the command has no server-scoped positional.
func extractServer(argv []string) string {
	if len(argv) < 2 {
		return "__global__"
	}
	switch argv[0] {
	case "call", "info", "tools":
		return argv[1]
	default:
		return "__global__"
	}
}

func groupByServer(calls map[string]model.BatchCall) map[string][]string {
	groups := map[string][]string{}
	for id, call := range calls {
		server := extractServer(call.Argv)
		groups[server] = append(groups[server], id)
	}
	return groups
}
