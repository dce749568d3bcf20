// Package router implements the Router/Executor (component E): it accepts
// CoreExecutionOptions, dispatches on argv[0], and wraps every failure into
// a CoreResult tagged with an error Kind and the failing server name.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"mcpu/internal/execsandbox"
	"mcpu/internal/model"
	"mcpu/internal/pool"
	"mcpu/internal/schemacache"
	"mcpu/internal/shaper"
)

// Kind classifies a Router-level failure.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not-found"
	KindConnect     Kind = "connect"
	KindTransport   Kind = "transport"
	KindProtocol    Kind = "protocol"
	KindToolError   Kind = "tool-error"
	KindTimeout     Kind = "timeout"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

// Error is a Kind-tagged Router failure, naming the server and step where
// it occurred.
type Error struct {
	Kind   Kind
	Server string
	Step   string
	Err    error
}

func (e *Error) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Step, e.Server, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CoreExecutionOptions is the Router's sole input shape.
type CoreExecutionOptions struct {
	Argv      []string
	Params    json.RawMessage
	Cwd       string
	StdinData json.RawMessage
	OutputDir string
	Mode      shaper.Mode
}

// ConfigView is the subset of config.View the Router depends on.
type ConfigView interface {
	Lookup(name model.ServerName) (model.LaunchSpec, bool)
	List() []model.ServerName
}

// BatchInput is the shape the Router hands to a BatchRunner for a `batch`
// command — deliberately a local type rather than batch.Request, so that
// this package never has to import package batch (which already imports
// this package for its per-call sub-dispatch).
type BatchInput struct {
	Calls              map[string]model.BatchCall
	ResponseMode       shaper.Mode
	TimeoutMillis      int
	MaxParallelServers int
	OutputDir          string
}

// BatchRunner is the narrow interface component G (the Batch Engine)
// implements so the Router's `batch` command can re-enter it.
type BatchRunner interface {
	RunBatch(ctx context.Context, in BatchInput) (model.BatchOutput, error)
}

// Router wires the Config View, Connection Pool, and Schema Cache into the
// compact command surface, including `batch` (delegated to an injected
// BatchRunner) and `exec` (delegated to an owned Exec Subsystem sandbox).
type Router struct {
	cfg     ConfigView
	pool    *pool.Pool
	cache   *schemacache.Cache
	sandbox *execsandbox.Sandbox
	batch   BatchRunner
}

// New constructs a Router. cache must have been built with a Fetcher that
// resolves through p (see NewCache). The Router owns its own Exec Subsystem
// sandbox, whose mux callback re-enters this same Router.
func New(cfg ConfigView, p *pool.Pool, cache *schemacache.Cache) *Router {
	r := &Router{cfg: cfg, pool: p, cache: cache}
	r.sandbox = execsandbox.New(r.dispatchMux)
	return r
}

// SetBatchRunner wires component G into the Router after construction. Two-
// phase wiring is required because G's constructor takes this *Router (for
// its per-call sub-dispatch), so G cannot exist before the Router does.
func (r *Router) SetBatchRunner(b BatchRunner) {
	r.batch = b
}

// NewCache builds a schemacache.Cache whose Fetcher acquires a pool handle
// and calls ListTools — the standard wiring between components C and D.
func NewCache(root string, p *pool.Pool) *schemacache.Cache {
	return schemacache.New(root, func(ctx context.Context, name model.ServerName) ([]model.ToolSchema, error) {
		h, err := p.GetHandle(ctx, name)
		if err != nil {
			return nil, err
		}
		defer h.Release()
		return h.Client().ListTools(ctx)
	})
}

// Run dispatches opts.Argv[0] and always returns a CoreResult, never a raw
// error: every failure is wrapped with the taxonomy Kind.
func (r *Router) Run(ctx context.Context, opts CoreExecutionOptions) model.CoreResult {
	if len(opts.Argv) == 0 {
		return r.fail(&Error{Kind: KindValidation, Step: "parse", Err: fmt.Errorf("argv must not be empty")})
	}

	cmd, args := opts.Argv[0], opts.Argv[1:]
	sh := shaper.New(opts.OutputDir, 0)

	switch cmd {
	case "servers":
		return r.runServers()
	case "connect":
		return r.runConnect(ctx, args)
	case "disconnect":
		return r.runDisconnect(args)
	case "reconnect":
		return r.runReconnect(ctx, args)
	case "reload":
		return r.runReload(args)
	case "tools":
		return r.runTools(ctx, args, opts.Mode, sh)
	case "info":
		return r.runInfo(ctx, args, opts.Mode, sh)
	case "call":
		return r.runCall(ctx, args, opts, sh)
	case "batch":
		return r.runBatch(ctx, opts)
	case "exec":
		return r.runExec(ctx, opts)
	default:
		return r.fail(&Error{Kind: KindValidation, Step: "parse", Err: fmt.Errorf("unknown command %q", cmd)})
	}
}

func (r *Router) fail(err *Error) model.CoreResult {
	code := model.ExitOperation
	if err.Kind == KindValidation {
		code = model.ExitValidation
	}
	if err.Kind == KindTimeout {
		code = model.ExitTimeout
	}
	return model.Err(code, "%s", err.Error())
}

func (r *Router) runServers() model.CoreResult {
	type serverStatus struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	names := r.cfg.List()
	statuses := make([]serverStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, serverStatus{Name: name, State: string(r.pool.State(name))})
	}
	data, _ := json.Marshal(statuses)
	return model.Ok(string(data))
}

func (r *Router) lookup(name string) error {
	if _, ok := r.cfg.Lookup(name); !ok {
		return &Error{Kind: KindNotFound, Server: name, Step: "lookup", Err: fmt.Errorf("unknown server")}
	}
	return nil
}

func (r *Router) runConnect(ctx context.Context, args []string) model.CoreResult {
	if len(args) != 1 {
		return r.fail(&Error{Kind: KindValidation, Step: "parse", Err: fmt.Errorf("connect requires exactly one server name")})
	}
	name := args[0]
	if err := r.lookup(name); err != nil {
		return r.fail(err.(*Error))
	}
	if err := r.pool.Ensure(ctx, name); err != nil {
		return r.fail(&Error{Kind: KindConnect, Server: name, Step: "ensure", Err: err})
	}
	return model.Ok(fmt.Sprintf(`{"server":%q,"state":"ready"}`, name))
}

func (r *Router) runDisconnect(args []string) model.CoreResult {
	if len(args) != 1 {
		return r.fail(&Error{Kind: KindValidation, Step: "parse", Err: fmt.Errorf("disconnect requires exactly one server name")})
	}
	name := args[0]
	if err := r.lookup(name); err != nil {
		return r.fail(err.(*Error))
	}
	if err := r.pool.Disconnect(name); err != nil {
		return r.fail(&Error{Kind: KindInternal, Server: name, Step: "disconnect", Err: err})
	}
	return model.Ok(fmt.Sprintf(`{"server":%q,"state":"idle"}`, name))
}

func (r *Router) runReconnect(ctx context.Context, args []string) model.CoreResult {
	if len(args) != 1 {
		return r.fail(&Error{Kind: KindValidation, Step: "parse", Err: fmt.Errorf("reconnect requires exactly one server name")})
	}
	name := args[0]
	if err := r.lookup(name); err != nil {
		return r.fail(err.(*Error))
	}
	if err := r.pool.Reconnect(ctx, name); err != nil {
		return r.fail(&Error{Kind: KindConnect, Server: name, Step: "reconnect", Err: err})
	}
	return model.Ok(fmt.Sprintf(`{"server":%q,"state":"ready"}`, name))
}

func (r *Router) runReload(args []string) model.CoreResult {
	if len(args) > 1 {
		return r.fail(&Error{Kind: KindValidation, Step: "parse", Err: fmt.Errorf("reload takes at most one server name")})
	}
	if len(args) == 1 {
		name := args[0]
		if err := r.lookup(name); err != nil {
			return r.fail(err.(*Error))
		}
		r.cache.Reload(name)
		return model.Ok(fmt.Sprintf(`{"reloaded":[%q]}`, name))
	}
	names := r.cfg.List()
	for _, name := range names {
		r.cache.Reload(name)
	}
	data, _ := json.Marshal(names)
	return model.Ok(fmt.Sprintf(`{"reloaded":%s}`, data))
}

func (r *Router) fingerprint(name string) (string, *Error) {
	spec, ok := r.cfg.Lookup(name)
	if !ok {
		return "", &Error{Kind: KindNotFound, Server: name, Step: "lookup", Err: fmt.Errorf("unknown server")}
	}
	return spec.Fingerprint(), nil
}

func (r *Router) runTools(ctx context.Context, args []string, mode shaper.Mode, sh *shaper.Shaper) model.CoreResult {
	names := args
	if len(names) == 0 {
		names = r.cfg.List()
	}
	out := map[string][]model.ToolSchema{}
	for _, name := range names {
		fp, ferr := r.fingerprint(name)
		if ferr != nil {
			return r.fail(ferr)
		}
		tools, err := r.cache.Get(ctx, name, fp)
		if err != nil {
			return r.fail(&Error{Kind: KindTransport, Server: name, Step: "list_tools", Err: err})
		}
		out[name] = tools
	}
	shaped, err := sh.ShapeJSON(mode, out)
	if err != nil {
		return r.fail(&Error{Kind: KindInternal, Step: "shape", Err: err})
	}
	return okFromShaped(shaped)
}

func (r *Router) runInfo(ctx context.Context, args []string, mode shaper.Mode, sh *shaper.Shaper) model.CoreResult {
	if len(args) < 1 {
		return r.fail(&Error{Kind: KindValidation, Step: "parse", Err: fmt.Errorf("info requires a server name")})
	}
	name := args[0]
	wanted := args[1:]

	fp, ferr := r.fingerprint(name)
	if ferr != nil {
		return r.fail(ferr)
	}
	tools, err := r.cache.Get(ctx, name, fp)
	if err != nil {
		return r.fail(&Error{Kind: KindTransport, Server: name, Step: "list_tools", Err: err})
	}

	if len(wanted) == 0 {
		shaped, err := sh.ShapeJSON(mode, tools)
		if err != nil {
			return r.fail(&Error{Kind: KindInternal, Step: "shape", Err: err})
		}
		return okFromShaped(shaped)
	}

	byName := make(map[string]model.ToolSchema, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	result := make([]model.ToolSchema, 0, len(wanted))
	for _, w := range wanted {
		t, ok := byName[w]
		if !ok {
			return r.fail(&Error{Kind: KindNotFound, Server: name, Step: "info", Err: fmt.Errorf("unknown tool %q", w)})
		}
		result = append(result, t)
	}
	shaped, err := sh.ShapeJSON(mode, result)
	if err != nil {
		return r.fail(&Error{Kind: KindInternal, Step: "shape", Err: err})
	}
	return okFromShaped(shaped)
}

func (r *Router) runCall(ctx context.Context, args []string, opts CoreExecutionOptions, sh *shaper.Shaper) model.CoreResult {
	if len(args) < 2 {
		return r.fail(&Error{Kind: KindValidation, Step: "parse", Err: fmt.Errorf("call requires a server name and tool name")})
	}
	name, tool, flags := args[0], args[1], args[2:]

	if err := r.lookup(name); err != nil {
		return r.fail(err.(*Error))
	}

	callArgs, err := assembleArgs(flags, opts.StdinData)
	if err != nil {
		return r.fail(&Error{Kind: KindValidation, Server: name, Step: "parse", Err: err})
	}

	h, herr := r.pool.GetHandle(ctx, name)
	if herr != nil {
		return r.fail(&Error{Kind: KindConnect, Server: name, Step: "acquire_handle", Err: herr})
	}
	defer h.Release()

	result, cerr := h.Client().CallTool(ctx, tool, callArgs)
	if cerr != nil {
		if ctx.Err() != nil {
			return r.fail(&Error{Kind: KindCancelled, Server: name, Step: "call_tool", Err: ctx.Err()})
		}
		return r.fail(&Error{Kind: KindTransport, Server: name, Step: "call_tool", Err: cerr})
	}

	if result.IsError {
		shaped, serr := sh.Shape(opts.Mode, []byte(result.Text))
		if serr != nil {
			return r.fail(&Error{Kind: KindInternal, Step: "shape", Err: serr})
		}
		out := shaped.Inline
		if out == "" {
			out = shaped.Preview
		}
		return model.CoreResult{Success: false, Output: out, Error: "tool-error", ExitCode: model.ExitOperation}
	}

	shaped, serr := sh.Shape(opts.Mode, []byte(result.Text))
	if serr != nil {
		return r.fail(&Error{Kind: KindInternal, Step: "shape", Err: serr})
	}
	return okFromShaped(shaped)
}

// batchParams is the wire shape of a `batch` command's opts.Params, per
// spec.md §6's batch envelope.
type batchParams struct {
	Calls              map[string]model.BatchCall `json:"calls"`
	ResponseMode       shaper.Mode                 `json:"response_mode,omitempty"`
	Timeout            int                         `json:"timeout,omitempty"`
	MaxParallelServers int                         `json:"max_parallel_servers,omitempty"`
	OutputDir          string                      `json:"output_dir,omitempty"`
}

// runBatch delegates a `batch` command to the injected BatchRunner (G),
// the re-entry point spec.md §2 describes: "Batch (G) ... re-enter(s) E
// recursively for [its] sub-calls", with E itself owning the dispatch of
// the `batch` verb so every caller of the Router gets the same behavior.
func (r *Router) runBatch(ctx context.Context, opts CoreExecutionOptions) model.CoreResult {
	if r.batch == nil {
		return r.fail(&Error{Kind: KindInternal, Step: "batch", Err: fmt.Errorf("batch engine not configured")})
	}
	var bp batchParams
	if len(opts.Params) > 0 {
		if err := json.Unmarshal(opts.Params, &bp); err != nil {
			return r.fail(&Error{Kind: KindValidation, Step: "parse", Err: fmt.Errorf("batch: invalid params: %w", err)})
		}
	}
	outputDir := bp.OutputDir
	if outputDir == "" {
		outputDir = opts.OutputDir
	}

	out, err := r.batch.RunBatch(ctx, BatchInput{
		Calls:              bp.Calls,
		ResponseMode:       bp.ResponseMode,
		TimeoutMillis:      bp.Timeout,
		MaxParallelServers: bp.MaxParallelServers,
		OutputDir:          outputDir,
	})
	if err != nil {
		return r.fail(&Error{Kind: KindValidation, Step: "batch", Err: err})
	}
	data, merr := json.Marshal(out)
	if merr != nil {
		return r.fail(&Error{Kind: KindInternal, Step: "marshal", Err: merr})
	}
	return model.Ok(string(data))
}

// execParams is the wire shape of an `exec` command's opts.Params, per
// spec.md §4.H.
type execParams struct {
	File      string `json:"file,omitempty"`
	Code      string `json:"code,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// runExec delegates an `exec` command to the Router's own Exec Subsystem
// sandbox (H), whose mux callback (dispatchMux) re-enters this Router.
func (r *Router) runExec(ctx context.Context, opts CoreExecutionOptions) model.CoreResult {
	var ep execParams
	if len(opts.Params) > 0 {
		if err := json.Unmarshal(opts.Params, &ep); err != nil {
			return r.fail(&Error{Kind: KindValidation, Step: "parse", Err: fmt.Errorf("exec: invalid params: %w", err)})
		}
	}
	return r.sandbox.Run(ctx, execsandbox.Options{
		File:      ep.File,
		Code:      ep.Code,
		Cwd:       opts.Cwd,
		TimeoutMS: ep.TimeoutMS,
	})
}

// dispatchMux serves one MuxRequest from an exec worker's `mcpu __mux`
// helper by re-entering Run: a batch-shaped request runs the `batch`
// command, everything else runs as the argv it names — matching spec.md
// §4.H's "The daemon runs it through E (batch form uses G)".
func (r *Router) dispatchMux(ctx context.Context, req execsandbox.MuxRequest) (json.RawMessage, error) {
	var result model.CoreResult
	if len(req.Batch) > 0 {
		result = r.Run(ctx, CoreExecutionOptions{Argv: []string{"batch"}, Params: req.Batch})
	} else {
		if len(req.Argv) == 0 {
			return nil, fmt.Errorf("mux: argv must not be empty")
		}
		result = r.Run(ctx, CoreExecutionOptions{Argv: req.Argv, Params: req.Params})
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("mux: marshal result: %w", err)
	}
	return data, nil
}

func okFromShaped(shaped shaper.Shaped) model.CoreResult {
	out := shaped.Inline
	if out == "" {
		out = shaped.Preview
	}
	return model.Ok(out)
}

// assembleArgs builds the tool arguments object per spec.md §4.E: stdinData
// (if present) is parsed as JSON and used directly; it conflicts with
// inline --k=v forms. Otherwise, --key=value / --key:type=value flags are
// folded into a map, with repeated keys collapsing into a string array.
func assembleArgs(flags []string, stdinData json.RawMessage) (map[string]any, error) {
	if len(stdinData) > 0 {
		if len(flags) > 0 {
			return nil, fmt.Errorf("stdinData conflicts with inline --k=v arguments")
		}
		var args map[string]any
		if err := json.Unmarshal(stdinData, &args); err != nil {
			return nil, fmt.Errorf("stdinData: invalid JSON: %w", err)
		}
		return args, nil
	}

	args := map[string]any{}
	for _, flag := range flags {
		key, typ, value, err := parseFlag(flag)
		if err != nil {
			return nil, err
		}
		converted, err := convert(typ, value)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", key, err)
		}
		if existing, ok := args[key]; ok {
			switch e := existing.(type) {
			case []string:
				if s, ok := converted.(string); ok {
					args[key] = append(e, s)
				} else {
					return nil, fmt.Errorf("--%s: repeated key requires string values", key)
				}
			default:
				s, ok1 := existing.(string)
				s2, ok2 := converted.(string)
				if !ok1 || !ok2 {
					return nil, fmt.Errorf("--%s: repeated key requires string values", key)
				}
				args[key] = []string{s, s2}
			}
			continue
		}
		args[key] = converted
	}
	return args, nil
}

func parseFlag(flag string) (key, typ, value string, err error) {
	if !strings.HasPrefix(flag, "--") {
		return "", "", "", fmt.Errorf("argument %q must start with --", flag)
	}
	body := strings.TrimPrefix(flag, "--")
	eq := strings.IndexByte(body, '=')
	if eq < 0 {
		return "", "", "", fmt.Errorf("argument %q missing '='", flag)
	}
	lhs, value := body[:eq], body[eq+1:]
	typ = "string"
	key = lhs
	if colon := strings.IndexByte(lhs, ':'); colon >= 0 {
		key, typ = lhs[:colon], lhs[colon+1:]
	}
	if key == "" {
		return "", "", "", fmt.Errorf("argument %q has an empty key", flag)
	}
	return key, typ, value, nil
}

func convert(typ, value string) (any, error) {
	switch typ {
	case "string", "":
		return value, nil
	case "number":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", value)
		}
		return f, nil
	case "boolean":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", value)
		}
		return b, nil
	case "json":
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			return nil, fmt.Errorf("not valid json: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
}
