// Package pool implements the Connection Pool (component D): it owns every
// live mcpclient.Client, grants exclusive FIFO-fair handles, and drives the
// per-server idle/connecting/ready/draining/failed state machine.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mcpu/internal/mcpclient"
	"mcpu/internal/model"
)

// ServerState is the pool-level lifecycle state of one server's connection.
type ServerState string

const (
	StateIdle       ServerState = "idle"
	StateConnecting ServerState = "connecting"
	StateReady      ServerState = "ready"
	StateDraining   ServerState = "draining"
	StateFailed     ServerState = "failed"
)

// LaunchSpecLookup resolves the current LaunchSpec for a server name.
type LaunchSpecLookup func(name model.ServerName) (model.LaunchSpec, bool)

// entry tracks one server's connection plus the FIFO-fair exclusive lock
// that serializes every call into its Client.
type entry struct {
	mu    sync.Mutex // guards state/client transitions
	state ServerState
	err   error
	client *mcpclient.Client

	// fifo is a ticket lock: each waiter enqueues its own channel and
	// blocks on it, guaranteeing first-come-first-served ordering that a
	// plain sync.Mutex does not.
	fifoMu sync.Mutex
	queue  []chan struct{}
	held   bool
}

// Pool is the process-wide singleton owning every server's Client.
type Pool struct {
	lookup LaunchSpecLookup

	mu      sync.Mutex
	entries map[model.ServerName]*entry

	closeDeadline time.Duration
}

// New constructs a Pool. closeDeadline bounds how long disconnect waits for
// an in-flight request to finish before forcing a kill.
func New(lookup LaunchSpecLookup, closeDeadline time.Duration) *Pool {
	if closeDeadline <= 0 {
		closeDeadline = 5 * time.Second
	}
	return &Pool{lookup: lookup, entries: make(map[model.ServerName]*entry), closeDeadline: closeDeadline}
}

func (p *Pool) entryFor(name model.ServerName) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[name]
	if !ok {
		e = &entry{state: StateIdle}
		p.entries[name] = e
	}
	return e
}

// State reports the current pool state of name ("idle" if never seen).
func (p *Pool) State(name model.ServerName) ServerState {
	e := p.entryFor(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Ensure drives name to ready, constructing and connecting a Client if it
// is idle or failed. It is a no-op if already ready. A caller arriving while
// another connect or a disconnect of name is in progress waits for it to
// finish (or for ctx to end) before deciding.
func (p *Pool) Ensure(ctx context.Context, name model.ServerName) error {
	spec, ok := p.lookup(name)
	if !ok {
		return fmt.Errorf("pool: unknown server %q", name)
	}

	e := p.entryFor(name)
	e.mu.Lock()
	for e.state == StateConnecting || e.state == StateDraining {
		e.mu.Unlock()
		if ctx.Err() != nil {
			return fmt.Errorf("pool: server %q busy: %w", name, ctx.Err())
		}
		time.Sleep(5 * time.Millisecond)
		e.mu.Lock()
	}
	switch e.state {
	case StateReady:
		e.mu.Unlock()
		return nil
	}
	e.state = StateConnecting
	e.mu.Unlock()

	client := mcpclient.New(name, spec)
	err := client.Connect(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = StateFailed
		e.err = err
		return fmt.Errorf("pool: connect %q: %w", name, err)
	}
	e.client = client
	e.state = StateReady
	e.err = nil
	return nil
}

// Disconnect transitions name to draining, waits (bounded by the pool's
// close deadline) for the current handle holder to release, shuts the
// client down, and returns to idle. Any state other than ready is force-
// killed immediately.
func (p *Pool) Disconnect(name model.ServerName) error {
	e := p.entryFor(name)

	e.mu.Lock()
	client := e.client
	wasReady := e.state == StateReady
	if wasReady {
		e.state = StateDraining
	}
	e.mu.Unlock()

	if client == nil {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		return nil
	}

	if wasReady {
		waitForDrain(e, p.closeDeadline)
	}

	err := client.Close()

	e.mu.Lock()
	e.client = nil
	e.state = StateIdle
	e.mu.Unlock()

	if err != nil {
		return fmt.Errorf("pool: disconnect %q: %w", name, err)
	}
	return nil
}

// waitForDrain blocks until no handle is held or the deadline elapses.
func waitForDrain(e *entry, deadline time.Duration) {
	cutoff := time.Now().Add(deadline)
	for time.Now().Before(cutoff) {
		e.fifoMu.Lock()
		idle := !e.held
		e.fifoMu.Unlock()
		if idle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Reconnect is Disconnect followed by Ensure.
func (p *Pool) Reconnect(ctx context.Context, name model.ServerName) error {
	_ = p.Disconnect(name)
	return p.Ensure(ctx, name)
}

// Handle is an exclusive, FIFO-fair lease on one server's Client. Callers
// must call Release exactly once.
type Handle struct {
	pool   *Pool
	name   model.ServerName
	entry  *entry
	client *mcpclient.Client
}

// Client returns the leased Client. Valid until Release.
func (h *Handle) Client() *mcpclient.Client { return h.client }

// Release returns the handle to the FIFO queue, waking the next waiter.
func (h *Handle) Release() {
	h.entry.fifoMu.Lock()
	if len(h.entry.queue) > 0 {
		next := h.entry.queue[0]
		h.entry.queue = h.entry.queue[1:]
		close(next)
	} else {
		h.entry.held = false
	}
	h.entry.fifoMu.Unlock()
}

// GetHandle ensures name is ready and returns an exclusive handle to its
// Client. Waiters are served strictly in arrival order.
func (p *Pool) GetHandle(ctx context.Context, name model.ServerName) (*Handle, error) {
	if err := p.Ensure(ctx, name); err != nil {
		return nil, err
	}
	e := p.entryFor(name)

	e.fifoMu.Lock()
	if !e.held {
		e.held = true
		e.fifoMu.Unlock()
	} else {
		wait := make(chan struct{})
		e.queue = append(e.queue, wait)
		e.fifoMu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	client := e.client
	state := e.state
	e.mu.Unlock()
	if state != StateReady || client == nil {
		h := &Handle{pool: p, name: name, entry: e}
		h.Release()
		return nil, fmt.Errorf("pool: server %q not ready (%s)", name, state)
	}

	return &Handle{pool: p, name: name, entry: e, client: client}, nil
}

// Names returns every server name the pool has ever seen an operation for.
func (p *Pool) Names() []model.ServerName {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]model.ServerName, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	return names
}
