package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

// Observer hears every transition of a run and every streamed chunk.
// Calls arrive synchronously from the goroutine that caused them.
type Observer interface {
	ObjectChanged(ev Event)
	NodeOutput(nodeID, chunk string)
}

// Run drives one graph from the initial kick to quiescence. A graph has at
// most one run.
type Run struct {
	ID string

	g         *Graph
	rc        RunContext
	observers []Observer

	ctx     context.Context
	cancel  context.CancelFunc
	unhook  func() bool
	stopped atomic.Bool
	started time.Time

	inflight atomic.Int64
	kicked   atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	selMu     sync.Mutex
	selection string

	clientMu sync.Mutex
	clients  map[string]llm.Client
}

// NewRun attaches a run to a wired graph.
func NewRun(g *Graph, rc RunContext, observers ...Observer) (*Run, error) {
	if !g.wired {
		return nil, errors.New("graph is not wired")
	}
	r := &Run{
		ID:        uuid.NewString(),
		g:         g,
		rc:        rc,
		observers: observers,
		done:      make(chan struct{}),
		selection: rc.Selection,
		clients:   make(map[string]llm.Client),
	}
	if !g.run.CompareAndSwap(nil, r) {
		return nil, errors.New("graph already has a run")
	}
	if len(observers) > 0 {
		for _, o := range g.Objects() {
			o.Subscribe(r.notify)
		}
	}
	return r, nil
}

func (r *Run) notify(ev Event) {
	for _, o := range r.observers {
		o.ObjectChanged(ev)
	}
}

func (r *Run) output(nodeID, chunk string) {
	for _, o := range r.observers {
		o.NodeOutput(nodeID, chunk)
	}
}

// Start kicks every object without dependencies: groups outermost first,
// then nodes, then edges. Everything after that is driven by transitions.
// Cancelling ctx stops the run.
func (r *Run) Start(ctx context.Context) error {
	if !r.kicked.CompareAndSwap(false, true) {
		return errors.New("run already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.unhook = context.AfterFunc(r.ctx, r.Stop)
	r.started = time.Now()
	slog.Info("run started", "run", r.ID, "objects", r.g.Len(), "mock", r.rc.Mock)

	r.begin()
	defer r.end()
	for _, o := range r.g.kickOrder() {
		if len(o.Dependencies()) == 0 {
			o.base().tryExecute()
		}
	}
	return nil
}

// Stop sets the stop flag. Nodes not yet started are rejected when they
// come up; waits that poll the flag give up.
func (r *Run) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		slog.Info("run stopping", "run", r.ID)
		if r.cancel != nil {
			r.cancel()
		}
	}
}

// Stopped reports whether Stop was called.
func (r *Run) Stopped() bool { return r.stopped.Load() }

// Selection is the current text selection; reference nodes may replace it.
func (r *Run) Selection() string {
	r.selMu.Lock()
	defer r.selMu.Unlock()
	return r.selection
}

func (r *Run) setSelection(s string) {
	r.selMu.Lock()
	defer r.selMu.Unlock()
	r.selection = s
}

func (r *Run) begin() { r.inflight.Add(1) }

func (r *Run) end() {
	if r.inflight.Add(-1) == 0 {
		r.doneOnce.Do(func() { close(r.done) })
	}
}

// client returns a cached model client for modelID.
func (r *Run) client(modelID string) (llm.Client, error) {
	r.clientMu.Lock()
	defer r.clientMu.Unlock()
	if c, ok := r.clients[modelID]; ok {
		return c, nil
	}
	factory := r.rc.Clients
	if factory == nil {
		factory = llm.NewClient
	}
	c, err := factory(modelID)
	if err != nil {
		return nil, err
	}
	r.clients[modelID] = c
	return c, nil
}

// Wait blocks until no node is in flight, then reports the outcome. It
// returns ctx.Err() if ctx ends first.
func (r *Run) Wait(ctx context.Context) (*Result, error) {
	if !r.kicked.Load() {
		return nil, errors.New("run not started")
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res := &Result{
		RunID:    r.ID,
		Statuses: make(map[string]Status, r.g.Len()),
		Messages: make(map[string]string),
		Stopped:  r.Stopped(),
		Duration: time.Since(r.started),
	}
	for _, o := range r.g.Objects() {
		st := o.Status()
		res.Statuses[o.ID()] = st
		switch st {
		case Rejected:
			res.Messages[o.ID()] = o.Message()
		case Pending, Executing:
			res.Unreached = append(res.Unreached, o.ID())
		}
	}
	slog.Info("run finished", "run", r.ID, "duration", res.Duration, "rejected", len(res.Messages), "unreached", len(res.Unreached))
	r.unhook()
	r.cancel()
	return res, nil
}

// Result is the state of every object once a run went quiet.
type Result struct {
	RunID    string
	Statuses map[string]Status
	// Messages holds the diagnostic of every rejected object.
	Messages  map[string]string
	Unreached []string
	Stopped   bool
	Duration  time.Duration
}

// Rejected lists the rejected object ids, sorted.
func (res *Result) Rejected() []string {
	ids := make([]string, 0, len(res.Messages))
	for id := range res.Messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Err summarizes the nodes that failed on their own as one error, or
// returns nil. Rejections cascaded from a dependency are not repeated.
func (res *Result) Err(g *Graph) error {
	var errs []error
	for _, id := range res.Rejected() {
		msg := res.Messages[id]
		if strings.HasPrefix(msg, "dependency ") {
			continue
		}
		if o := g.Get(id); o != nil && o.Kind().IsNode() {
			errs = append(errs, fmt.Errorf("node %q: %s", id, msg))
		}
	}
	if res.Stopped {
		errs = append(errs, errors.New("run stopped"))
	}
	return errors.Join(errs...)
}
