package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	gateway "github.com/hanzoai/bot/internal"
)

// defaultRunTimeout bounds a dispatched run with no result from its node.
const defaultRunTimeout = 5 * time.Minute

// NodeSender delivers a run request to one connected node.
type NodeSender interface {
	SendRun(ctx context.Context, req RunRequest) error
}

// Directory finds a live node able to serve an agent.
type Directory interface {
	PickNode(agentID string) (NodeSender, bool)
}

// Publisher fans run events out to subscribers.
type Publisher interface {
	Publish(evt gateway.AgentEvent)
}

// Completer receives the terminal result of a dispatched run. The WebSocket
// transport calls it when a node reports back.
type Completer interface {
	// Complete resolves the pending run. Returns false when no run with
	// that ID is awaiting a result.
	Complete(runID string, result *RunResult, runErr error) bool
}

// Dispatcher routes runs to connected nodes and implements Engine. Events
// stream back through the bus independently; Run resolves when the transport
// delivers the node's terminal result via Complete.
type Dispatcher struct {
	directory  Directory
	bus        Publisher
	defaultID  string
	known      map[string]struct{}
	runTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan outcome
}

type outcome struct {
	result *RunResult
	err    error
}

// NewDispatcher creates a Dispatcher over the node directory. known lists the
// agent IDs the OpenAI adapter may select by model name; defaultID is used
// when the model names none.
func NewDispatcher(directory Directory, bus Publisher, defaultID string, known []string) *Dispatcher {
	ids := make(map[string]struct{}, len(known)+1)
	for _, id := range known {
		ids[id] = struct{}{}
	}
	if defaultID != "" {
		ids[defaultID] = struct{}{}
	}
	return &Dispatcher{
		directory:  directory,
		bus:        bus,
		defaultID:  defaultID,
		known:      ids,
		runTimeout: defaultRunTimeout,
		pending:    make(map[string]chan outcome),
	}
}

func (d *Dispatcher) KnownAgent(id string) bool {
	_, ok := d.known[id]
	return ok
}

func (d *Dispatcher) DefaultAgent() string { return d.defaultID }

// Run dispatches the request to a node and blocks until the node's result
// arrives, the run times out, or ctx is cancelled. Local failures publish a
// terminal lifecycle error so stream subscribers always see the run end.
func (d *Dispatcher) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ch := make(chan outcome, 1)
	d.mu.Lock()
	d.pending[req.RunID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, req.RunID)
		d.mu.Unlock()
	}()

	node, ok := d.directory.PickNode(req.AgentID)
	if !ok {
		return nil, d.fail(req.RunID, fmt.Errorf("agent: no node available for agent %q", req.AgentID))
	}
	if err := node.SendRun(ctx, req); err != nil {
		return nil, d.fail(req.RunID, fmt.Errorf("agent: dispatch to node: %w", err))
	}

	timer := time.NewTimer(d.runTimeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-timer.C:
		return nil, d.fail(req.RunID, fmt.Errorf("agent: run %s timed out", req.RunID))
	case <-ctx.Done():
		return nil, d.fail(req.RunID, ctx.Err())
	}
}

// Complete resolves the pending run with the node-reported result.
func (d *Dispatcher) Complete(runID string, result *RunResult, runErr error) bool {
	d.mu.Lock()
	ch, ok := d.pending[runID]
	if ok {
		delete(d.pending, runID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	ch <- outcome{result: result, err: runErr}
	return true
}

// fail publishes a terminal lifecycle error and returns err.
func (d *Dispatcher) fail(runID string, err error) error {
	if d.bus != nil {
		d.bus.Publish(gateway.AgentEvent{
			RunID:  runID,
			Stream: gateway.StreamLifecycle,
			Phase:  gateway.PhaseError,
			Error:  err.Error(),
		})
	}
	return err
}
