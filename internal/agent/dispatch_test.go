package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/hanzoai/bot/internal"
)

type recordingBus struct {
	mu     sync.Mutex
	events []gateway.AgentEvent
}

func (b *recordingBus) Publish(evt gateway.AgentEvent) {
	b.mu.Lock()
	b.events = append(b.events, evt)
	b.mu.Unlock()
}

func (b *recordingBus) last(t *testing.T) gateway.AgentEvent {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		t.Fatal("no events published")
	}
	return b.events[len(b.events)-1]
}

type stubNode struct {
	sendErr error
	mu      sync.Mutex
	sent    []RunRequest
}

func (n *stubNode) SendRun(_ context.Context, req RunRequest) error {
	n.mu.Lock()
	n.sent = append(n.sent, req)
	n.mu.Unlock()
	return n.sendErr
}

type stubDirectory struct {
	node *stubNode
}

func (d stubDirectory) PickNode(string) (NodeSender, bool) {
	if d.node == nil {
		return nil, false
	}
	return d.node, true
}

func TestDispatcherKnownAgents(t *testing.T) {
	d := NewDispatcher(stubDirectory{}, nil, "default", []string{"bot", "researcher"})
	for _, id := range []string{"default", "bot", "researcher"} {
		if !d.KnownAgent(id) {
			t.Errorf("KnownAgent(%q) = false, want true", id)
		}
	}
	if d.KnownAgent("gpt-4") {
		t.Error("KnownAgent(gpt-4) = true, want false")
	}
	if d.DefaultAgent() != "default" {
		t.Errorf("DefaultAgent() = %q", d.DefaultAgent())
	}
}

func TestRunResolvesOnComplete(t *testing.T) {
	node := &stubNode{}
	d := NewDispatcher(stubDirectory{node: node}, &recordingBus{}, "default", nil)

	req := RunRequest{RunID: gateway.NewRunID(), AgentID: "default", Prompt: "hi"}
	var (
		result *RunResult
		runErr error
		done   = make(chan struct{})
	)
	go func() {
		result, runErr = d.Run(context.Background(), req)
		close(done)
	}()

	// Wait for dispatch, then complete as the transport would.
	deadline := time.Now().Add(time.Second)
	for {
		node.mu.Lock()
		sent := len(node.sent)
		node.mu.Unlock()
		if sent == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never dispatched")
		}
		time.Sleep(time.Millisecond)
	}
	if !d.Complete(req.RunID, &RunResult{Payloads: []string{"hello"}, OutputTokens: 2}, nil) {
		t.Fatal("Complete found no pending run")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Complete")
	}
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if len(result.Payloads) != 1 || result.Payloads[0] != "hello" {
		t.Errorf("result = %+v", result)
	}
}

func TestRunFailsWithoutNode(t *testing.T) {
	bus := &recordingBus{}
	d := NewDispatcher(stubDirectory{}, bus, "default", nil)

	_, err := d.Run(context.Background(), RunRequest{RunID: "run-1", AgentID: "default"})
	if err == nil || !strings.Contains(err.Error(), "no node available") {
		t.Fatalf("err = %v, want no-node error", err)
	}
	evt := bus.last(t)
	if !evt.Terminal() || evt.Phase != gateway.PhaseError {
		t.Errorf("published %+v, want terminal lifecycle error", evt)
	}
}

func TestRunFailsOnSendError(t *testing.T) {
	bus := &recordingBus{}
	node := &stubNode{sendErr: errors.New("socket closed")}
	d := NewDispatcher(stubDirectory{node: node}, bus, "default", nil)

	_, err := d.Run(context.Background(), RunRequest{RunID: "run-2", AgentID: "default"})
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if evt := bus.last(t); evt.Phase != gateway.PhaseError {
		t.Errorf("published %+v, want lifecycle error", evt)
	}
}

func TestRunTimesOut(t *testing.T) {
	bus := &recordingBus{}
	d := NewDispatcher(stubDirectory{node: &stubNode{}}, bus, "default", nil)
	d.runTimeout = 20 * time.Millisecond

	_, err := d.Run(context.Background(), RunRequest{RunID: "run-3", AgentID: "default"})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
	// A late result finds nothing pending.
	if d.Complete("run-3", &RunResult{}, nil) {
		t.Error("Complete resolved a timed-out run")
	}
}

func TestRunCancelled(t *testing.T) {
	d := NewDispatcher(stubDirectory{node: &stubNode{}}, &recordingBus{}, "default", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Run(ctx, RunRequest{RunID: "run-4", AgentID: "default"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCompleteUnknownRun(t *testing.T) {
	d := NewDispatcher(stubDirectory{}, nil, "default", nil)
	if d.Complete("ghost", &RunResult{}, nil) {
		t.Error("Complete(ghost) = true, want false")
	}
}
