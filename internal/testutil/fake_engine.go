// Package testutil provides fakes for gateway tests: an agent engine, a
// commerce back end, and an identity provider.
package testutil

import (
	"context"
	"slices"
	"sync"

	gateway "github.com/hanzoai/bot/internal"
	"github.com/hanzoai/bot/internal/agent"
)

// FakeEngine implements agent.Engine. Run publishes the configured deltas and
// a terminal lifecycle event to the bus, then returns the configured result,
// mirroring the real engine's contract.
type FakeEngine struct {
	Bus interface {
		Publish(evt gateway.AgentEvent)
	}

	Deltas       []string // assistant deltas emitted in order
	Payloads     []string
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	Err          error // Run fails with a lifecycle error event

	Agents  []string
	Default string

	mu       sync.Mutex
	requests []agent.RunRequest
}

func (e *FakeEngine) Run(_ context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	if e.Bus != nil {
		e.Bus.Publish(gateway.AgentEvent{
			RunID: req.RunID, Stream: gateway.StreamLifecycle, Phase: gateway.PhaseStart,
		})
		for _, d := range e.Deltas {
			e.Bus.Publish(gateway.AgentEvent{
				RunID: req.RunID, Stream: gateway.StreamAssistant, Text: d,
			})
		}
		if e.Err != nil {
			e.Bus.Publish(gateway.AgentEvent{
				RunID: req.RunID, Stream: gateway.StreamLifecycle, Phase: gateway.PhaseError, Error: e.Err.Error(),
			})
		} else {
			e.Bus.Publish(gateway.AgentEvent{
				RunID: req.RunID, Stream: gateway.StreamLifecycle, Phase: gateway.PhaseEnd,
			})
		}
	}

	if e.Err != nil {
		return nil, e.Err
	}
	return &agent.RunResult{
		Payloads:     e.Payloads,
		Model:        e.Model,
		Provider:     e.Provider,
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		TotalTokens:  e.InputTokens + e.OutputTokens,
	}, nil
}

func (e *FakeEngine) KnownAgent(id string) bool {
	return slices.Contains(e.Agents, id)
}

func (e *FakeEngine) DefaultAgent() string {
	if e.Default != "" {
		return e.Default
	}
	return "default"
}

// Requests returns a snapshot of the run requests received so far.
func (e *FakeEngine) Requests() []agent.RunRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.requests)
}
