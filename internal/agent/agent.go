// Package agent defines the contract between the gateway and the external
// agent execution engine. The engine produces payloads and a stream of
// lifecycle/assistant events for each run identifier; the gateway only
// consumes this interface and never implements agent behavior itself.
package agent

import "context"

// RunRequest is one agent invocation.
type RunRequest struct {
	RunID       string // chatcmpl_{uuid}, minted by the caller
	AgentID     string
	SessionKey  string // e.g. openai:{agentId}:{userOrConnId}
	Prompt      string // composed conversation prompt
	ExtraSystem string // concatenated system/developer messages
}

// RunResult is the completed run's output and accounting metadata.
type RunResult struct {
	Payloads     []string // content payloads, joined by the adapter
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	DurationMs   int64
}

// Engine executes agent runs. Implementations publish assistant deltas and
// lifecycle events (including the terminal end/error) to the event bus under
// the request's RunID while Run is in flight; Run returns after the terminal
// event has been published.
type Engine interface {
	// Run executes the request to completion. A non-nil error corresponds to
	// a lifecycle error event for the run.
	Run(ctx context.Context, req RunRequest) (*RunResult, error)

	// KnownAgent reports whether id names a configured agent.
	KnownAgent(id string) bool

	// DefaultAgent returns the agent used when the model names none.
	DefaultAgent() string
}
