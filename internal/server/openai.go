package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	gateway "github.com/hanzoai/bot/internal"
	"github.com/hanzoai/bot/internal/agent"
	"github.com/hanzoai/bot/internal/telemetry"
)

var chatTracer = telemetry.Tracer("server/openai")

// fallbackContent is returned when a run completes without any payload text.
const fallbackContent = "No response from Hanzo Bot."

// streamErrorContent is surfaced mid-stream when the run fails internally.
const streamErrorContent = "Error: internal error"

// --- Wire types ---

// chatRequest is the OpenAI-compatible chat completion request body.
type chatRequest struct {
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
	Stream   json.RawMessage `json:"stream"`
	User     string          `json:"user"`
}

// chatMessage is one entry of the messages array.
type chatMessage struct {
	Role    string          `json:"role"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      *assistantReply `json:"message,omitempty"`
	Delta        *assistantReply `json:"delta,omitempty"`
	FinishReason *string         `json:"finish_reason"`
}

type assistantReply struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Handler ---

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, apiError("request body too large", "invalid_request_error"))
			return
		}
		writeJSON(w, http.StatusBadRequest, apiError("invalid request body: "+err.Error(), "invalid_request_error"))
		return
	}

	messages, err := parseMessages(req.Messages)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError(err.Error(), "invalid_request_error"))
		return
	}

	prompt, extraSystem := composePrompt(messages)
	if prompt == "" && extraSystem == "" {
		writeJSON(w, http.StatusBadRequest, apiError("messages produced an empty prompt", "invalid_request_error"))
		return
	}

	agentID := s.deps.Engine.DefaultAgent()
	if req.Model != "" && s.deps.Engine.KnownAgent(req.Model) {
		agentID = req.Model
	}

	ctx, span := chatTracer.Start(r.Context(), "chat.completion")
	span.SetAttributes(attribute.String("agent.id", agentID))
	defer span.End()
	r = r.WithContext(ctx)

	userOrConn := req.User
	if userOrConn == "" {
		userOrConn = gateway.RequestIDFromContext(r.Context())
	}

	run := agent.RunRequest{
		RunID:       gateway.NewRunID(),
		AgentID:     agentID,
		SessionKey:  "openai:" + agentID + ":" + userOrConn,
		Prompt:      prompt,
		ExtraSystem: extraSystem,
	}

	// Billing admission before any engine work.
	if s.deps.Gate != nil {
		if err := s.deps.Gate.Check(r.Context(), gateway.TenantFromContext(r.Context()), bearerFromRequest(r)); err != nil {
			if s.deps.Metrics != nil {
				s.deps.Metrics.BillingDenials.WithLabelValues("chat").Inc()
			}
			writeJSON(w, http.StatusPaymentRequired, apiError(err.Error(), "billing_error"))
			return
		}
	}

	if coerceBool(req.Stream) {
		s.streamChatCompletion(w, r, req.Model, run)
		return
	}

	result, err := s.deps.Engine.Run(r.Context(), run)
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "agent run failed",
			slog.String("run_id", run.RunID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, apiError("internal error", "api_error"))
		return
	}

	content := joinPayloads(result.Payloads)
	if content == "" {
		content = fallbackContent
	}
	s.recordUsage(r.Context(), req.Model, result)

	stop := "stop"
	writeJSON(w, http.StatusOK, chatResponse{
		ID:      run.RunID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      &assistantReply{Role: "assistant", Content: content},
			FinishReason: &stop,
		}},
		Usage: &chatUsage{
			PromptTokens:     result.InputTokens,
			CompletionTokens: result.OutputTokens,
			TotalTokens:      result.TotalTokens,
		},
	})
}

// streamChatCompletion bridges the agent-event bus onto an SSE response.
func (s *server) streamChatCompletion(w http.ResponseWriter, r *http.Request, model string, run agent.RunRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, apiError("streaming unsupported", "api_error"))
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.StreamedRuns.Inc()
	}

	// Subscribe before dispatch so the first delta cannot be lost.
	sub := s.deps.Bus.Subscribe(run.RunID)
	defer sub.Unsubscribe()

	// The run outlives a client disconnect; only event forwarding stops.
	runCtx := context.WithoutCancel(r.Context())
	type runOutcome struct {
		result *agent.RunResult
		err    error
	}
	resCh := make(chan runOutcome, 1)
	go func() {
		result, err := s.deps.Engine.Run(runCtx, run)
		resCh <- runOutcome{result, err}
	}()

	writeSSEHeaders(w)
	flusher.Flush()

	created := time.Now().Unix()
	chunk := func(delta *assistantReply, finish *string) chatResponse {
		return chatResponse{
			ID:      run.RunID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chatChoice{{Delta: delta, FinishReason: finish}},
		}
	}

	closed := false
	sawDelta := false
	harvested := false
	for !closed {
		select {
		case evt := <-sub.Ch():
			switch {
			case evt.Stream == gateway.StreamAssistant:
				if evt.Text == "" {
					continue
				}
				if !sawDelta {
					sawDelta = true
					writeSSEJSON(w, chunk(&assistantReply{Role: "assistant"}, nil))
				}
				writeSSEJSON(w, chunk(&assistantReply{Content: evt.Text}, nil))
				flusher.Flush()

			case evt.Terminal():
				if evt.Phase == gateway.PhaseError {
					writeSSEJSON(w, chunk(&assistantReply{Content: streamErrorContent}, nil))
				} else if !sawDelta {
					// Engine produced payloads but no deltas; synthesize one
					// role+content chunk from the run result. The run returns
					// right after its terminal event, so this wait is short.
					content := fallbackContent
					select {
					case outcome := <-resCh:
						harvested = true
						if outcome.err == nil {
							if joined := joinPayloads(outcome.result.Payloads); joined != "" {
								content = joined
							}
							s.recordUsage(runCtx, model, outcome.result)
						}
					case <-time.After(5 * time.Second):
					case <-r.Context().Done():
					}
					writeSSEJSON(w, chunk(&assistantReply{Role: "assistant", Content: content}, nil))
				}
				writeSSEDone(w)
				flusher.Flush()
				closed = true
			}

		case <-r.Context().Done():
			// Client went away: stop forwarding, drop further events.
			closed = true
		}
	}

	if harvested {
		return
	}
	// Harvest the run result for usage accounting without holding the
	// response open.
	go func() {
		outcome := <-resCh
		if outcome.err != nil {
			slog.LogAttrs(runCtx, slog.LevelError, "agent run failed",
				slog.String("run_id", run.RunID),
				slog.String("error", outcome.err.Error()),
			)
			return
		}
		s.recordUsage(runCtx, model, outcome.result)
	}()
}

// recordUsage enqueues a usage record when the run consumed tokens.
func (s *server) recordUsage(ctx context.Context, model string, result *agent.RunResult) {
	if s.deps.Usage == nil || result == nil {
		return
	}
	if result.InputTokens == 0 && result.OutputTokens == 0 {
		return
	}
	if model == "" {
		model = result.Model
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "input").Add(float64(result.InputTokens))
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "output").Add(float64(result.OutputTokens))
	}
	s.deps.Usage.Report(gateway.UsageRecord{
		Tenant:       gateway.TenantFromContext(ctx),
		Model:        model,
		Provider:     result.Provider,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		TotalTokens:  result.TotalTokens,
		DurationMs:   result.DurationMs,
		Timestamp:    time.Now(),
	})
}

// --- Body validation and prompt composition ---

// parseMessages enforces that messages is a JSON array of message objects.
func parseMessages(raw json.RawMessage) ([]chatMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("messages must be an array")
	}
	var msgs []chatMessage
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return nil, errors.New("messages must be an array of message objects")
	}
	return msgs, nil
}

// coerceBool interprets the stream field leniently: booleans, the strings
// "true"/"false", and numbers all coerce.
func coerceBool(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "false", `"false"`, "0":
		return false
	case "true", `"true"`, "1":
		return true
	default:
		var b bool
		if err := json.Unmarshal(trimmed, &b); err == nil {
			return b
		}
		return false
	}
}

// contentText extracts the text of a message content value: either a JSON
// string or an array of typed parts whose text fields are concatenated.
func contentText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
		return ""
	}
	if trimmed[0] == '[' {
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return ""
		}
		var b strings.Builder
		for _, p := range parts {
			if p.Text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
		return b.String()
	}
	return ""
}

// composePrompt reshapes the OpenAI message list into a single composite
// prompt. system/developer messages concatenate into an extra system prompt;
// user/assistant/tool/function messages become tagged conversation entries.
func composePrompt(messages []chatMessage) (prompt, extraSystem string) {
	var system []string
	var entries []string

	for _, m := range messages {
		text := contentText(m.Content)
		if text == "" {
			continue
		}
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, text)
		case "user":
			entries = append(entries, "User: "+text)
		case "assistant":
			entries = append(entries, "Assistant: "+text)
		case "tool", "function":
			tag := "Tool"
			if m.Name != "" {
				tag += ":" + m.Name
			}
			entries = append(entries, tag+": "+text)
		}
	}
	return strings.Join(entries, "\n"), strings.Join(system, "\n\n")
}

// joinPayloads concatenates non-empty payload texts with blank lines.
func joinPayloads(payloads []string) string {
	var kept []string
	for _, p := range payloads {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
