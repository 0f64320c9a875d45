// Package agent owns the run engine: it turns one user-submitted message into
// a stream of agent/chat events and a final history entry, driving a pluggable
// backend adapter through the tool loop.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/switchboard/internal/sessions"
)

// DeltaThrottle is the minimum wall-clock gap between chat.delta events for a
// run. agent.assistant events are never throttled.
const DeltaThrottle = 150 * time.Millisecond

// Handler is the backend adapter contract. HandleRun streams events through h
// and returns the assistant content parts for the final message. Returning
// ctx.Err() after a cancellation is the normal abort path; the engine marks
// the run aborted and emits no further chat events.
type Handler interface {
	HandleRun(ctx context.Context, h *RunHandle) ([]sessions.ContentPart, error)
}

// Model is one selectable backend model.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// ToolDef describes a tool offered to the backend.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Message is one turn in the prompt sent to a backend. Role is user,
// assistant, or tool; tool messages carry the ToolCallID they answer.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a fully accumulated tool invocation requested by the model.
// Arguments holds the raw JSON-encoded argument string as streamed.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDelta is one streamed tool-call fragment. Backends that stream tool
// calls incrementally key fragments by Index; the loop concatenates the id,
// name, and argument pieces per index before dispatching.
type ToolDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Chunk is one unit of backend streaming output.
type Chunk struct {
	Text      string
	Thinking  string
	ToolDelta *ToolDelta
	Err       error
}

// StreamRequest is one streaming call to a backend.
type StreamRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDef
}

// Streamer is the provider side of the adapter: it opens one streaming
// completion and delivers chunks until the channel closes. Implementations
// must close the channel when the stream ends, delivering a final Chunk with
// Err set on failure.
type Streamer interface {
	Name() string
	Models() []Model
	Stream(ctx context.Context, req *StreamRequest) (<-chan *Chunk, error)
}

// Dispatcher resolves tool calls for the loop. Call reports tool-level
// failures through isError (the model sees them and continues); Go errors are
// reserved for dispatch-level failures.
type Dispatcher interface {
	List(ctx context.Context) []ToolDef
	Call(ctx context.Context, name string, args json.RawMessage) (content string, isError bool, err error)
}

// RunHandle is the emission surface an adapter drives while a run executes.
// It accumulates assistant text, applies the chat.delta throttle, and stamps
// the per-run sequence on every event. Not safe for use after HandleRun
// returns.
type RunHandle struct {
	e   *Engine
	run *Run
}

// RunID returns the run's id.
func (h *RunHandle) RunID() string { return h.run.ID }

// SessionKey returns the session the run belongs to.
func (h *RunHandle) SessionKey() string { return h.run.SessionKey }

// Message returns the user prompt that started the run.
func (h *RunHandle) Message() string { return h.run.Message }

// Model returns the engine's active model id.
func (h *RunHandle) Model() string { return h.e.ActiveModel() }

// History returns the session's trailing history, including the user message
// that started this run. limit <= 0 uses the store default.
func (h *RunHandle) History(limit int) []sessions.Entry {
	return h.e.store.History(h.run.SessionKey, limit)
}

// Reasoning emits one agent.reasoning delta and accumulates it on the run.
func (h *RunHandle) Reasoning(delta string) {
	if delta == "" {
		return
	}
	h.run.mu.Lock()
	h.run.thinking += delta
	h.run.mu.Unlock()
	h.e.emitAgent(h.run, "reasoning", map[string]any{"text": delta, "delta": true})
}

// Assistant appends delta to the run's accumulated text, emits one
// agent.assistant event, and emits a chat.delta when the throttle window has
// elapsed. The first delta of a run always flushes.
func (h *RunHandle) Assistant(delta string) {
	if delta == "" {
		return
	}
	r := h.run
	r.mu.Lock()
	r.text += delta
	total := r.text
	now := time.Now()
	flush := now.Sub(r.lastDelta) >= DeltaThrottle
	if flush {
		r.lastDelta = now
	}
	r.mu.Unlock()

	h.e.emitAgent(r, "assistant", map[string]any{"text": delta, "delta": true})
	if flush {
		h.e.emitChat(r, "delta", map[string]any{"text": total})
	}
}

// FlushDelta emits a final chat.delta carrying the complete accumulated text,
// bypassing the throttle. No-op when nothing has been streamed.
func (h *RunHandle) FlushDelta() {
	h.run.mu.Lock()
	total := h.run.text
	h.run.lastDelta = time.Now()
	h.run.mu.Unlock()
	if total == "" {
		return
	}
	h.e.emitChat(h.run, "delta", map[string]any{"text": total})
}

// ToolStart emits the agent.tool start phase for one dispatch.
func (h *RunHandle) ToolStart(name, toolCallID string, args json.RawMessage) {
	h.e.emitAgent(h.run, "tool", map[string]any{
		"phase":      "start",
		"name":       name,
		"toolCallId": toolCallID,
		"args":       args,
	})
}

// ToolResult emits the agent.tool result phase for one dispatch.
func (h *RunHandle) ToolResult(name, toolCallID, result string, isError bool) {
	h.e.emitAgent(h.run, "tool", map[string]any{
		"phase":      "result",
		"name":       name,
		"toolCallId": toolCallID,
		"result":     result,
		"isError":    isError,
	})
	if h.e.metrics != nil {
		status := "success"
		if isError {
			status = "error"
		}
		h.e.metrics.ToolCalls.WithLabelValues(name, status).Inc()
	}
}

// Cancelled reports whether the run has been aborted.
func (h *RunHandle) Cancelled() bool { return h.run.Cancelled() }
