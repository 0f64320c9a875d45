package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/haasonsaas/switchboard/internal/mcp"
	"github.com/haasonsaas/switchboard/internal/sessions"
)

// MaxIterations hard-caps the tool loop so a model that keeps requesting
// tools cannot spin forever.
const MaxIterations = 10

// LoopHandler implements the streamed-delta/tool-loop algorithm once, for any
// Streamer. It opens a streaming completion, translates chunks into run
// events, dispatches accumulated tool calls, and re-enters the backend with
// the enriched messages until the model produces final text.
type LoopHandler struct {
	Backend       Streamer
	Tools         Dispatcher // nil disables tool use
	System        string
	MaxIterations int
	Logger        *slog.Logger
}

func (l *LoopHandler) HandleRun(ctx context.Context, h *RunHandle) ([]sessions.ContentPart, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIter := l.MaxIterations
	if maxIter <= 0 {
		maxIter = MaxIterations
	}

	var tools []ToolDef
	if l.Tools != nil {
		tools = l.Tools.List(ctx)
	}
	messages := historyToMessages(h.History(0), h.Message())
	var parts []sessions.ContentPart

	for iteration := 1; ; iteration++ {
		if iteration > maxIter {
			logger.Warn("tool loop hit iteration cap", "runId", h.RunID(), "cap", maxIter)
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stream, err := l.Backend.Stream(ctx, &StreamRequest{
			Model:    h.Model(),
			System:   l.System,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return nil, err
		}

		var textAcc, thinkingAcc strings.Builder
		calls := make(map[int]*ToolCall)
		for chunk := range stream {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.Thinking != "" {
				thinkingAcc.WriteString(chunk.Thinking)
				h.Reasoning(chunk.Thinking)
			}
			if chunk.Text != "" {
				textAcc.WriteString(chunk.Text)
				h.Assistant(chunk.Text)
			}
			if td := chunk.ToolDelta; td != nil {
				call := calls[td.Index]
				if call == nil {
					call = &ToolCall{}
					calls[td.Index] = call
				}
				call.ID += td.ID
				call.Name += td.Name
				call.Arguments += td.Arguments
			}
		}

		if len(calls) > 0 {
			toolCalls := orderedCalls(calls)
			messages = append(messages, Message{
				Role:      "assistant",
				Content:   textAcc.String(),
				ToolCalls: toolCalls,
			})
			for _, tc := range toolCalls {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				args := json.RawMessage(tc.Arguments)
				if len(args) == 0 || !json.Valid(args) {
					args = json.RawMessage(`{}`)
				}
				h.ToolStart(tc.Name, tc.ID, args)
				content, isError := l.dispatch(ctx, tc.Name, args)
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				h.ToolResult(tc.Name, tc.ID, content, isError)

				part := sessions.ContentPart{
					Type:       sessions.PartToolCall,
					Name:       tc.Name,
					ToolCallID: tc.ID,
					Arguments:  args,
				}
				if isError {
					part.Status = "error"
					part.ResultError = content
				} else {
					part.Status = "success"
					part.Result = content
				}
				parts = append(parts, part)
				messages = append(messages, Message{Role: "tool", ToolCallID: tc.ID, Content: content})
			}
			continue
		}

		if textAcc.Len() > 0 {
			h.FlushDelta()
		}
		if thinkingAcc.Len() > 0 {
			parts = append(parts, sessions.ThinkingPart(thinkingAcc.String()))
		}
		if textAcc.Len() > 0 {
			parts = append(parts, sessions.TextPart(textAcc.String()))
		}
		break
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return parts, nil
}

// dispatch resolves one tool call. Failures come back as error results on the
// success path so the model can self-correct on the next turn.
func (l *LoopHandler) dispatch(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	if l.Tools == nil {
		return "Unknown tool: " + name, true
	}
	content, isError, err := l.Tools.Call(ctx, name, args)
	if err != nil {
		return err.Error(), true
	}
	return content, isError
}

func orderedCalls(calls map[int]*ToolCall) []ToolCall {
	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	out := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, *calls[idx])
	}
	return out
}

// historyToMessages flattens session history into backend prompt turns,
// keeping only text-bearing user/assistant entries and ensuring the run's
// prompt is the final user turn.
func historyToMessages(history []sessions.Entry, prompt string) []Message {
	msgs := make([]Message, 0, len(history)+1)
	for i := range history {
		entry := &history[i]
		if entry.Role != sessions.RoleUser && entry.Role != sessions.RoleAssistant {
			continue
		}
		text := entry.Text()
		if text == "" {
			continue
		}
		msgs = append(msgs, Message{Role: entry.Role, Content: text})
	}
	if last := len(msgs) - 1; last < 0 || msgs[last].Role != sessions.RoleUser || msgs[last].Content != prompt {
		msgs = append(msgs, Message{Role: sessions.RoleUser, Content: prompt})
	}
	return msgs
}

// MCPDispatcher routes namespaced "<server>__<tool>" calls to the MCP
// registry. Non-namespaced names resolve to an error result, which the model
// sees as tool output.
type MCPDispatcher struct {
	Registry *mcp.Registry
}

func (d *MCPDispatcher) List(ctx context.Context) []ToolDef {
	tools := d.Registry.Tools(ctx)
	out := make([]ToolDef, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDef{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}
	return out
}

func (d *MCPDispatcher) Call(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	if _, _, ok := mcp.SplitName(name); !ok {
		return "Unknown tool: " + name, true, nil
	}
	res, err := d.Registry.Call(ctx, name, args)
	if err != nil {
		return err.Error(), true, nil
	}
	return res.Content, res.IsError, nil
}
