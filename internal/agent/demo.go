package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/internal/sessions"
)

const weatherTable = `Here is the current weather:

| City | Conditions | Temp |
| --- | --- | --- |
| Local | Sunny | 21°C |

Data courtesy of the web_search tool.`

// DemoHandler is the keyword-matching fallback adapter used when no backend
// is configured. It sleeps between words to exercise the throttled-delta
// path, and its weather keyword runs a synthetic tool round-trip.
type DemoHandler struct {
	// WordDelay is the pause between streamed words. Tests shrink it.
	WordDelay time.Duration
}

// NewDemoHandler returns a demo adapter with human-ish streaming pace.
func NewDemoHandler() *DemoHandler {
	return &DemoHandler{WordDelay: 40 * time.Millisecond}
}

func (d *DemoHandler) HandleRun(ctx context.Context, h *RunHandle) ([]sessions.ContentPart, error) {
	msg := strings.ToLower(h.Message())
	switch {
	case strings.Contains(msg, "weather"):
		return d.weather(ctx, h)
	case strings.Contains(msg, "hello") || strings.Contains(msg, "hi "):
		return d.stream(ctx, h, "Hello! I'm the demo backend. Ask about the weather to see a tool call, or just keep chatting.")
	default:
		return d.stream(ctx, h, "I'm a demo backend with canned responses. Try mentioning the weather, or say hello.")
	}
}

func (d *DemoHandler) weather(ctx context.Context, h *RunHandle) ([]sessions.ContentPart, error) {
	callID := "call_demo_weather"
	args := json.RawMessage(`{"query":"current weather"}`)
	h.ToolStart("web_search", callID, args)
	if err := d.pause(ctx); err != nil {
		return nil, err
	}
	result := "Sunny, 21°C, light breeze."
	h.ToolResult("web_search", callID, result, false)

	textParts, err := d.stream(ctx, h, weatherTable)
	if err != nil {
		return nil, err
	}
	parts := []sessions.ContentPart{{
		Type:       sessions.PartToolCall,
		Name:       "web_search",
		ToolCallID: callID,
		Arguments:  args,
		Status:     "success",
		Result:     result,
	}}
	return append(parts, textParts...), nil
}

func (d *DemoHandler) stream(ctx context.Context, h *RunHandle, text string) ([]sessions.ContentPart, error) {
	for _, word := range strings.SplitAfter(text, " ") {
		if err := d.pause(ctx); err != nil {
			return nil, err
		}
		h.Assistant(word)
	}
	h.FlushDelta()
	return []sessions.ContentPart{sessions.TextPart(text)}, nil
}

func (d *DemoHandler) pause(ctx context.Context) error {
	delay := d.WordDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
