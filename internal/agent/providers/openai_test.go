package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchboard/internal/agent"
)

func TestOpenAIAbandonedStreamReleasesProducer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for r.Context().Err() == nil {
			if _, err := io.WriteString(w, `data: {"choices":[{"delta":{"content":"tok"}}]}`+"\n\n"); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(time.Millisecond)
		}
	}))
	defer srv.Close()

	baseline := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "test", Model: "gpt-test"})
	ch, err := p.Stream(ctx, &agent.StreamRequest{
		Messages: []agent.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, ok := <-ch; !ok {
		t.Fatal("stream closed before first chunk")
	}

	// Abort mid-stream the way the engine does: cancel and never read again.
	cancel()
	waitGoroutineBaseline(t, baseline)
}

func TestBuildOpenAIMessages(t *testing.T) {
	msgs := buildOpenAIMessages(&agent.StreamRequest{
		System: "be helpful",
		Messages: []agent.Message{
			{Role: "user", Content: "find go"},
			{Role: "assistant", Content: "looking", ToolCalls: []agent.ToolCall{
				{ID: "c1", Name: "search__query", Arguments: `{"q":"go"}`},
			}},
			{Role: "tool", ToolCallID: "c1", Content: `{"hits":1}`},
		},
	})

	if len(msgs) != 4 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "be helpful" {
		t.Fatalf("system = %+v", msgs[0])
	}
	asst := msgs[2]
	if asst.Role != openai.ChatMessageRoleAssistant || len(asst.ToolCalls) != 1 {
		t.Fatalf("assistant = %+v", asst)
	}
	if asst.ToolCalls[0].Function.Name != "search__query" {
		t.Fatalf("tool call = %+v", asst.ToolCalls[0])
	}
	toolMsg := msgs[3]
	if toolMsg.Role != openai.ChatMessageRoleTool || toolMsg.ToolCallID != "c1" {
		t.Fatalf("tool msg = %+v", toolMsg)
	}
}

func TestBuildOpenAIToolsBadSchema(t *testing.T) {
	tools := buildOpenAITools([]agent.ToolDef{
		{Name: "good", Schema: json.RawMessage(`{"type":"object"}`)},
		{Name: "bad", Schema: json.RawMessage(`not json`)},
	})
	if len(tools) != 2 {
		t.Fatalf("tools = %d", len(tools))
	}
	if tools[0].Function.Name != "good" || tools[1].Function.Name != "bad" {
		t.Fatalf("names = %s, %s", tools[0].Function.Name, tools[1].Function.Name)
	}
	// Bad schema degrades to an empty object schema instead of failing.
	params, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Fatalf("fallback schema = %+v", tools[1].Function.Parameters)
	}
}
