// Package providers contains the backend streamers: Ollama's native chat API
// and any OpenAI-compatible endpoint.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// OllamaConfig configures the Ollama streamer.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Ollama streams completions from Ollama's /api/chat NDJSON endpoint.
type Ollama struct {
	client  *http.Client
	baseURL string
	model   string
}

var _ agent.Streamer = (*Ollama)(nil)

// NewOllama creates an Ollama streamer. BaseURL defaults to the local daemon.
func NewOllama(cfg OllamaConfig) *Ollama {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Ollama{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		model:   strings.TrimSpace(cfg.Model),
	}
}

func (p *Ollama) Name() string { return "ollama" }

func (p *Ollama) Models() []agent.Model {
	if p.model == "" {
		return nil
	}
	return []agent.Model{{ID: p.model, Name: p.model, Provider: "ollama"}}
}

// Stream opens one streaming chat call. Tool calls arrive whole in Ollama's
// protocol; each is forwarded as a single fully-populated fragment.
func (p *Ollama) Stream(ctx context.Context, req *agent.StreamRequest) (<-chan *agent.Chunk, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, errors.New("ollama: model is required")
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: buildOllamaMessages(req),
	}
	if len(req.Tools) > 0 {
		payload.Tools = buildOllamaTools(req.Tools)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	chunks := make(chan *agent.Chunk)
	go p.streamResponse(ctx, resp.Body, chunks)
	return chunks, nil
}

func (p *Ollama) streamResponse(ctx context.Context, body io.ReadCloser, out chan *agent.Chunk) {
	defer close(out)
	defer body.Close()

	// The consumer may abandon the channel on abort; every send must also
	// watch the context or this goroutine blocks forever.
	send := func(c *agent.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	toolIndex := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			send(&agent.Chunk{Err: ctx.Err()})
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			send(&agent.Chunk{Err: fmt.Errorf("ollama: decode response: %w", err)})
			return
		}
		if resp.Error != "" {
			send(&agent.Chunk{Err: errors.New("ollama: " + resp.Error)})
			return
		}
		if resp.Message != nil {
			if resp.Message.Thinking != "" {
				if !send(&agent.Chunk{Thinking: resp.Message.Thinking}) {
					return
				}
			}
			if resp.Message.Content != "" {
				if !send(&agent.Chunk{Text: resp.Message.Content}) {
					return
				}
			}
			for _, tc := range resp.Message.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call_%d", toolIndex)
				}
				ok := send(&agent.Chunk{ToolDelta: &agent.ToolDelta{
					Index:     toolIndex,
					ID:        id,
					Name:      strings.TrimSpace(tc.Function.Name),
					Arguments: string(tc.Function.Arguments),
				}})
				if !ok {
					return
				}
				toolIndex++
			}
		}
		if resp.Done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(&agent.Chunk{Err: fmt.Errorf("ollama: %w", err)})
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaChatResponse struct {
	Message *ollamaChatMessage `json:"message"`
	Done    bool               `json:"done"`
	Error   string             `json:"error"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ollamaTool struct {
	Type     string            `json:"type"`
	Function ollamaToolDefFunc `json:"function"`
}

type ollamaToolDefFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func buildOllamaMessages(req *agent.StreamRequest) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		role := msg.Role
		if role == "" {
			role = "user"
		}
		out := ollamaChatMessage{Role: role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			args := json.RawMessage(tc.Arguments)
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, ollamaToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
			})
		}
		messages = append(messages, out)
	}
	return messages
}

func buildOllamaTools(tools []agent.ToolDef) []ollamaTool {
	out := make([]ollamaTool, len(tools))
	for i, tool := range tools {
		schema := tool.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out[i] = ollamaTool{
			Type: "function",
			Function: ollamaToolDefFunc{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}
