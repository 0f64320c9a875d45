package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// OpenAIConfig configures the OpenAI-compatible streamer. BaseURL may point
// at any endpoint that speaks the chat completions protocol.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// OpenAI streams completions through the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

var _ agent.Streamer = (*OpenAI)(nil)

// NewOpenAI creates a streamer for an OpenAI-compatible endpoint.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientCfg.BaseURL = base
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  strings.TrimSpace(cfg.Model),
	}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Models() []agent.Model {
	if p.model == "" {
		return nil
	}
	return []agent.Model{{ID: p.model, Name: p.model, Provider: "openai"}}
}

// Stream opens one streaming chat call. Tool calls arrive as incremental
// fragments keyed by index; they are forwarded as-is for the loop to
// accumulate.
func (p *OpenAI) Stream(ctx context.Context, req *agent.StreamRequest) (<-chan *agent.Chunk, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, errors.New("openai: model is required")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: buildOpenAIMessages(req),
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = buildOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.Chunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan *agent.Chunk) {
	defer close(out)
	defer stream.Close()

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

	for {
		if ctx.Err() != nil {
			send(&agent.Chunk{Err: ctx.Err()})
			return
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			send(&agent.Chunk{Err: err})
			return
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.ReasoningContent != "" {
			if !send(&agent.Chunk{Thinking: delta.ReasoningContent}) {
				return
			}
		}
		if delta.Content != "" {
			if !send(&agent.Chunk{Text: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			ok := send(&agent.Chunk{ToolDelta: &agent.ToolDelta{
				Index:     index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}})
			if !ok {
				return
			}
		}
	}
}

func buildOpenAIMessages(req *agent.StreamRequest) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, oaiMsg)
		case "tool":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

func buildOpenAITools(tools []agent.ToolDef) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil || schema == nil {
			// One bad schema must not break tool calling for the rest.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}
