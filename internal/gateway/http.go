package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/sessions"
)

// DefaultHTTPSession is the session used by /v1/chat/completions callers that
// send no user field.
const DefaultHTTPSession = "http-default"

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.handleCompletions)
	for _, path := range []string{"/v1/responses", "/hooks/wake", "/hooks/agent", "/tools/invoke"} {
		path := path
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotImplemented, map[string]any{
				"ok":    false,
				"error": map[string]any{"message": "#TODO " + path + " is not implemented"},
			})
		})
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "uptimeMs": time.Since(s.startedAt).Milliseconds()})
	})
	// Everything else is the WebSocket path; plain HTTP gets 426.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.serveWS(w, r)
			return
		}
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "upgrade required", http.StatusUpgradeRequired)
	})
	return mux
}

type completionsRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	User     string `json:"user"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// handleCompletions is the OpenAI-compatible entrypoint. It reuses the run
// engine: system/developer messages become synthetic history entries, the
// last user message is the prompt, and the reply waits for the run to finish.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkBearer(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]any{"message": "invalid or missing bearer token", "type": "invalid_request_error"},
		})
		return
	}

	var req completionsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxPayload))).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{"message": "malformed request body", "type": "invalid_request_error"},
		})
		return
	}

	sessionKey := strings.TrimSpace(req.User)
	if sessionKey == "" {
		sessionKey = DefaultHTTPSession
	}

	prompt := ""
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			// Visible to the adapter through session history.
			s.store.Append(sessionKey, sessions.Entry{
				Role:    sessions.RoleUser,
				Content: []sessions.ContentPart{sessions.TextPart("[System] " + msg.Content)},
			})
		case "user":
			prompt = msg.Content
		}
	}
	if prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{"message": "at least one user message is required", "type": "invalid_request_error"},
		})
		return
	}

	res, err := s.engine.ChatAndWait(r.Context(), sessionKey, prompt)
	if err != nil || res.State != agent.RunCompleted {
		msg := "completion failed"
		if err != nil {
			msg = err.Error()
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{"message": msg, "type": "server_error"},
		})
		return
	}

	model := req.Model
	if model == "" {
		model = s.engine.ActiveModel()
	}
	id := "chatcmpl_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	if req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamCompletion(w, id, model, res.Text)
		return
	}

	writeJSON(w, http.StatusOK, openai.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: res.Text,
			},
			FinishReason: openai.FinishReasonStop,
		}},
	})
}

// streamCompletion emits the minimum correct SSE sequence: role chunk, one
// content chunk carrying the full text, finish chunk, then the sentinel.
func (s *Server) streamCompletion(w http.ResponseWriter, id, model, text string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	created := time.Now().Unix()
	send := func(chunk openai.ChatCompletionStreamResponse) {
		data, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	base := openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
	}

	role := base
	role.Choices = []openai.ChatCompletionStreamChoice{{
		Delta: openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant},
	}}
	send(role)

	content := base
	content.Choices = []openai.ChatCompletionStreamChoice{{
		Delta: openai.ChatCompletionStreamChoiceDelta{Content: text},
	}}
	send(content)

	finish := base
	finish.Choices = []openai.ChatCompletionStreamChoice{{
		FinishReason: openai.FinishReasonStop,
	}}
	send(finish)

	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// checkBearer enforces Authorization iff an auth credential is configured.
func (s *Server) checkBearer(r *http.Request) bool {
	var expected string
	switch s.cfg.AuthMode() {
	case "token":
		expected = s.cfg.AuthToken
	case "password":
		expected = s.cfg.AuthPassword
	default:
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	return ok && secretsEqual(strings.TrimSpace(token), expected)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
