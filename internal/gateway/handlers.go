package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/protocol"
	"github.com/haasonsaas/switchboard/internal/sessions"
)

type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// checkIdempotency validates and records the key shared by chat.send, agent,
// and send. The gateway never replays the prior response; a duplicate is a
// plain INVALID_REQUEST.
func (s *Server) checkIdempotency(key string) *protocol.Error {
	if strings.TrimSpace(key) == "" {
		return protocol.InvalidRequest("idempotencyKey is required")
	}
	if s.dedupe.IsDuplicate(key) {
		return protocol.InvalidRequest("Duplicate idempotency key")
	}
	s.dedupe.Record(key)
	return nil
}

func (s *Server) submitRun(sessionKey, message, idemKey string) (any, *protocol.Error) {
	if strings.TrimSpace(sessionKey) == "" {
		return nil, protocol.InvalidRequest("sessionKey is required")
	}
	if message == "" {
		return nil, protocol.InvalidRequest("message is required")
	}
	if perr := s.checkIdempotency(idemKey); perr != nil {
		return nil, perr
	}
	run := s.engine.Submit(sessionKey, message)
	return map[string]any{"runId": run.ID, "sessionKey": run.SessionKey}, nil
}

func (s *Server) handleChatSend(c *conn, params json.RawMessage) (any, *protocol.Error) {
	var p chatSendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.InvalidRequest("malformed params")
	}
	return s.submitRun(p.SessionKey, p.Message, p.IdempotencyKey)
}

// handleAgent is chat.send with the session key defaulting to "default".
func (s *Server) handleAgent(c *conn, params json.RawMessage) (any, *protocol.Error) {
	var p chatSendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.InvalidRequest("malformed params")
	}
	if strings.TrimSpace(p.SessionKey) == "" {
		p.SessionKey = "default"
	}
	return s.submitRun(p.SessionKey, p.Message, p.IdempotencyKey)
}

func (s *Server) handleChatAbort(c *conn, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.InvalidRequest("malformed params")
	}
	runID, ok := s.engine.Abort(p.SessionKey, p.RunID)
	if !ok {
		return nil, protocol.InvalidRequest("no running run to abort")
	}
	return map[string]any{"runId": runID, "aborted": true}, nil
}

func (s *Server) handleChatHistory(c *conn, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.InvalidRequest("malformed params")
	}
	if strings.TrimSpace(p.SessionKey) == "" {
		return nil, protocol.InvalidRequest("sessionKey is required")
	}
	return map[string]any{
		"sessionKey": p.SessionKey,
		"messages":   s.store.History(p.SessionKey, p.Limit),
	}, nil
}

// handleChatInject appends a synthetic entry without starting a run.
func (s *Server) handleChatInject(c *conn, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Message    string `json:"message"`
		Role       string `json:"role"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.InvalidRequest("malformed params")
	}
	if strings.TrimSpace(p.SessionKey) == "" || p.Message == "" {
		return nil, protocol.InvalidRequest("sessionKey and message are required")
	}
	role := p.Role
	switch role {
	case "":
		role = sessions.RoleUser
	case sessions.RoleUser, sessions.RoleAssistant:
	default:
		return nil, protocol.InvalidRequest("role must be user or assistant")
	}
	s.store.Append(p.SessionKey, sessions.Entry{
		Role:    role,
		Content: []sessions.ContentPart{sessions.TextPart(p.Message)},
	})
	return map[string]any{"sessionKey": p.SessionKey, "injected": true}, nil
}

// handleChatSubscribe records the requested filter on the connection. Events
// are not filtered per subscription; no client depends on that.
func (s *Server) handleChatSubscribe(c *conn, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.InvalidRequest("malformed params")
		}
	}
	c.mu.Lock()
	c.subscribed = p.SessionKey
	c.mu.Unlock()
	return map[string]any{"subscribed": true}, nil
}

func (s *Server) handleAgentWait(c *conn, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		RunID     string `json:"runId"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.InvalidRequest("malformed params")
	}
	if strings.TrimSpace(p.RunID) == "" {
		return nil, protocol.InvalidRequest("runId is required")
	}
	res, err := s.engine.Wait(context.Background(), p.RunID, time.Duration(p.TimeoutMs)*time.Millisecond)
	switch {
	case errors.Is(err, agent.ErrUnknownRun):
		return nil, protocol.InvalidRequest("unknown run " + p.RunID)
	case errors.Is(err, agent.ErrWaitTimeout):
		return nil, protocol.NewError(protocol.CodeAgentTimeout, "timed out waiting for run")
	case err != nil:
		return nil, protocol.AsError(err)
	}
	return res, nil
}

func (s *Server) handleSessionsList(c *conn, params json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"sessions": s.store.List()}, nil
}

func (s *Server) handleSessionsPatch(c *conn, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string  `json:"sessionKey"`
		Label      *string `json:"label"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.InvalidRequest("malformed params")
	}
	if strings.TrimSpace(p.SessionKey) == "" {
		return nil, protocol.InvalidRequest("sessionKey is required")
	}
	if err := s.store.Patch(p.SessionKey, p.Label); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]any{"sessionKey": p.SessionKey, "patched": true}, nil
}

func (s *Server) handleSessionsReset(c *conn, params json.RawMessage) (any, *protocol.Error) {
	key, perr := sessionKeyParam(params)
	if perr != nil {
		return nil, perr
	}
	s.store.Reset(key)
	return map[string]any{"sessionKey": key, "reset": true}, nil
}

func (s *Server) handleSessionsDelete(c *conn, params json.RawMessage) (any, *protocol.Error) {
	key, perr := sessionKeyParam(params)
	if perr != nil {
		return nil, perr
	}
	s.store.Delete(key)
	return map[string]any{"sessionKey": key, "deleted": true}, nil
}

func sessionKeyParam(params json.RawMessage) (string, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return "", protocol.InvalidRequest("malformed params")
	}
	if strings.TrimSpace(p.SessionKey) == "" {
		return "", protocol.InvalidRequest("sessionKey is required")
	}
	return p.SessionKey, nil
}

// handleSend validates like chat.send but performs no outbound routing; the
// reply acknowledges acceptance only.
func (s *Server) handleSend(c *conn, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		To             string `json:"to"`
		Message        string `json:"message"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.InvalidRequest("malformed params")
	}
	if p.Message == "" {
		return nil, protocol.InvalidRequest("message is required")
	}
	if perr := s.checkIdempotency(p.IdempotencyKey); perr != nil {
		return nil, perr
	}
	return map[string]any{"sent": true}, nil
}

func (s *Server) handleHealth(c *conn, params json.RawMessage) (any, *protocol.Error) {
	return s.healthPayload(), nil
}

func (s *Server) handleStatus(c *conn, params json.RawMessage) (any, *protocol.Error) {
	counts := s.engine.Counts()
	s.mu.Lock()
	presence := len(s.presence)
	sv := s.stateVersion
	s.mu.Unlock()
	return map[string]any{
		"uptimeMs": time.Since(s.startedAt).Milliseconds(),
		"runs": map[string]int{
			"running":   counts[agent.RunRunning],
			"completed": counts[agent.RunCompleted],
			"error":     counts[agent.RunError],
			"aborted":   counts[agent.RunAborted],
		},
		"sessions":     len(s.store.List()),
		"presence":     presence,
		"provider":     s.engine.Provider(),
		"activeModel":  s.engine.ActiveModel(),
		"stateVersion": sv,
	}, nil
}

func (s *Server) handleSystemPresence(c *conn, params json.RawMessage) (any, *protocol.Error) {
	s.mu.Lock()
	entries := s.presenceEntriesLocked()
	sv := s.stateVersion
	s.mu.Unlock()
	return map[string]any{"presence": entries, "stateVersion": sv}, nil
}

// handleLogsTail returns the trailing lines of the newest transcript file in
// logDir, when disk logging is configured.
func (s *Server) handleLogsTail(c *conn, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Lines int `json:"lines"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.InvalidRequest("malformed params")
		}
	}
	if p.Lines <= 0 {
		p.Lines = 50
	}
	if p.Lines > 1000 {
		p.Lines = 1000
	}
	if s.cfg.LogDir == "" {
		return map[string]any{"lines": []string{}}, nil
	}

	file, lines, err := tailNewestLog(s.cfg.LogDir, p.Lines)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, "log read failed: "+err.Error())
	}
	return map[string]any{"file": file, "lines": lines}, nil
}

func tailNewestLog(dir string, n int) (string, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", []string{}, nil
		}
		return "", nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", []string{}, nil
	}
	// Filenames embed the UTC date, so lexical order is chronological.
	sort.Strings(names)
	newest := names[len(names)-1]

	data, err := os.ReadFile(filepath.Join(dir, newest))
	if err != nil {
		return "", nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = []string{}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return newest, lines, nil
}

func (s *Server) handleModelsList(c *conn, params json.RawMessage) (any, *protocol.Error) {
	return map[string]any{
		"models": s.engine.Models(),
		"active": s.engine.ActiveModel(),
	}, nil
}

// handleConfigGet returns the redacted effective configuration; credentials
// never leave the process.
func (s *Server) handleConfigGet(c *conn, params json.RawMessage) (any, *protocol.Error) {
	return map[string]any{
		"port":                    s.cfg.Port,
		"hostname":                s.cfg.Hostname,
		"authMode":                s.cfg.AuthMode(),
		"tickIntervalMs":          s.cfg.TickIntervalMs,
		"healthRefreshIntervalMs": s.cfg.HealthRefreshIntervalMs,
		"maxPayload":              s.cfg.MaxPayload,
		"maxBufferedBytes":        s.cfg.MaxBufferedBytes,
		"handshakeTimeoutMs":      s.cfg.HandshakeTimeoutMs,
		"dedupe": map[string]any{
			"maxKeys": s.cfg.DedupeMaxKeys,
			"ttlMs":   s.cfg.DedupeTTLMs,
		},
		"provider": map[string]any{
			"backend": s.cfg.Provider.Backend,
			"model":   s.engine.ActiveModel(),
		},
	}, nil
}
