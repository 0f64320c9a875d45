// Package mcp implements the sub-process Model Context Protocol tool client
// the gateway injects into backend adapters. Tool names are namespaced
// "<server>__<tool>"; the gateway core is not MCP-aware beyond that split.
package mcp

import (
	"encoding/json"
	"strings"
)

// NameDelimiter separates the server id from the tool name.
const NameDelimiter = "__"

// Namespace builds the namespaced tool name exposed to the model.
func Namespace(serverID, tool string) string {
	return serverID + NameDelimiter + tool
}

// SplitName splits a namespaced tool name. ok is false when the name carries
// no delimiter and therefore belongs to a built-in tool.
func SplitName(name string) (serverID, tool string, ok bool) {
	idx := strings.Index(name, NameDelimiter)
	if idx <= 0 || idx+len(NameDelimiter) >= len(name) {
		return "", "", false
	}
	return name[:idx], name[idx+len(NameDelimiter):], true
}

// Tool describes one tool exported by an MCP server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallResult is the outcome of a tools/call request. isError results still
// flow back to the model as content; only transport failures are Go errors.
type CallResult struct {
	Content string
	IsError bool
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

type toolsCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}
