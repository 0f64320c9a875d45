package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// NamespacedTool is a server tool under its namespaced name.
type NamespacedTool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Registry manages the configured MCP servers and exposes their tools under
// namespaced names.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*StdioClient
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients: make(map[string]*StdioClient),
		logger:  logger,
	}
}

// Add connects a client and registers it. The client keeps its id as the
// tool namespace.
func (r *Registry) Add(ctx context.Context, client *StdioClient) error {
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", client.ID(), err)
	}
	r.mu.Lock()
	r.clients[client.ID()] = client
	r.mu.Unlock()
	return nil
}

// Close stops every server.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.Warn("mcp close failed", "server", id, "error", err)
		}
	}
	r.clients = make(map[string]*StdioClient)
}

// Tools lists every live server's tools under namespaced names. Per-server
// failures are logged and skipped so one crashed server does not hide the
// rest.
func (r *Registry) Tools(ctx context.Context) []NamespacedTool {
	r.mu.RLock()
	clients := make([]*StdioClient, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	var out []NamespacedTool
	for _, client := range clients {
		if !client.Connected() {
			continue
		}
		tools, err := client.ListTools(ctx)
		if err != nil {
			r.logger.Warn("mcp tools/list failed", "server", client.ID(), "error", err)
			continue
		}
		for _, tool := range tools {
			out = append(out, NamespacedTool{
				Name:        Namespace(client.ID(), tool.Name),
				Description: tool.Description,
				Schema:      tool.InputSchema,
			})
		}
	}
	return out
}

// Call routes a namespaced tool call to its server.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (*CallResult, error) {
	serverID, tool, ok := SplitName(name)
	if !ok {
		return nil, fmt.Errorf("tool %q is not namespaced", name)
	}

	r.mu.RLock()
	client := r.clients[serverID]
	r.mu.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("unknown mcp server %q", serverID)
	}
	if !client.Connected() {
		return nil, fmt.Errorf("mcp server %q is not running", serverID)
	}
	return client.CallTool(ctx, tool, args)
}
