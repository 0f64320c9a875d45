package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const defaultCallTimeout = 30 * time.Second

// StdioClient talks JSON-RPC 2.0 over the stdin/stdout of a spawned MCP
// server process, one message per line.
type StdioClient struct {
	id      string
	command string
	args    []string
	env     map[string]string
	timeout time.Duration
	logger  *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	pending   map[int64]chan *jsonrpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewStdioClient creates a client for one stdio MCP server. timeout <= 0
// falls back to 30s per call.
func NewStdioClient(id, command string, args []string, env map[string]string, timeout time.Duration, logger *slog.Logger) *StdioClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &StdioClient{
		id:       id,
		command:  command,
		args:     args,
		env:      env,
		timeout:  timeout,
		logger:   logger.With("mcp_server", id),
		pending:  make(map[int64]chan *jsonrpcResponse),
		stopChan: make(chan struct{}),
	}
}

// ID returns the server id used as the tool namespace.
func (c *StdioClient) ID() string { return c.id }

// Connect spawns the server process and performs the initialize exchange.
func (c *StdioClient) Connect(ctx context.Context) error {
	if c.command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}

	c.process = exec.Command(c.command, c.args...)
	c.process.Env = os.Environ()
	for k, v := range c.env {
		c.process.Env = append(c.process.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var err error
	c.stdin, err = c.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := c.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	c.stdout = bufio.NewScanner(stdout)
	c.stdout.Buffer(make([]byte, 1024*1024), 1024*1024)
	c.stderr, _ = c.process.StderrPipe()

	if err := c.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	c.connected.Store(true)
	c.logger.Info("started MCP server process", "command", c.command, "pid", c.process.Process.Pid)

	c.wg.Add(1)
	go c.readLoop()
	if c.stderr != nil {
		c.wg.Add(1)
		go c.logStderr()
	}

	// Crash detection: reap the process and flip connected off.
	go func() {
		err := c.process.Wait()
		if c.connected.Swap(false) {
			c.logger.Warn("MCP server process exited", "error", err)
		}
	}()

	result, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "switchboard",
			"version": "1.0.0",
		},
	})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		_ = c.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.logger.Info("connected to MCP server",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}
	return nil
}

// Close stops the subprocess.
func (c *StdioClient) Close() error {
	if !c.connected.Swap(false) {
		return nil
	}
	close(c.stopChan)
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.process != nil && c.process.Process != nil {
		_ = c.process.Process.Kill()
	}
	c.wg.Wait()
	return nil
}

// Connected reports whether the subprocess is alive.
func (c *StdioClient) Connected() bool {
	return c.connected.Load()
}

// ListTools fetches the server's tool list.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var list toolsListResult
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return list.Tools, nil
}

// CallTool invokes one tool. Tool-reported errors come back as
// CallResult.IsError, not as a Go error.
func (c *StdioClient) CallTool(ctx context.Context, tool string, args json.RawMessage) (*CallResult, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var parsed toolsCallResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	var text []byte
	for _, part := range parsed.Content {
		if part.Type == "text" {
			text = append(text, part.Text...)
		}
	}
	return &CallResult{Content: string(text), IsError: parsed.IsError}, nil
}

func (c *StdioClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("mcp server %s not connected", c.id)
	}

	id := c.nextID.Add(1)
	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *jsonrpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("MCP error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("request timeout after %v", c.timeout)
	case <-c.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

func (c *StdioClient) notify(method string, params any) error {
	notif := jsonrpcNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	data, _ := json.Marshal(notif)
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (c *StdioClient) readLoop() {
	defer c.wg.Done()

	for c.stdout.Scan() {
		select {
		case <-c.stopChan:
			return
		default:
		}

		line := c.stdout.Text()
		if line == "" {
			continue
		}

		var resp jsonrpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil || resp.ID == nil {
			continue
		}
		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		case int:
			id = int64(v)
		default:
			c.logger.Warn("unexpected response ID type", "id", resp.ID)
			continue
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	}

	if err := c.stdout.Err(); err != nil {
		c.logger.Error("stdout scanner error", "error", err)
	}
}

func (c *StdioClient) logStderr() {
	defer c.wg.Done()

	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		select {
		case <-c.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			c.logger.Debug("server stderr", "message", line)
		}
	}
}
