// Package config defines the gateway configuration surface and its loader.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full gateway configuration.
type Config struct {
	Port     int    `yaml:"port" json:"port"`
	Hostname string `yaml:"hostname" json:"hostname"`

	AuthToken    string `yaml:"authToken" json:"authToken"`
	AuthPassword string `yaml:"authPassword" json:"authPassword"`

	TickIntervalMs          int `yaml:"tickIntervalMs" json:"tickIntervalMs"`
	HealthRefreshIntervalMs int `yaml:"healthRefreshIntervalMs" json:"healthRefreshIntervalMs"`
	MaxPayload              int `yaml:"maxPayload" json:"maxPayload"`
	MaxBufferedBytes        int `yaml:"maxBufferedBytes" json:"maxBufferedBytes"`
	HandshakeTimeoutMs      int `yaml:"handshakeTimeoutMs" json:"handshakeTimeoutMs"`
	DedupeMaxKeys           int `yaml:"dedupeMaxKeys" json:"dedupeMaxKeys"`
	DedupeTTLMs             int `yaml:"dedupeTtlMs" json:"dedupeTtlMs"`

	LogDir string `yaml:"logDir" json:"logDir"`

	Log      LogConfig      `yaml:"log" json:"log"`
	Provider ProviderConfig `yaml:"provider" json:"provider"`
	MCP      MCPConfig      `yaml:"mcp" json:"mcp"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// ProviderConfig selects and configures the backend adapter.
type ProviderConfig struct {
	// Backend is one of "demo", "ollama", "openai".
	Backend string `yaml:"backend" json:"backend"`

	SystemPrompt string `yaml:"systemPrompt" json:"systemPrompt"`

	Ollama OllamaConfig `yaml:"ollama" json:"ollama"`
	OpenAI OpenAIConfig `yaml:"openai" json:"openai"`
}

// OllamaConfig configures the Ollama backend.
type OllamaConfig struct {
	BaseURL string `yaml:"baseUrl" json:"baseUrl"`
	Model   string `yaml:"model" json:"model"`
}

// OpenAIConfig configures an OpenAI-compatible backend.
type OpenAIConfig struct {
	BaseURL string `yaml:"baseUrl" json:"baseUrl"`
	APIKey  string `yaml:"apiKey" json:"apiKey"`
	Model   string `yaml:"model" json:"model"`
}

// MCPConfig lists MCP tool servers to spawn.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers" json:"servers"`
}

// MCPServerConfig configures one stdio MCP server.
type MCPServerConfig struct {
	ID        string            `yaml:"id" json:"id"`
	Command   string            `yaml:"command" json:"command"`
	Args      []string          `yaml:"args" json:"args"`
	Env       map[string]string `yaml:"env" json:"env"`
	TimeoutMs int               `yaml:"timeoutMs" json:"timeoutMs"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 18789
	}
	if strings.TrimSpace(c.Hostname) == "" {
		c.Hostname = "127.0.0.1"
	}
	if c.TickIntervalMs <= 0 {
		c.TickIntervalMs = 30_000
	}
	if c.HealthRefreshIntervalMs <= 0 {
		c.HealthRefreshIntervalMs = 60_000
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 25 << 20
	}
	if c.MaxBufferedBytes <= 0 {
		c.MaxBufferedBytes = 50 << 20
	}
	if c.HandshakeTimeoutMs <= 0 {
		c.HandshakeTimeoutMs = 10_000
	}
	if c.DedupeMaxKeys <= 0 {
		c.DedupeMaxKeys = 1000
	}
	if c.DedupeTTLMs <= 0 {
		c.DedupeTTLMs = int((5 * time.Minute).Milliseconds())
	}
	if strings.TrimSpace(c.Provider.Backend) == "" {
		c.Provider.Backend = "demo"
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if strings.TrimSpace(c.Log.Format) == "" {
		c.Log.Format = "text"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.AuthToken != "" && c.AuthPassword != "" {
		return fmt.Errorf("authToken and authPassword are mutually exclusive")
	}
	switch c.Provider.Backend {
	case "demo", "ollama", "openai":
	default:
		return fmt.Errorf("unknown provider backend %q", c.Provider.Backend)
	}
	for _, srv := range c.MCP.Servers {
		if strings.TrimSpace(srv.ID) == "" {
			return fmt.Errorf("mcp server id is required")
		}
		if strings.TrimSpace(srv.Command) == "" {
			return fmt.Errorf("mcp server %s: command is required", srv.ID)
		}
	}
	return nil
}

// AuthMode reports the effective auth mode: "none", "token", or "password".
func (c *Config) AuthMode() string {
	switch {
	case c.AuthToken != "":
		return "token"
	case c.AuthPassword != "":
		return "password"
	default:
		return "none"
	}
}

// TickInterval returns the tick period as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// HealthRefreshInterval returns the health refresh period as a duration.
func (c *Config) HealthRefreshInterval() time.Duration {
	return time.Duration(c.HealthRefreshIntervalMs) * time.Millisecond
}

// HandshakeTimeout returns the handshake deadline as a duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// DedupeTTL returns the idempotency window as a duration.
func (c *Config) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLMs) * time.Millisecond
}
