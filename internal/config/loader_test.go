package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "gateway.yaml", `
port: 9100
authToken: secret
provider:
  backend: ollama
  ollama:
    model: llama3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9100 || cfg.AuthToken != "secret" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Provider.Backend != "ollama" || cfg.Provider.Ollama.Model != "llama3" {
		t.Fatalf("provider config lost: %+v", cfg.Provider)
	}
	// Defaults filled in.
	if cfg.Hostname != "127.0.0.1" || cfg.TickIntervalMs != 30_000 || cfg.DedupeMaxKeys != 1000 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.AuthMode() != "token" {
		t.Fatalf("auth mode = %q", cfg.AuthMode())
	}
}

func TestLoad_JSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "gateway.json5", `{
  // comments are allowed
  port: 9200,
  hostname: "0.0.0.0",
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9200 || cfg.Hostname != "0.0.0.0" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("GATEWAY_TOKEN", "from-env")
	dir := t.TempDir()
	path := writeFile(t, dir, "gateway.yaml", "authToken: ${GATEWAY_TOKEN}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthToken != "from-env" {
		t.Fatalf("authToken = %q", cfg.AuthToken)
	}
}

func TestLoad_Includes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "port: 9300\nlog:\n  level: debug\n")
	path := writeFile(t, dir, "gateway.yaml", "$include: base.yaml\nlog:\n  format: json\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9300 {
		t.Fatalf("included port lost: %d", cfg.Port)
	}
	// Deep merge keeps both nested values.
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("deep merge failed: %+v", cfg.Log)
	}
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestValidate_MutuallyExclusiveAuth(t *testing.T) {
	cfg := Default()
	cfg.AuthToken = "t"
	cfg.AuthPassword = "p"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Provider.Backend = "gemini"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}
