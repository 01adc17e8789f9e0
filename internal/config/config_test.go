// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "bridge.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  capture_addr: "0.0.0.0:8081"

database:
  path: "./test.db"

auth:
  api_key: "secret"

agent:
  response_timeout: "90s"
  mailbox_size: 64

session:
  session_id: "sess-1"
  message_id: "msg-1"
  mode: "battle"
  battle_target: "B"
  use_default_ids: false

features:
  tavern_mode: true
  bypass: true

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.CaptureAddr != "0.0.0.0:8081" {
		t.Errorf("Server.CaptureAddr = %q, want %q", cfg.Server.CaptureAddr, "0.0.0.0:8081")
	}
	if cfg.Auth.APIKey != "secret" {
		t.Errorf("Auth.APIKey = %q, want %q", cfg.Auth.APIKey, "secret")
	}
	if cfg.Agent.ResponseTimeout != 90*time.Second {
		t.Errorf("Agent.ResponseTimeout = %v, want %v", cfg.Agent.ResponseTimeout, 90*time.Second)
	}
	if cfg.Agent.MailboxSize != 64 {
		t.Errorf("Agent.MailboxSize = %d, want 64", cfg.Agent.MailboxSize)
	}
	if cfg.Session.Mode != ModeBattle {
		t.Errorf("Session.Mode = %q, want %q", cfg.Session.Mode, ModeBattle)
	}
	if cfg.Session.BattleTarget != "b" {
		t.Errorf("Session.BattleTarget = %q, want %q", cfg.Session.BattleTarget, "b")
	}
	if cfg.Session.FallbackToDefaults() {
		t.Error("Session.FallbackToDefaults() = true, want false")
	}
	if !cfg.Features.TavernMode || !cfg.Features.Bypass {
		t.Errorf("Features = %+v, want both enabled", cfg.Features)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default /metrics", cfg.Metrics.Path)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "bridge.toml", `
[server]
http_addr = "127.0.0.1:9000"

[agent]
response_timeout = "30"

[session]
session_id = "toml-session"
message_id = "toml-message"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9000")
	}
	if cfg.Agent.ResponseTimeout != 30*time.Second {
		t.Errorf("Agent.ResponseTimeout = %v, want 30s from bare number", cfg.Agent.ResponseTimeout)
	}
	if cfg.Session.SessionID != "toml-session" {
		t.Errorf("Session.SessionID = %q, want %q", cfg.Session.SessionID, "toml-session")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "bridge.yaml", "{}\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Server.CaptureAddr != DefaultCaptureAddr {
		t.Errorf("Server.CaptureAddr = %q, want %q", cfg.Server.CaptureAddr, DefaultCaptureAddr)
	}
	if cfg.Agent.ResponseTimeout != DefaultResponseTimeout {
		t.Errorf("Agent.ResponseTimeout = %v, want %v", cfg.Agent.ResponseTimeout, DefaultResponseTimeout)
	}
	if cfg.Agent.Sides != "ab" {
		t.Errorf("Agent.Sides = %q, want ab", cfg.Agent.Sides)
	}
	if cfg.Session.Mode != ModeDirect {
		t.Errorf("Session.Mode = %q, want %q", cfg.Session.Mode, ModeDirect)
	}
	if cfg.Session.DirectSystemSide != "b" {
		t.Errorf("Session.DirectSystemSide = %q, want b", cfg.Session.DirectSystemSide)
	}
	if !cfg.Session.FallbackToDefaults() {
		t.Error("Session.FallbackToDefaults() = false, want true by default")
	}
	if cfg.Debug.HistorySize != DefaultHistorySize {
		t.Errorf("Debug.HistorySize = %d, want %d", cfg.Debug.HistorySize, DefaultHistorySize)
	}
	if cfg.Catalog.ModelsPath != "models.json" {
		t.Errorf("Catalog.ModelsPath = %q, want models.json", cfg.Catalog.ModelsPath)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_BRIDGE_KEY", "from-env")

	cfg, err := Load(writeConfig(t, "bridge.yaml", `
auth:
  api_key: "${TEST_BRIDGE_KEY}"
session:
  session_id: "${TEST_BRIDGE_UNSET_VAR}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.APIKey != "from-env" {
		t.Errorf("Auth.APIKey = %q, want %q", cfg.Auth.APIKey, "from-env")
	}
	if cfg.Session.SessionID != "" {
		t.Errorf("Session.SessionID = %q, want empty for unset var", cfg.Session.SessionID)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", "agent:\n  response_timeout: \"soon\"\n", "response_timeout"},
		{"bad mode", "session:\n  mode: \"arena\"\n", "session.mode"},
		{"bad battle target", "session:\n  battle_target: \"c\"\n", "battle_target"},
		{"bad log format", "logging:\n  format: \"xml\"\n", "logging.format"},
		{"tailscale without hostname", "tailscale:\n  enabled: true\n", "tailscale.hostname"},
		{"invalid yaml", "server: [\n", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "bridge.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading config file error", err)
	}
}

func TestValidID(t *testing.T) {
	cases := map[string]bool{
		"":                     false,
		"YOUR_SESSION_ID":      false,
		"abc-YOUR_ID-def":      false,
		"5f1c7e2a-0000-4b5e-a": true,
	}
	for id, want := range cases {
		if got := ValidID(id); got != want {
			t.Errorf("ValidID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestHolder_ReloadAndUpdate(t *testing.T) {
	path := writeConfig(t, "bridge.yaml", "session:\n  session_id: \"one\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	h := NewHolder(path, cfg)

	before := h.Get()
	h.Update(func(c *Config) { c.Session.SessionID = "captured" })

	if before.Session.SessionID != "one" {
		t.Errorf("old snapshot mutated: %q", before.Session.SessionID)
	}
	if h.Get().Session.SessionID != "captured" {
		t.Errorf("Get().Session.SessionID = %q, want captured", h.Get().Session.SessionID)
	}

	if err := os.WriteFile(path, []byte("session:\n  session_id: \"two\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if h.Get().Session.SessionID != "two" {
		t.Errorf("after reload SessionID = %q, want two", h.Get().Session.SessionID)
	}

	if err := os.WriteFile(path, []byte("session:\n  mode: \"nope\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Reload(); err == nil {
		t.Error("Reload() expected error for invalid config")
	}
	if h.Get().Session.SessionID != "two" {
		t.Error("failed reload must keep the previous snapshot")
	}
}

func TestHolder_ConcurrentReaders(t *testing.T) {
	h := NewHolder("", Default())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Update(func(c *Config) { c.Session.MessageID = "m" })
		}()
		go func() {
			defer wg.Done()
			if h.Get() == nil {
				t.Error("Get() returned nil")
			}
		}()
	}
	wg.Wait()
}
