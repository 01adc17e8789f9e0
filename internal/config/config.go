// ABOUTME: Configuration loading and parsing for arena-bridge
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied to fields left unset.
const (
	DefaultHTTPAddr        = "127.0.0.1:5102"
	DefaultCaptureAddr     = "127.0.0.1:5103"
	DefaultResponseTimeout = 360 * time.Second
	DefaultMailboxSize     = 256
	DefaultSides           = "ab"
	DefaultHistorySize     = 30
	DefaultHistoryTTL      = 24 * time.Hour
)

// Session addressing modes.
const (
	ModeDirect = "direct_chat"
	ModeBattle = "battle"
)

// Config represents the complete arena-bridge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Features  FeaturesConfig  `yaml:"features" toml:"features"`
	Catalog   CatalogConfig   `yaml:"catalog" toml:"catalog"`
	Debug     DebugConfig     `yaml:"debug" toml:"debug"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr" toml:"http_addr"`
	CaptureAddr string `yaml:"capture_addr" toml:"capture_addr"` // session id capture service; "-" disables it
	// AllowedOrigins limits browser origins for the agent WebSocket; empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds the optional shared API key
type AuthConfig struct {
	APIKey string `yaml:"api_key" toml:"api_key"`
}

// AgentConfig holds control channel tuning
type AgentConfig struct {
	ResponseTimeout time.Duration `yaml:"-" toml:"-"`
	MailboxSize     int           `yaml:"mailbox_size" toml:"mailbox_size"`
	Sides           string        `yaml:"sides" toml:"sides"`

	// Raw string values for unmarshaling
	ResponseTimeoutRaw string `yaml:"response_timeout" toml:"response_timeout"`
}

// SessionConfig holds the default upstream conversation ids and addressing
type SessionConfig struct {
	SessionID        string `yaml:"session_id" toml:"session_id"`
	MessageID        string `yaml:"message_id" toml:"message_id"`
	Mode             string `yaml:"mode" toml:"mode"`                   // direct_chat, battle
	BattleTarget     string `yaml:"battle_target" toml:"battle_target"` // a, b
	DirectSystemSide string `yaml:"direct_system_side" toml:"direct_system_side"`
	// UseDefaultIDs falls back to SessionID/MessageID for models without
	// an endpoint mapping. Defaults to true.
	UseDefaultIDs *bool `yaml:"use_default_ids" toml:"use_default_ids"`
}

// FallbackToDefaults reports whether unmapped models use the default ids.
func (s SessionConfig) FallbackToDefaults() bool {
	return s.UseDefaultIDs == nil || *s.UseDefaultIDs
}

// FeaturesConfig holds payload shaping switches
type FeaturesConfig struct {
	TavernMode bool `yaml:"tavern_mode" toml:"tavern_mode"` // merge system prompts
	Bypass     bool `yaml:"bypass" toml:"bypass"`           // append a trailing empty user turn
}

// CatalogConfig holds the model mapping file locations
type CatalogConfig struct {
	ModelsPath    string `yaml:"models_path" toml:"models_path"`
	EndpointsPath string `yaml:"endpoints_path" toml:"endpoints_path"`
	AvailablePath string `yaml:"available_path" toml:"available_path"`
}

// DebugConfig holds request history settings
type DebugConfig struct {
	HistorySize int           `yaml:"history_size" toml:"history_size"`
	HistoryTTL  time.Duration `yaml:"-" toml:"-"`

	HistoryTTLRaw string `yaml:"history_ttl" toml:"history_ttl"`
}

// RateLimitConfig holds per-client request limits for the API routes
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" toml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Server.CaptureAddr == "" {
		cfg.Server.CaptureAddr = DefaultCaptureAddr
	}
	if cfg.Agent.ResponseTimeout == 0 {
		cfg.Agent.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.Agent.MailboxSize == 0 {
		cfg.Agent.MailboxSize = DefaultMailboxSize
	}
	if cfg.Agent.Sides == "" {
		cfg.Agent.Sides = DefaultSides
	}
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = ModeDirect
	}
	cfg.Session.BattleTarget = strings.ToLower(cfg.Session.BattleTarget)
	if cfg.Session.BattleTarget == "" {
		cfg.Session.BattleTarget = "a"
	}
	if cfg.Session.DirectSystemSide == "" {
		cfg.Session.DirectSystemSide = "b"
	}
	if cfg.Catalog.ModelsPath == "" {
		cfg.Catalog.ModelsPath = "models.json"
	}
	if cfg.Catalog.EndpointsPath == "" {
		cfg.Catalog.EndpointsPath = "model_endpoint_map.json"
	}
	if cfg.Catalog.AvailablePath == "" {
		cfg.Catalog.AvailablePath = "available_models.json"
	}
	if cfg.Debug.HistorySize == 0 {
		cfg.Debug.HistorySize = DefaultHistorySize
	}
	if cfg.Debug.HistoryTTL == 0 {
		cfg.Debug.HistoryTTL = DefaultHistoryTTL
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Session.Mode {
	case ModeDirect, ModeBattle:
	default:
		return fmt.Errorf("session.mode must be %q or %q, got %q", ModeDirect, ModeBattle, c.Session.Mode)
	}

	if c.Session.BattleTarget != "a" && c.Session.BattleTarget != "b" {
		return fmt.Errorf("session.battle_target must be a or b, got %q", c.Session.BattleTarget)
	}

	if c.Agent.MailboxSize < 1 {
		return fmt.Errorf("agent.mailbox_size must be positive")
	}

	if c.Agent.ResponseTimeout < 0 {
		return fmt.Errorf("agent.response_timeout must not be negative")
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
// A bare number is read as seconds.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agent.ResponseTimeoutRaw != "" {
		cfg.Agent.ResponseTimeout, err = parseDuration(cfg.Agent.ResponseTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing response_timeout %q: %w", cfg.Agent.ResponseTimeoutRaw, err)
		}
	}

	if cfg.Debug.HistoryTTLRaw != "" {
		cfg.Debug.HistoryTTL, err = parseDuration(cfg.Debug.HistoryTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing history_ttl %q: %w", cfg.Debug.HistoryTTLRaw, err)
		}
	}

	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	return time.ParseDuration(s + "s")
}

// ValidID reports whether a session or message id looks usable. Empty ids
// and unedited placeholders are rejected.
func ValidID(id string) bool {
	return id != "" && !strings.Contains(id, "YOUR_")
}
