// ABOUTME: Entry point for the arena-bridge server and its operator commands
// ABOUTME: Serves the OpenAI-compatible API and talks to a running bridge over HTTP

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/arena-bridge/internal/config"
	"github.com/2389/arena-bridge/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                   _          _     _
  __ _ _ __ ___ _ __   __ _       | |__  _ __(_) __| | __ _  ___
 / _' | '__/ _ \ '_ \ / _' |_____ | '_ \| '__| |/ _' |/ _' |/ _ \
| (_| | | |  __/ | | | (_| |_____|| |_) | |  | | (_| | (_| |  __/
 \__,_|_|  \___|_| |_|\__,_|      |_.__/|_|  |_|\__,_|\__, |\___|
                                                      |___/
`

// getConfigPath returns the path to the bridge config file.
// Priority: ARENA_BRIDGE_CONFIG env var > XDG_CONFIG_HOME/arena-bridge/bridge.yaml > ~/.config/arena-bridge/bridge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ARENA_BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "arena-bridge", "bridge.yaml")
}

// getDataPath returns the path to the arena-bridge data directory.
// Priority: XDG_DATA_HOME/arena-bridge > ~/.local/share/arena-bridge
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "arena-bridge")
}

func usage() {
	fmt.Println("Usage: arena-bridge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve      Start the bridge server")
	fmt.Println("  health     Check bridge health")
	fmt.Println("  status     Show agent connection and session status")
	fmt.Println("  reload     Reload config and model files in the running bridge")
	fmt.Println("  capture    Ask the agent to capture new session ids")
	fmt.Println("  refresh    Ask the agent to reload the arena page")
	fmt.Println("  models     Ask the agent for the current model list, then regenerate models.json")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	case "reload":
		err = runPost(ctx, "/internal/reload")
	case "capture":
		err = runPost(ctx, "/internal/start_id_capture")
	case "refresh":
		err = runPost(ctx, "/internal/refresh")
	case "models":
		err = runModels(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing file yields the defaults and
// an empty path, so reloads keep the in-memory config.
func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	gateway.Version = version

	if cfg.Database.Path == "" && os.Getenv("ARENA_BRIDGE_DB_PATH") == "" {
		dataDir := getDataPath()
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		cfg.Database.Path = filepath.Join(dataDir, "bridge.db")
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if configPath == "" {
		fmt.Printf("Config:    ")
		yellow.Printf("defaults (%s not found)\n", getConfigPath())
	} else {
		fmt.Printf("Config:    %s\n", configPath)
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Capture:   %s\n", cfg.Server.CaptureAddr)
	green.Print("    ▶ ")
	fmt.Printf("Mode:      %s\n", cfg.Session.Mode)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if !config.ValidID(cfg.Session.SessionID) {
		yellow.Println("    ! session ids are not configured; run `arena-bridge capture` once the agent is connected")
	}

	fmt.Println()

	logger.Info("starting arena-bridge",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"capture_addr", cfg.Server.CaptureAddr,
	)

	gw, err := gateway.New(config.NewHolder(configPath, cfg), logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			out:   os.Stdout,
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Handlers derived through WithAttrs share the parent's lock.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// bridgeURL returns the base URL of the local bridge.
func bridgeURL() (string, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Server.HTTPAddr == "" {
		return "", errors.New("server.http_addr is not set; operator commands need a local listener")
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

// call sends a request to the running bridge and returns the response body.
func call(ctx context.Context, method, path string) (int, []byte, error) {
	base, err := bridgeURL()
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	status, _, err := call(ctx, http.MethodGet, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	status, body, err := call(ctx, http.MethodGet, "/status")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("status: %d %s", status, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runPost(ctx context.Context, path string) error {
	status, body, err := call(ctx, http.MethodPost, path)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%s: %d %s", path, status, strings.TrimSpace(string(body)))
	}
	color.Green("  ✓ %s", strings.TrimSpace(string(body)))
	return nil
}

// runModels asks the agent for the page source, waits for the model list
// to be posted back, then merges it into models.json.
func runModels(ctx context.Context) error {
	if err := runPost(ctx, "/internal/request_model_update"); err != nil {
		return err
	}

	// The agent posts the page asynchronously.
	select {
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return runPost(ctx, "/internal/generate_models")
}
