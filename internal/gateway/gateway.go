// ABOUTME: Gateway orchestrator that wires the agent channel, catalog, store, and HTTP servers
// ABOUTME: Manages the API and id capture listeners, optional Tailscale exposure, and shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/arena-bridge/internal/agent"
	"github.com/2389/arena-bridge/internal/auth"
	"github.com/2389/arena-bridge/internal/catalog"
	"github.com/2389/arena-bridge/internal/config"
	"github.com/2389/arena-bridge/internal/history"
	"github.com/2389/arena-bridge/internal/metrics"
	"github.com/2389/arena-bridge/internal/store"
)

// Version is reported by /status. It is set at build time.
var Version = "dev"

// captureDisabled as server.capture_addr turns the id capture listener off.
const captureDisabled = "-"

// Gateway orchestrates the arena-bridge server components.
type Gateway struct {
	config  *config.Holder
	channel *agent.Channel
	router  *agent.Router
	catalog *catalog.Catalog
	store   store.Store
	history *history.History
	metrics *metrics.Metrics
	limiter *rateLimiter

	httpServer    *http.Server
	captureServer *http.Server
	tsnetServer   *tsnet.Server
	logger        *slog.Logger

	startedAt time.Time
}

// initStore creates the store from config, honoring ARENA_BRIDGE_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("ARENA_BRIDGE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		dbPath = ":memory:"
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func catalogPaths(cfg *config.Config) catalog.Paths {
	return catalog.Paths{
		Models:    cfg.Catalog.ModelsPath,
		Endpoints: cfg.Catalog.EndpointsPath,
		Available: cfg.Catalog.AvailablePath,
	}
}

// New creates a new Gateway serving the configuration published by holder.
func New(holder *config.Holder, logger *slog.Logger) (*Gateway, error) {
	cfg := holder.Get()

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	channel := agent.NewChannel(agent.ChannelParams{
		MailboxSize: cfg.Agent.MailboxSize,
		Metrics:     m,
		Logger:      logger.With("component", "agent-channel"),
	})
	router := agent.NewRouter(agent.RouterParams{
		Channel: channel,
		Timeout: cfg.Agent.ResponseTimeout,
		Sides:   cfg.Agent.Sides,
		Metrics: m,
		Logger:  logger.With("component", "agent-router"),
	})

	cat := catalog.New(catalogPaths(cfg), logger)
	if err := cat.Load(); err != nil {
		// The bridge still serves mapped defaults without a catalog.
		logger.Warn("loading model catalog failed", "error", err)
	}

	gw := &Gateway{
		config:    holder,
		channel:   channel,
		router:    router,
		catalog:   cat,
		store:     s,
		history:   history.New(cfg.Debug.HistoryTTL, cfg.Debug.HistorySize),
		metrics:   m,
		limiter:   newRateLimiter(holder),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
	gw.restoreCapturedIDs(context.Background())

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.CaptureAddr != captureDisabled {
		gw.captureServer = &http.Server{
			Addr:              cfg.Server.CaptureAddr,
			Handler:           gw.CaptureHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	gw.logger.Info("gateway initialized",
		"models", cat.Count(),
		"mode", cfg.Session.Mode,
		"auth", cfg.Auth.APIKey != "",
	)
	return gw, nil
}

func (g *Gateway) apiKey() string {
	return g.config.Get().Auth.APIKey
}

// Handler returns the main HTTP handler with all routes and middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health and agent endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /ws", g.handleAgentSocket)

	// OpenAI-compatible endpoints - api key and rate limit apply
	api := func(h http.HandlerFunc) http.Handler {
		return auth.APIKeyMiddleware(g.apiKey)(g.limiter.middleware(h))
	}
	mux.Handle("POST /v1/chat/completions", api(g.handleCompletions))
	mux.Handle("POST /v1/completions", api(g.handleCompletions))
	mux.Handle("POST /completions", api(g.handleCompletions))
	mux.Handle("GET /v1/models", api(g.handleModels))
	mux.Handle("GET /models", api(g.handleModels))

	// Local operator endpoints
	mux.HandleFunc("GET /status", g.handleStatus)
	mux.HandleFunc("GET /debug", g.handleDebug)
	mux.HandleFunc("GET /debug/history", g.handleDebugHistory)
	mux.HandleFunc("POST /debug/reset", g.handleDebugReset)
	mux.HandleFunc("GET /debug/last_payload", g.handleLastPayload)
	mux.HandleFunc("GET /debug/last_response", g.handleLastResponse)
	mux.HandleFunc("GET /transcripts", g.handleListTranscripts)
	mux.HandleFunc("GET /transcripts/{id}", g.handleGetTranscript)
	mux.HandleFunc("POST /internal/reload", g.handleReload)
	mux.HandleFunc("POST /internal/refresh", g.handleAgentCommand(agent.CommandRefresh))
	mux.HandleFunc("POST /internal/reconnect", g.handleAgentCommand(agent.CommandReconnect))
	mux.HandleFunc("POST /internal/start_id_capture", g.handleAgentCommand(agent.CommandStartIDCapture))
	mux.HandleFunc("POST /internal/request_model_update", g.handleAgentCommand(agent.CommandSendPageSource))
	mux.HandleFunc("POST /internal/update_available_models", g.handleUpdateAvailableModels)
	mux.HandleFunc("POST /internal/generate_models", g.handleGenerateModels)

	if mc := g.config.Get().Metrics; mc.Enabled {
		mux.Handle("GET "+mc.Path, g.metrics.Handler())
	}

	return withSecurityHeaders(withCORS(mux))
}

// CaptureHandler returns the handler for the id capture listener.
func (g *Gateway) CaptureHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /update", g.handleCapture)
	return withCORS(mux)
}

// setupTCPListeners creates standard TCP listeners for the API and capture servers.
func (g *Gateway) setupTCPListeners() (httpLn net.Listener, err error) {
	cfg := g.config.Get()
	g.logger.Info("starting gateway", "http_addr", cfg.Server.HTTPAddr)

	httpLn, err = net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return httpLn, nil
}

// setupListeners creates the API listener (Tailscale or TCP) and the
// capture listener, which always stays on local TCP.
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, captureLn net.Listener, err error) {
	cfg := g.config.Get()
	if cfg.Tailscale.Enabled {
		if cfg.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", cfg.Server.HTTPAddr)
		}
		httpLn, err = g.setupTailscaleListener(ctx)
	} else {
		httpLn, err = g.setupTCPListeners()
	}
	if err != nil {
		return nil, nil, err
	}

	if g.captureServer != nil {
		captureLn, err = net.Listen("tcp", cfg.Server.CaptureAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on capture address: %w", err)
		}
	}
	return httpLn, captureLn, nil
}

// startServers starts the HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(httpLn, captureLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if captureLn != nil {
		go func() {
			g.logger.Info("id capture server listening", "addr", captureLn.Addr().String())
			if err := g.captureServer.Serve(captureLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("capture server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, captureListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(httpListener, captureListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "arena-bridge", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns the API listener on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Get().Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// The agent channel goes first so in-flight requests end and their
// handlers can return.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.channel.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.captureServer != nil {
		errs = appendCloseError(errs, "capture shutdown", g.captureServer.Shutdown(ctx))
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.history.Close()
	g.limiter.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
