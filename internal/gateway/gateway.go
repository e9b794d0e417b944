// ABOUTME: Gateway orchestrator that wires store, engine, notifier and HTTP server together
// ABOUTME: Manages listeners (TCP or tailnet), the Redis relay, health endpoints and shutdown

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
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/bot"
	"github.com/2389/civic-desk/internal/config"
	"github.com/2389/civic-desk/internal/desk"
	"github.com/2389/civic-desk/internal/directory"
	"github.com/2389/civic-desk/internal/notify"
	"github.com/2389/civic-desk/internal/store"
)

// Gateway serves the civic-desk HTTP API.
type Gateway struct {
	config      *config.Config
	store       store.Store
	engine      *desk.Engine
	events      *notify.Broadcaster
	relay       *notify.Relay
	redis       *redis.Client
	verifier    *auth.JWTVerifier
	limiter     *sessionLimiter
	upgrader    websocket.Upgrader
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// baseCancel ends long-lived SSE and WebSocket requests on shutdown.
	baseCancel context.CancelFunc
	ready      atomic.Bool
}

// initStore opens the SQLite store. CIVIC_DESK_DB_PATH overrides the configured path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CIVIC_DESK_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func loadScript(cfg config.BotConfig) (*bot.Script, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.ScriptPath == "" {
		return bot.DefaultScript(), nil
	}
	return bot.LoadScript(cfg.ScriptPath)
}

// checkOrigin returns nil (gorilla's same-origin check) when no origins are configured.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// New creates a Gateway. Nothing is served and no state is restored until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	script, err := loadScript(cfg.Bot)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}

	events := notify.NewBroadcaster(cfg.Notifier.BufferSize, logger)
	var publisher notify.Publisher = events

	gw := &Gateway{
		config:   cfg,
		store:    sqlStore,
		events:   events,
		verifier: auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		limiter:  newSessionLimiter(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(cfg.Server.AllowedOrigins),
		},
		logger: logger.With("component", "gateway"),
	}

	if cfg.Redis.Enabled {
		gw.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		gw.relay = notify.NewRelay(events, gw.redis, notify.RelayConfig{
			Channel: cfg.Redis.Channel,
			NodeID:  cfg.Redis.NodeID,
		}, logger)
		publisher = gw.relay
	}

	engine, err := desk.New(desk.Options{
		Store:               sqlStore,
		Directory:           directory.NewStatic(cfg.Departments),
		Events:              events,
		Publisher:           publisher,
		Bot:                 script,
		Roster:              cfg.Roster(),
		SessionCost:         cfg.Auth.SessionTokenCost,
		HandlingWindow:      cfg.Dispatch.HandlingWindow,
		DefaultHandlingTime: cfg.Dispatch.DefaultHandlingTime,
		SweepSchedule:       cfg.Dispatch.SweepSchedule,
		SweepTimeout:        cfg.Dispatch.SweepTimeout,
		Logger:              logger,
	})
	if err != nil {
		gw.closeResources()
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	gw.engine = engine

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	baseCtx, cancel := context.WithCancel(context.Background())
	gw.baseCancel = cancel
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return gw, nil
}

// Handler returns the HTTP handler, for embedding or tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Start restores engine state and starts the relay. Run calls it.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	if g.relay != nil {
		go func() {
			if err := g.relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("redis relay stopped", "error", err)
			}
		}()
	}
	g.ready.Store(true)
	return nil
}

// setupTCPListener listens on server.http_addr.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run restores state, serves HTTP and blocks until ctx is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		g.closeResources()
		return err
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		g.gracefulShutdown()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
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
	return filepath.Join(homeDir, ".local", "share", "civic-desk", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or :443 with HTTPS.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
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
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if !tsCfg.HTTPS {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

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

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeResources releases everything New acquired, for failure paths before serving.
func (g *Gateway) closeResources() {
	if g.engine != nil {
		g.engine.Stop()
	}
	if g.relay != nil {
		g.relay.Stop()
	}
	if g.redis != nil {
		_ = g.redis.Close()
	}
	g.events.Close()
	g.limiter.Close()
	_ = g.store.Close()
}

// Shutdown stops serving, ends streams, stops background work and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)

	var errs []error
	g.baseCancel()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.engine.Stop()
	if g.relay != nil {
		g.relay.Stop()
	}
	g.events.Close()
	g.limiter.Close()
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the process is serving.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once state has been restored and reports online agents.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	agents, err := g.engine.Agents(r.Context(), auth.System())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("engine unavailable"))
		return
	}
	online := 0
	for _, a := range agents {
		if a.Status == store.PresenceOnline {
			online++
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents online)", online)
}
