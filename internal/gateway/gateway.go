// ABOUTME: Gateway orchestrator wiring store, accounts, registry, and HTTP server
// ABOUTME: Manages listener setup (TCP or Tailscale) and graceful shutdown

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

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/finsight/chatgate/internal/account"
	"github.com/finsight/chatgate/internal/agent"
	"github.com/finsight/chatgate/internal/auth"
	"github.com/finsight/chatgate/internal/config"
	"github.com/finsight/chatgate/internal/metrics"
	"github.com/finsight/chatgate/internal/notify"
	"github.com/finsight/chatgate/internal/registry"
	"github.com/finsight/chatgate/internal/store"
)

// Gateway orchestrates the chatgate server components.
// It owns the HTTP server carrying both the REST API and the websocket
// session endpoint.
type Gateway struct {
	config      *config.Config
	store       store.Store
	accounts    *account.Service
	registry    *registry.Registry
	verifier    *auth.JWTVerifier
	agent       agent.Querier
	metrics     *metrics.Collector
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	upgrader    websocket.Upgrader
	authLimiter *ipLimiter
	logger      *slog.Logger
}

// initStore creates the store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CHATGATE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildNotifier returns the SMTP notifier when a relay is configured,
// otherwise a log-only notifier.
func buildNotifier(cfg *config.Config, logger *slog.Logger) (account.Notifier, error) {
	if cfg.Notify.SMTPHost == "" {
		logger.Info("no smtp relay configured, registration notifications will be logged")
		return notify.NewLog(logger), nil
	}
	return notify.NewSMTP(notify.SMTPConfig{
		Host:       cfg.Notify.SMTPHost,
		Port:       cfg.Notify.SMTPPort,
		Username:   cfg.Notify.Username,
		Password:   cfg.Notify.Password,
		FromAddr:   cfg.Notify.FromAddr,
		AdminAddrs: cfg.Notify.AdminAddrs,
	}, logger)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating notifier: %w", err)
	}

	accounts := account.New(account.Config{
		Store:          s,
		Notifier:       notifier,
		AllowedDomains: cfg.Auth.AllowedDomains,
		AdminAddrs:     cfg.Notify.AdminAddrs,
		Logger:         logger,
	})

	reg := registry.New(accounts, logger)
	accounts.SetEvictor(reg)

	querier, err := agent.New(agent.Config{
		Endpoint: cfg.Agent.Endpoint,
		Timeout:  cfg.Agent.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent client: %w", err)
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		accounts: accounts,
		registry: reg,
		verifier: verifier,
		agent:    querier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token auth covers origin concerns for the API-style clients
			// this serves; browsers still present the JWT.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		authLimiter: newIPLimiter(cfg.Limits.AuthPerMinute, cfg.Limits.AuthBurst),
		logger:      logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints, no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		gw.metrics = metrics.NewCollector(promReg)
		mux.Handle(cfg.Metrics.Path, metrics.Handler(promReg))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerRoutes wires the API and websocket endpoints onto the mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	authMW := auth.Middleware(g.accounts, g.verifier)
	adminMW := auth.RequireAdmin()

	// registration and login are pre-auth and rate limited per client IP
	mux.Handle("/api/auth/register", g.limitAuth(http.HandlerFunc(g.handleRegister)))
	mux.Handle("/api/auth/login", g.limitAuth(http.HandlerFunc(g.handleLogin)))
	mux.Handle("/api/auth/me", authMW(http.HandlerFunc(g.handleMe)))

	mux.Handle("/api/account", authMW(http.HandlerFunc(g.handleOwnAccount)))

	mux.Handle("/api/conversations", authMW(http.HandlerFunc(g.handleConversations)))
	mux.Handle("/api/conversations/", authMW(http.HandlerFunc(g.handleConversationByID)))

	mux.Handle("/api/admin/accounts", authMW(adminMW(http.HandlerFunc(g.handleAdminAccounts))))
	mux.Handle("/api/admin/accounts/", authMW(adminMW(http.HandlerFunc(g.handleAdminAccountByID))))

	// websocket handshake does its own token check so browser clients can
	// pass ?token=
	mux.HandleFunc("/ws", g.handleWS)
}

// Run starts the gateway server and blocks until the context is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using a default under
// the home directory when not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "chatgate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet node and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

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

	g.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.HTTPS {
		return g.createTailscaleTLSListener()
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
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

// createTailscaleTLSListener serves with Tailscale's auto-provisioned certs.
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

// Bootstrap seeds the first admin account when configured and the store is empty.
func (g *Gateway) Bootstrap(ctx context.Context) error {
	b := g.config.Bootstrap
	if b.AdminEmail == "" {
		return nil
	}
	acct, err := g.accounts.Bootstrap(ctx, b.AdminEmail, b.AdminUsername, b.AdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrapping admin account: %w", err)
	}
	if acct != nil {
		g.logger.Info("bootstrap admin ready", "email", acct.Email)
	}
	return nil
}

// Shutdown gracefully stops the server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.CountAccounts(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.registry.Len())
}
