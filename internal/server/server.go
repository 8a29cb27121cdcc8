// ABOUTME: Server orchestrator that wires the store, agent listener, health loop and HTTP API
// ABOUTME: Manages listener setup (TCP or Tailscale), goroutine supervision and graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/fleet-manager/internal/agent"
	"github.com/2389/fleet-manager/internal/config"
	"github.com/2389/fleet-manager/internal/discovery"
	"github.com/2389/fleet-manager/internal/health"
	"github.com/2389/fleet-manager/internal/metrics"
	"github.com/2389/fleet-manager/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Server orchestrates the fleet-manager components.
type Server struct {
	config      *config.Config
	store       store.Store
	metrics     *metrics.Metrics
	manager     *agent.Manager
	reconciler  *health.Reconciler
	broadcaster *discovery.Broadcaster
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverPort is the bound agent port once Run has set up listeners.
	serverPort atomic.Int32
	httpAddr   atomic.Value // string
	ready      chan struct{}
	readyOnce  sync.Once
}

// initStore opens the store selected by database.driver.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err = store.NewPostgresStore(ctx, cfg.Database.DSN, logger)
	case config.DriverSQLite3:
		s, err = store.OpenSQLite(store.DriverSQLite3, cfg.Database.Path, logger)
	default:
		s, err = store.OpenSQLite(store.DriverSQLite, cfg.Database.Path, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Server and opens its store.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s, err := initStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, s, logger), nil
}

// NewWithStore creates a Server on an already opened store. The Server
// owns st and closes it on shutdown.
func NewWithStore(cfg *config.Config, st store.Store, logger *slog.Logger) *Server {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	mgr := agent.NewManager(logger.With("component", "agent-manager"), m)
	srv := &Server{
		config:     cfg,
		store:      st,
		metrics:    m,
		manager:    mgr,
		reconciler: health.New(mgr, st, health.Config{Interval: cfg.Agents.HealthInterval}, logger, m),
		broadcaster: discovery.NewBroadcaster(discovery.Config{
			Port:          cfg.Discovery.Port,
			BroadcastAddr: cfg.Discovery.BroadcastAddr,
			Timeout:       cfg.Discovery.Timeout,
		}, logger, m),
		logger: logger.With("component", "server"),
		ready:  make(chan struct{}),
	}
	if port, err := cfg.Server.Port(); err == nil {
		srv.serverPort.Store(int32(port))
	}
	srv.httpAddr.Store("")

	if cfg.Server.HTTPAddr != "" || cfg.Tailscale.Enabled {
		srv.httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           srv.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return srv
}

// Manager returns the agent registry.
func (s *Server) Manager() *agent.Manager { return s.manager }

// Reconciler returns the health loop.
func (s *Server) Reconciler() *health.Reconciler { return s.reconciler }

// Broadcaster returns the discovery broadcaster.
func (s *Server) Broadcaster() *discovery.Broadcaster { return s.broadcaster }

// Metrics returns the collectors, nil when metrics are disabled.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Store returns the persistence layer.
func (s *Server) Store() store.Store { return s.store }

// ServerPort returns the agent control port. After Ready it is the bound
// port, which differs from the configured one when that was 0.
func (s *Server) ServerPort() int { return int(s.serverPort.Load()) }

// HTTPAddr returns the bound status API address, or "" when disabled or
// not yet bound.
func (s *Server) HTTPAddr() string { return s.httpAddr.Load().(string) }

// Ready is closed once the listeners are bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

func (s *Server) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// setupTCPListeners creates standard TCP listeners for agents and HTTP.
func (s *Server) setupTCPListeners() (agentLn, httpLn net.Listener, err error) {
	s.logger.Info("starting fleet manager",
		"listen_addr", s.config.Server.ListenAddr,
		"http_addr", s.config.Server.HTTPAddr,
	)

	agentLn, err = net.Listen("tcp", s.config.Server.ListenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on agent address: %w", err)
	}

	if s.httpServer == nil {
		return agentLn, nil, nil
	}
	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		_ = agentLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return agentLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (s *Server) setupListeners(ctx context.Context) (agentLn, httpLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled; the API is served on :80 of the tailnet node",
				"http_addr", s.config.Server.HTTPAddr,
			)
		}
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

// Run binds the listeners and runs the accept loop, the health loop, the
// HTTP API and the startup announcement until ctx is cancelled or one of
// them fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	agentLn, httpLn, err := s.setupListeners(ctx)
	if err != nil {
		_ = s.Shutdown(context.Background())
		return err
	}

	listener, err := agent.NewListener(agentLn, s.manager, agent.ListenerConfig{
		HandshakeTimeout: s.config.Agents.HandshakeTimeout,
		IOTimeout:        s.config.Agents.IOTimeout,
		MaxMessageSize:   s.config.Agents.MaxMessageSize,
		OnRegister:       s.reconciler.AgentRegistered,
	}, s.logger, s.metrics)
	if err != nil {
		_ = agentLn.Close()
		if httpLn != nil {
			_ = httpLn.Close()
		}
		_ = s.Shutdown(context.Background())
		return err
	}

	if tcp, ok := agentLn.Addr().(*net.TCPAddr); ok && tcp.Port != 0 {
		s.serverPort.Store(int32(tcp.Port))
	}
	if httpLn != nil {
		s.httpAddr.Store(httpLn.Addr().String())
	}
	s.readyOnce.Do(func() { close(s.ready) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Serve(gctx) })
	g.Go(func() error { return s.reconciler.Run(gctx) })

	if httpLn != nil {
		g.Go(func() error {
			s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return s.httpServer.Shutdown(shutdownCtx)
		})
	}

	if s.config.Discovery.AnnounceOnStart {
		g.Go(func() error {
			s.broadcaster.Announce(gctx, s.ServerPort())
			return nil
		})
	}

	serverErr := g.Wait()
	if serverErr != nil {
		s.logger.Error("server error", "error", serverErr)
	} else {
		s.logger.Info("context canceled, initiating shutdown")
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "fleet", "tailscale"), nil
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

// setupTailscaleListeners starts a tsnet node and listens on it for agents
// (on the configured agent port) and HTTP (on :80).
func (s *Server) setupTailscaleListeners(ctx context.Context) (agentLn, httpLn net.Listener, err error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		s.tsnetServer = nil
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	agentLn, err = s.tsnetServer.Listen("tcp", ":"+strconv.Itoa(s.ServerPort()))
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailscale agent port: %w", err)
	}

	httpLn, err = s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = agentLn.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return agentLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown closes every agent connection, the HTTP server, the tailnet node
// and the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down fleet manager")

	var errs []error
	if s.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	}

	s.manager.Close()

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
