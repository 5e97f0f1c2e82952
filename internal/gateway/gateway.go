// ABOUTME: Gateway orchestrator that coordinates the device listener, HTTP, and gRPC servers
// ABOUTME: Wires device sessions to the relay hub and device directory and owns shutdown order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/daq-gateway/internal/config"
	"github.com/2389/daq-gateway/internal/relay"
	"github.com/2389/daq-gateway/internal/store"
)

// Tailnet ports used when tailscale provides the listeners.
const (
	tailnetDevicePort = ":7070"
	tailnetHTTPPort   = ":80"
	tailnetGRPCPort   = ":50051"
)

// Gateway orchestrates the daq-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	hub         *relay.Hub
	runner      *Runner
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	startedAt   time.Time

	mu       sync.Mutex
	httpAddr net.Addr
	grpcAddr net.Addr
	ready    chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates the device directory based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("DAQ_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		dbPath = store.MemoryPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New builds a Gateway from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	// No session survives a restart.
	if _, err := s.ResetOnline(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	hub := relay.NewHub(relay.HubConfig{
		AllowedOrigins:   cfg.Relay.AllowedOrigins,
		SubscriberBuffer: cfg.Relay.SubscriberBuffer,
	}, logger)

	handler := Handlers{
		relay.NewDeviceHandler(hub, cfg.Relay.Prefix),
		store.NewRecorder(s, logger),
	}

	runner := NewRunner(RunnerConfig{
		Addr:            cfg.Server.DeviceAddr,
		ReadTimeout:     cfg.Devices.ReadTimeout,
		MaxFrameSize:    cfg.Devices.MaxFrameBytes,
		DuplicatePolicy: DuplicatePolicy(cfg.Devices.DuplicatePolicy),
		EvictTimeout:    cfg.Devices.EvictTimeout,
	}, handler, logger)

	gw := &Gateway{
		config:    cfg,
		store:     s,
		hub:       hub,
		runner:    runner,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		ready:     make(chan struct{}),
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.health = newGRPCServer(logger.With("component", "grpc"))
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// listeners groups everything Run serves on. grpc is nil when disabled.
type listeners struct {
	device net.Listener
	http   net.Listener
	grpc   net.Listener
}

func (l listeners) closeAll() {
	for _, ln := range []net.Listener{l.device, l.http, l.grpc} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// setupTCPListeners creates standard TCP listeners.
func (g *Gateway) setupTCPListeners() (listeners, error) {
	g.logger.Info("starting gateway",
		"device_addr", g.config.Server.DeviceAddr,
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	var lns listeners
	var err error

	lns.device, err = net.Listen("tcp", g.config.Server.DeviceAddr)
	if err != nil {
		return lns, fmt.Errorf("listening on device address: %w", err)
	}

	lns.http, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		lns.closeAll()
		return listeners{}, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		lns.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			lns.closeAll()
			return listeners{}, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return lns, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	srv := g.config.Server
	if srv.DeviceAddr != "" || srv.HTTPAddr != "" || srv.GRPCAddr != "" {
		g.logger.Warn("server addresses are ignored when tailscale is enabled",
			"device_addr", srv.DeviceAddr,
			"http_addr", srv.HTTPAddr,
			"grpc_addr", srv.GRPCAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (listeners, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts HTTP and gRPC servers in goroutines, returning an error channel.
func (g *Gateway) startServers(lns listeners) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", lns.http.Addr().String())
		if err := g.httpServer.Serve(lns.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if lns.grpc != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", lns.grpc.Addr().String())
			if err := g.grpcServer.Serve(lns.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
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

// Run starts the device listener and the HTTP and gRPC servers, then blocks
// until ctx is canceled or a server fails. Shutdown runs before Run returns.
func (g *Gateway) Run(ctx context.Context) error {
	lns, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.runner.cfg.Listener = lns.device
	// Shutdown stops the runner explicitly so ordering stays under our control.
	if err := g.runner.Start(context.WithoutCancel(ctx)); err != nil {
		lns.closeAll()
		return err
	}

	g.mu.Lock()
	g.httpAddr = lns.http.Addr()
	if lns.grpc != nil {
		g.grpcAddr = lns.grpc.Addr()
	}
	g.mu.Unlock()

	if g.health != nil {
		setHealth(g.health, healthpb.HealthCheckResponse_SERVING)
	}

	errCh := g.startServers(lns)
	close(g.ready)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Devices.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Ready is closed once Run has bound every listener.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

// DeviceAddr returns the bound device listener address, or nil before Run.
func (g *Gateway) DeviceAddr() net.Addr {
	return g.runner.Addr()
}

// HTTPAddr returns the bound HTTP listener address, or nil before Run.
func (g *Gateway) HTTPAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.httpAddr
}

// GRPCAddr returns the bound gRPC listener address, or nil when disabled.
func (g *Gateway) GRPCAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grpcAddr
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
	return filepath.Join(homeDir, ".local", "share", "daq-gateway", "tailscale"), nil
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

// setupTailscaleListeners joins the tailnet and listens for devices, HTTP, and gRPC there.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (listeners, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return listeners{}, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return listeners{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return listeners{}, err
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
		return listeners{}, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var lns listeners
	fail := func(what string, err error) (listeners, error) {
		lns.closeAll()
		_ = g.tsnetServer.Close()
		return listeners{}, fmt.Errorf("listening on tailscale %s port: %w", what, err)
	}

	if lns.device, err = g.tsnetServer.Listen("tcp", tailnetDevicePort); err != nil {
		return fail("device", err)
	}
	if lns.http, err = g.tsnetServer.Listen("tcp", tailnetHTTPPort); err != nil {
		return fail("HTTP", err)
	}
	if g.grpcServer != nil {
		if lns.grpc, err = g.tsnetServer.Listen("tcp", tailnetGRPCPort); err != nil {
			return fail("gRPC", err)
		}
	}
	return lns, nil
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting devices, ends every session (each one emits its
// DISCONNECT), then stops the servers and releases resources. Safe to call
// more than once; later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	if g.health != nil {
		g.health.Shutdown()
	}

	var errs []error

	g.runner.Stop()
	errs = appendCloseError(errs, "device sessions", g.runner.JoinContext(ctx))

	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}

	errs = appendCloseError(errs, "relay close", g.hub.Close())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	g.logger.Info("gateway stopped")
	return nil
}
