// ABOUTME: Runtime composition root that wires the store, bus, orchestrator, reconciler and protocol server
// ABOUTME: Manages the HTTP and gRPC listeners, optional tailnet node, and graceful shutdown

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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-runtime/internal/a2a"
	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/auth"
	"github.com/2389/coven-runtime/internal/client"
	"github.com/2389/coven-runtime/internal/config"
	"github.com/2389/coven-runtime/internal/events"
	"github.com/2389/coven-runtime/internal/health"
	"github.com/2389/coven-runtime/internal/metrics"
	"github.com/2389/coven-runtime/internal/ports"
	"github.com/2389/coven-runtime/internal/process"
	"github.com/2389/coven-runtime/internal/reconciler"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/stream"
)

// Gateway owns every long-lived component of the runtime. Nothing is
// global: tests build as many as they like.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store      store.Store
	bus        *events.Bus
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	orch       *agent.Orchestrator
	reconciler *reconciler.Reconciler
	streams    *stream.Engine
	a2a        *a2a.Server
	validator  auth.Validator

	grpcServer   *grpc.Server
	healthServer *grpchealth.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server

	startedAt time.Time
}

// Deps overrides collaborators that tests replace. Zero fields use the real
// implementations.
type Deps struct {
	Store      store.Store
	Supervisor agent.Supervisor
	Prober     agent.Prober
	Executor   a2a.Executor
}

// initStore opens the SQLite repository named by config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildValidator chains the configured credential sources. It returns nil
// when auth is disabled, which makes every caller anonymous.
func buildValidator(cfg config.AuthConfig) (auth.Validator, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	var chain auth.Chain
	if cfg.JWTSecret != "" {
		jwtv, err := auth.NewJWTValidator([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT validator: %w", err)
		}
		chain = append(chain, jwtv)
	}
	if len(cfg.Tokens) > 0 {
		tokens := make([]auth.StaticToken, len(cfg.Tokens))
		for i, t := range cfg.Tokens {
			tokens[i] = auth.StaticToken{Subject: t.Subject, Hash: t.Hash, Scopes: t.Scopes}
		}
		sv, err := auth.NewStaticValidator(tokens)
		if err != nil {
			return nil, fmt.Errorf("creating static token validator: %w", err)
		}
		chain = append(chain, sv)
	}
	return chain, nil
}

func agentSpecs(cfg *config.Config) []agent.Spec {
	specs := make([]agent.Spec, len(cfg.Agents))
	for i, a := range cfg.Agents {
		specs[i] = agent.Spec{
			Name:     a.Name,
			Command:  a.Command,
			Args:     a.Args,
			Env:      a.Env,
			Dir:      a.WorkDir,
			Port:     a.Port,
			CardPath: a.CardPath,
			Enabled:  a.IsEnabled(),
		}
	}
	return specs
}

// New builds a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithDeps(cfg, Deps{}, logger)
}

// NewWithDeps builds a Gateway, substituting any collaborators set in deps.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	oc := cfg.Orchestrator

	s := deps.Store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}
	fail := func(err error) (*Gateway, error) {
		_ = s.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(registry)

	bus := events.NewBus(cfg.Events.SubscriberBuffer, logger)
	bus.SetMetrics(m)

	allocator, err := ports.New(oc.Host, oc.PortMin, oc.PortMax)
	if err != nil {
		return fail(err)
	}

	sup := deps.Supervisor
	if sup == nil {
		sup = process.NewManager(oc.PIDDir, oc.LogDir, logger)
	}
	prober := deps.Prober
	if prober == nil {
		prober = health.NewProber(oc.ProbeTimeout.D(), "", health.Backoff{
			InitialInterval: oc.Backoff.Initial.D(),
			Multiplier:      oc.Backoff.Multiplier,
			MaxInterval:     oc.Backoff.Max.D(),
			MaxAttempts:     oc.Backoff.MaxAttempts,
		})
	}

	orch, err := agent.NewOrchestrator(agent.Params{
		Specs: agentSpecs(cfg),
		Options: agent.Options{
			Host:             oc.Host,
			StartupTimeout:   oc.StartupTimeout.D(),
			StopTimeout:      oc.StopTimeout.D(),
			HealthInterval:   oc.HealthInterval.D(),
			FailureThreshold: oc.FailureThreshold,
			AutoRestart:      oc.AutoRestart == nil || *oc.AutoRestart,
			RestartCeiling:   oc.RestartCeiling,
			RestartWindow:    oc.RestartWindow.D(),
			CardCacheSize:    oc.CardCacheSize,
		},
		Supervisor: sup,
		Prober:     prober,
		Ports:      allocator,
		Bus:        bus,
		Store:      s,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return fail(err)
	}

	rc := cfg.Reconciler
	rec, err := reconciler.New(orch, bus, m, reconciler.Options{
		Schedule:          rc.Schedule,
		DivergenceCeiling: rc.DivergenceCeiling,
		ActionTimeout:     rc.ActionTimeout.D(),
		Debounce:          rc.Debounce.D(),
	}, logger)
	if err != nil {
		return fail(err)
	}

	validator, err := buildValidator(cfg.Auth)
	if err != nil {
		return fail(err)
	}
	if validator == nil {
		logger.Warn("auth disabled - no jwt_secret or tokens configured")
	}

	exec := deps.Executor
	if exec == nil {
		exec = client.NewExecutor(nil, logger.With("component", "executor"))
	}

	engine := stream.NewEngine(bus, cfg.Protocol.StreamBuffer, m, logger)
	pc := cfg.Protocol
	a2aServer, err := a2a.NewServer(a2a.Params{
		Orchestrator: orch,
		Executor:     exec,
		Store:        s,
		Bus:          bus,
		Streams:      engine,
		Validator:    validator,
		Metrics:      m,
		Options: a2a.Options{
			AgentWaitTimeout: pc.AgentWaitTimeout.D(),
			WorkTimeout:      pc.WorkTimeout.D(),
			DedupeTTL:        pc.DedupeTTL.D(),
			DedupeSize:       pc.DedupeSize,
			RateLimit:        pc.RateLimit,
			RateBurst:        pc.RateBurst,
			MaxBodyBytes:     pc.MaxBodyBytes,
		},
		Logger: logger,
	})
	if err != nil {
		return fail(err)
	}

	gw := &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		store:      s,
		bus:        bus,
		registry:   registry,
		metrics:    m,
		orch:       orch,
		reconciler: rec,
		streams:    engine,
		a2a:        a2aServer,
		validator:  validator,
		startedAt:  time.Now(),
	}
	gw.grpcServer, gw.healthServer = newGRPCServer(orch.Names())

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP. An
// empty gRPC address disables the gRPC listener.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting runtime",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the gRPC and HTTP servers, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run loads persisted desired state, starts the background loops and the
// servers, and blocks until ctx is cancelled or a server fails. Agents are
// then stopped and every component is shut down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.orch.Load(ctx); err != nil {
		return err
	}

	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	loops, loopCtx := errgroup.WithContext(loopCtx)
	loops.Go(func() error { return g.streams.Run(loopCtx) })
	loops.Go(func() error { return g.reconciler.Run(loopCtx) })
	loops.Go(func() error { return g.watchHealth(loopCtx) })

	errCh := g.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	case <-loopCtx.Done():
		serverErr = errors.New("background loop exited")
		g.logger.Error("background loop exited early")
	}

	shutdownErr := g.gracefulShutdown(stopLoops, loops)
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already done.
func (g *Gateway) gracefulShutdown(stopLoops context.CancelFunc, loops *errgroup.Group) error {
	timeout := g.config.Server.ShutdownTimeout.D()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := g.Shutdown(ctx, stopLoops)
	if werr := loops.Wait(); werr != nil && !errors.Is(werr, events.ErrBusClosed) {
		g.logger.Warn("background loop ended with error", "error", werr)
	}
	return err
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
	return filepath.Join(homeDir, ".local", "share", "coven-runtime", "tailscale"), nil
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

// setupTailscaleListeners joins the tailnet and listens on :50051 (gRPC)
// and :80 (HTTP).
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.healthServer.Shutdown()
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

// Shutdown stops accepting requests, lets in-flight work record its end,
// stops every agent and closes the store. stopLoops, when non-nil, ends the
// background loops once nothing publishes any more.
func (g *Gateway) Shutdown(ctx context.Context, stopLoops context.CancelFunc) error {
	g.logger.Info("shutting down runtime")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "protocol server shutdown", g.a2a.Shutdown(ctx))
	if stopLoops != nil {
		stopLoops()
	}
	errs = appendCloseError(errs, "agent shutdown", g.orch.Shutdown(ctx))

	g.streams.Close()
	g.bus.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	g.logger.Info("runtime stopped", "uptime", time.Since(g.startedAt).Round(time.Second))
	return nil
}
