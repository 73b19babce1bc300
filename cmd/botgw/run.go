package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/hanzoai/bot/internal/agent"
	"github.com/hanzoai/bot/internal/auth"
	"github.com/hanzoai/bot/internal/billing"
	"github.com/hanzoai/bot/internal/bus"
	"github.com/hanzoai/bot/internal/config"
	"github.com/hanzoai/bot/internal/identity"
	"github.com/hanzoai/bot/internal/origin"
	"github.com/hanzoai/bot/internal/ratelimit"
	"github.com/hanzoai/bot/internal/secrets"
	"github.com/hanzoai/bot/internal/server"
	"github.com/hanzoai/bot/internal/telemetry"
	"github.com/hanzoai/bot/internal/tunnel"
	"github.com/hanzoai/bot/internal/worker"
)

// exitError carries a process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error { return &exitError{code: code, err: err} }

// identityValidator adapts the identity package's validator to the auth
// package's interface.
type identityValidator struct {
	v *identity.Validator
}

func (a identityValidator) Validate(ctx context.Context, raw string) auth.IdentityResult {
	res := a.v.Validate(ctx, raw)
	return auth.IdentityResult{OK: res.OK, Reason: res.Reason, Identity: res.Identity}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fail(exitConfig, err)
	}

	slog.Info("starting botgw", "version", version, "addr", cfg.Server.Addr, "auth_mode", cfg.Auth.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secret resolution happens exactly once, before anything else touches
	// the configured credentials.
	resolver := secrets.NewResolver(cfg.Secrets.BaseURL, cfg.Secrets.ClientID, cfg.Secrets.ClientSecret)
	resolved, err := auth.Resolve(ctx, auth.Config{
		Mode:              cfg.Auth.Mode,
		Token:             cfg.Auth.Token,
		Password:          cfg.Auth.Password,
		AllowMeshIdentity: cfg.Auth.AllowMeshIdentity,
	}, resolver)
	if err != nil {
		return fail(exitSecrets, err)
	}
	identitySecret, err := resolver.Resolve(ctx, cfg.Identity.ClientSecret)
	if err != nil {
		return fail(exitSecrets, err)
	}
	serviceToken, err := resolver.Resolve(ctx, cfg.Commerce.ServiceToken)
	if err != nil {
		return fail(exitSecrets, err)
	}

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fail(exitConfig, err)
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	// Identity provider
	var (
		validator      auth.IdentityValidator
		identityClient *identity.Client
	)
	if cfg.Identity.Configured() {
		validator = identityValidator{v: identity.NewValidator(cfg.Identity.Issuer, cfg.Identity.Audience, nil)}
		identityClient = identity.NewClient(cfg.Identity.Issuer, cfg.Identity.ClientID, identitySecret, nil)
	}

	// Auth
	var limiter *ratelimit.Limiter
	if cfg.Auth.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.Auth.RateLimit.Attempts, cfg.Auth.RateLimit.Window)
	}
	authorizer := auth.NewAuthorizer(resolved, validator, limiter)

	// Billing
	var (
		gate     *billing.Gate
		reporter *billing.Reporter
		dns      *dnscache.Resolver
	)
	if cfg.Commerce.Configured() {
		dns = &dnscache.Resolver{}
		commerce, err := billing.NewClient(cfg.Commerce.BaseURL, billing.Credentials{
			ServiceToken:  serviceToken,
			BasicUser:     cfg.Commerce.BasicUser,
			BasicPassword: cfg.Commerce.BasicPassword,
		}, dns)
		if err != nil {
			return fail(exitConfig, err)
		}
		gate = billing.NewGate(commerce)
		reporter = billing.NewReporter(commerce)
	}

	// Metrics
	var (
		metrics  *telemetry.Metrics
		registry prometheus.Gatherer
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		queueLen := func() int { return 0 }
		if reporter != nil {
			queueLen = reporter.Len
		}
		metrics = telemetry.NewMetrics(reg, queueLen)
		registry = reg
	}

	// Origins and tunnel
	runtimeOrigins := origin.NewRuntimeSet()
	origins := origin.NewPolicy(cfg.Server.AllowedOrigins, runtimeOrigins)

	tun, err := tunnel.Start(ctx, tunnel.Options{
		Provider:  cfg.Tunnel.Provider,
		Port:      portOf(cfg.Server.Addr),
		AuthToken: cfg.Tunnel.AuthToken,
		Domain:    cfg.Tunnel.Domain,
	}, func(o string, up bool) {
		if up {
			runtimeOrigins.Add(o)
		} else {
			runtimeOrigins.Remove(o)
		}
	})
	if err != nil {
		slog.Warn("tunnel startup failed, continuing without a public URL", "error", err)
	} else if tun != nil {
		slog.Info("tunnel up", "provider", tun.Provider, "url", tun.PublicURL)
		defer tun.Stop()
	}

	// Run routing
	events := bus.New()
	sessions := server.NewSessionRegistry()
	dispatcher := agent.NewDispatcher(sessions, events, cfg.Agent.Default, cfg.Agent.Known)

	// Background workers
	var workers []worker.Worker
	if limiter != nil {
		workers = append(workers, worker.NewPeriodic("ratelimit_evict", time.Minute, func(context.Context) {
			limiter.EvictStale()
		}))
	}
	if dns != nil {
		workers = append(workers, worker.NewPeriodic("dns_refresh", 5*time.Minute, func(context.Context) {
			dns.Refresh(true)
		}))
	}
	if len(workers) > 0 {
		go func() {
			if err := worker.NewRunner(workers...).Run(ctx); err != nil {
				slog.Error("worker runner stopped", "error", err)
			}
		}()
	}

	deps := server.Deps{
		Authorizer: authorizer,
		Origins:    origins,
		Engine:     dispatcher,
		Bus:        events,
		Completer:  dispatcher,
		Identity:   identityClient,
		Metrics:    metrics,
		Registry:   registry,
		Sessions:   sessions,
		MaxBody:    cfg.Server.MaxBodyBytes,
	}
	if gate != nil {
		deps.Gate = gate
	}
	if reporter != nil {
		deps.Usage = reporter
	}

	srv := &http.Server{
		Handler:      server.New(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fail(exitBind, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("botgw ready", "addr", ln.Addr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if reporter != nil {
		reporter.Shutdown(shutdownCtx)
	}

	slog.Info("botgw stopped")
	return nil
}

// portOf extracts the TCP port from a listen address for the tunnel target.
func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
