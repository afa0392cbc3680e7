package main

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sendlix/smtp-relay/apiclient"
	"github.com/sendlix/smtp-relay/backend"
	"github.com/sendlix/smtp-relay/config"
	"github.com/sendlix/smtp-relay/logger"
	"github.com/sendlix/smtp-relay/pkg/authcache"
	"github.com/sendlix/smtp-relay/pkg/circuitbreaker"
	"github.com/sendlix/smtp-relay/pkg/errors"
	"github.com/sendlix/smtp-relay/pkg/health"
	"github.com/sendlix/smtp-relay/pkg/retry"
	"github.com/sendlix/smtp-relay/relay"
	"github.com/sendlix/smtp-relay/server/httpapi"
	"github.com/sendlix/smtp-relay/server/smtprelay"
	"github.com/sendlix/smtp-relay/tlsmanager"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	tokenCacheSize        = 10000
	certificateWarnBefore = 7 * 24 * time.Hour
)

// serverDependencies holds the services shared by every listener.
type serverDependencies struct {
	backend          backend.Client
	breaker          *circuitbreaker.CircuitBreaker
	tokenCache       *authcache.TokenCache
	handler          *relay.Handler
	policy           *apiclient.Policy
	verifier         *apiclient.Verifier
	tlsProvider      *tlsmanager.Provider
	staticCredential *config.StaticCredential
	hostname         string
	config           config.Config
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("smtp-relay version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SMTP relay: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("SMTP relay starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	deps, err := initializeServices(cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer deps.backend.Close()

	if deps.staticCredential != nil {
		if err := validateStaticCredential(ctx, deps.handler, deps.verifier, deps.staticCredential, retry.DefaultBackoffConfig()); err != nil {
			errorHandler.FatalError("validate static API key", err)
			os.Exit(errorHandler.WaitForExit())
		}
	}

	// Listeners get their own context so in-flight sessions can drain after a signal.
	servers, err := createServers(context.Background(), deps)
	if err != nil {
		errorHandler.FatalError("create SMTP servers", err)
		os.Exit(errorHandler.WaitForExit())
	}

	errChan := startServers(ctx, deps, servers)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		logger.Error("Server failed, shutting down", "error", err)
		cancel()
		stopServers(servers, cfg.Server)
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}

	stopServers(servers, cfg.Server)
	logger.Info("SMTP relay stopped")
}

// loadAndValidateConfig applies the TOML file, then the environment, then validates.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Info("Default configuration file not found, using defaults and environment", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := config.ApplyEnv(cfg); err != nil {
		errorHandler.ValidationError("environment", err)
		os.Exit(errorHandler.WaitForExit())
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

func initializeServices(cfg config.Config) (*serverDependencies, error) {
	deps := &serverDependencies{
		hostname: cfg.Server.GetHostname(),
		config:   cfg,
	}

	var err error
	if deps.backend, err = newBackend(cfg.Backend); err != nil {
		return nil, err
	}

	cbInterval, err := cfg.Backend.CircuitBreaker.GetInterval()
	if err != nil {
		return nil, fmt.Errorf("backend.circuit_breaker.interval: %w", err)
	}
	cbTimeout, err := cfg.Backend.CircuitBreaker.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("backend.circuit_breaker.timeout: %w", err)
	}
	cb := cfg.Backend.CircuitBreaker
	deps.breaker = circuitbreaker.NewCircuitBreaker(
		relay.BreakerSettings("backend", cb.MaxRequests, cbInterval, cbTimeout, cb.MinRequests, cb.FailureRatio))

	deps.tokenCache = authcache.New(tokenCacheSize)
	deps.handler = relay.NewHandler(deps.backend, deps.tokenCache, deps.breaker)

	if deps.policy, err = apiclient.NewPolicy(cfg.Authorization.Mode, cfg.Authorization.AuthorizedSenders); err != nil {
		return nil, err
	}
	if len(cfg.Authorization.AuthorizedSenders) > 0 {
		logger.Info("Authorized senders configured", "mode", deps.policy.Mode(),
			"senders", strings.Join(cfg.Authorization.AuthorizedSenders, ", "))
	} else {
		logger.Info("No authorized senders configured, token domains decide", "mode", deps.policy.Mode())
	}

	if cfg.Authorization.VerifyKeyPath != "" {
		if deps.verifier, err = apiclient.LoadVerifier(cfg.Authorization.VerifyKeyPath); err != nil {
			return nil, err
		}
		logger.Info("Token signature verification enabled", "key", cfg.Authorization.VerifyKeyPath)
	}

	if deps.tlsProvider, err = tlsmanager.NewPKCS12Provider(cfg.Server.CertificatePath, cfg.Server.CertificatePassword); err != nil {
		return nil, err
	}

	if deps.staticCredential, err = cfg.Auth.LoadStaticCredential(); err != nil {
		return nil, err
	}

	return deps, nil
}

func newBackend(cfg config.BackendConfig) (backend.Client, error) {
	if cfg.TestMode {
		logger.Warn("Backend test mode enabled, messages are logged and not delivered")
		return backend.NewTestClient(), nil
	}

	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("backend.timeout: %w", err)
	}

	opts := backend.GRPCOptions{
		Target:    cfg.URL,
		Insecure:  cfg.Insecure,
		Timeout:   timeout,
		UserAgent: "sendlix-smtp-relay/" + version,
	}
	if name, value, ok := cfg.GetHeader(); ok {
		opts.HeaderName = strings.ToLower(name)
		opts.HeaderValue = value
	}
	return backend.NewGRPCClient(opts)
}

// validateStaticCredential logs in once with the configured API key. Rejections
// by the API are permanent; transport failures are retried.
func validateStaticCredential(ctx context.Context, r apiclient.Relay, verifier *apiclient.Verifier,
	cred *config.StaticCredential, backoff retry.BackoffConfig) error {
	client := apiclient.New(r, verifier)

	err := retry.WithRetry(ctx, func() error {
		err := client.Login(ctx, cred.Username, cred.Password)
		if err == nil {
			return nil
		}
		var rpcErr *backend.RPCError
		if stderrors.As(err, &rpcErr) && rpcErr.IsClientFault() {
			return retry.Stop(err)
		}
		if stderrors.Is(err, apiclient.ErrInvalidUsername) || stderrors.Is(err, relay.ErrInvalidPassword) ||
			stderrors.Is(err, relay.ErrInvalidKeyID) {
			return retry.Stop(err)
		}
		logger.Warn("Static API key validation failed, retrying", "error", err)
		return err
	}, backoff)
	if err != nil {
		return err
	}

	logger.Info("Static API key validated, sessions are pre-authenticated", "category", client.Category())
	return nil
}

// createServers builds one listener per configured port. Implicit TLS ports
// only serve TLS when a certificate is configured; the other ports then refuse AUTH.
func createServers(baseCtx context.Context, deps *serverDependencies) ([]*smtprelay.Server, error) {
	srvCfg := deps.config.Server

	readTimeout, err := srvCfg.GetReadTimeout()
	if err != nil {
		return nil, err
	}
	sessionTimeout, err := srvCfg.GetSessionTimeout()
	if err != nil {
		return nil, err
	}
	maxMessageSize, err := srvCfg.GetMaxMessageSize()
	if err != nil {
		return nil, err
	}

	var servers []*smtprelay.Server
	for _, port := range srvCfg.GetPorts() {
		tlsConfig, requireTLSForAuth := listenerSecurity(deps, port)
		if requireTLSForAuth {
			logger.Warn("Port serves plaintext SMTP, AUTH is refused", "port", port)
		}

		name := "smtp-" + strconv.Itoa(port)
		srv, err := smtprelay.New(baseCtx, smtprelay.ServerOptions{
			Name:                name,
			Addr:                net.JoinHostPort(srvCfg.ListenAddress, strconv.Itoa(port)),
			Hostname:            deps.hostname,
			TLSConfig:           tlsConfig,
			RequireTLSForAuth:   requireTLSForAuth,
			Relay:               deps.handler,
			Verifier:            deps.verifier,
			Policy:              deps.policy,
			StaticCredential:    deps.staticCredential,
			ReadTimeout:         readTimeout,
			SessionTimeout:      sessionTimeout,
			MaxMessageSize:      int(maxMessageSize),
			MaxAuthAttempts:     srvCfg.GetMaxAuthAttempts(),
			MaxConnections:      srvCfg.MaxConnections,
			MaxConnectionsPerIP: srvCfg.MaxConnectionsPerIP,
			TrustedNetworks:     srvCfg.TrustedNetworks,
			Debug:               srvCfg.Debug,
		})
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

// listenerSecurity returns the TLS config for port and whether AUTH must be
// refused on it. API keys never cross a plaintext port once a certificate exists.
func listenerSecurity(deps *serverDependencies, port int) (*tls.Config, bool) {
	if deps.tlsProvider == nil {
		return nil, false
	}
	if deps.config.Server.IsImplicitTLSPort(port) {
		return deps.tlsProvider.TLSConfig(), false
	}
	return nil, true
}

func startServers(ctx context.Context, deps *serverDependencies, servers []*smtprelay.Server) chan error {
	errChan := make(chan error, len(servers)+1)

	for _, srv := range servers {
		go func(srv *smtprelay.Server) {
			if err := srv.Start(); err != nil {
				errChan <- err
			}
		}(srv)
	}

	if deps.config.Metrics.Enabled {
		monitor := newHealthMonitor(deps)
		monitor.Start(ctx)

		go httpapi.Start(ctx, httpapi.ServerOptions{
			Addr:         deps.config.Metrics.Addr,
			MetricsPath:  deps.config.Metrics.Path,
			AllowedHosts: deps.config.Metrics.AllowedHosts,
			Breaker:      deps.breaker,
			Cache:        deps.tokenCache,
			Health:       monitor,
		}, errChan)
	}

	return errChan
}

func newHealthMonitor(deps *serverDependencies) *health.HealthMonitor {
	monitor := health.NewHealthMonitor()
	monitor.RegisterCheck(health.CircuitBreakerCheck("backend", deps.breaker, true))
	if deps.tlsProvider != nil {
		monitor.RegisterCheck(health.CertificateCheck("tls_certificate", deps.tlsProvider.GetCertificate, certificateWarnBefore))
	}
	return monitor
}

// stopServers closes every listener and waits up to the shutdown timeout for
// in-flight sessions.
func stopServers(servers []*smtprelay.Server, cfg config.ServerConfig) {
	timeout, err := cfg.GetShutdownTimeout()
	if err != nil {
		timeout = config.DefaultShutdownTimeout
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *smtprelay.Server) {
			defer wg.Done()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Warn("Error stopping SMTP server", "addr", srv.Addr(), "error", err)
			}
		}(srv)
	}

	start := time.Now()
	wg.Wait()
	logger.Info("All SMTP listeners stopped", "duration", time.Since(start))
}
