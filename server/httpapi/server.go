package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sendlix/smtp-relay/logger"
	"github.com/sendlix/smtp-relay/pkg/authcache"
	"github.com/sendlix/smtp-relay/pkg/circuitbreaker"
	"github.com/sendlix/smtp-relay/pkg/health"
)

// Server exposes Prometheus metrics and a health endpoint.
type Server struct {
	addr         string
	metricsPath  string
	allowedHosts []string
	breaker      *circuitbreaker.CircuitBreaker
	cache        *authcache.TokenCache
	health       *health.HealthMonitor
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP server
type ServerOptions struct {
	Addr         string
	MetricsPath  string
	AllowedHosts []string
	Breaker      *circuitbreaker.CircuitBreaker // Optional, reported by /healthz
	Cache        *authcache.TokenCache          // Optional, reported by /healthz
	Health       *health.HealthMonitor          // Optional, component checks reported by /healthz
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status         string      `json:"status"`
	CircuitBreaker string      `json:"circuit_breaker,omitempty"`
	TokenCache     *CacheStats `json:"token_cache,omitempty"`

	Components map[string]health.ComponentReport `json:"components,omitempty"`
}

type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

func New(options ServerOptions) (*Server, error) {
	if options.Addr == "" {
		return nil, fmt.Errorf("address is required for HTTP server")
	}
	for _, h := range options.AllowedHosts {
		if strings.Contains(h, "/") {
			if _, _, err := net.ParseCIDR(h); err != nil {
				return nil, fmt.Errorf("invalid allowed host %q: %w", h, err)
			}
		} else if net.ParseIP(h) == nil {
			return nil, fmt.Errorf("invalid allowed host %q", h)
		}
	}

	path := options.MetricsPath
	if path == "" {
		path = "/metrics"
	}

	return &Server{
		addr:         options.Addr,
		metricsPath:  path,
		allowedHosts: options.AllowedHosts,
		breaker:      options.Breaker,
		cache:        options.Cache,
		health:       options.Health,
	}, nil
}

// Start serves until ctx is cancelled. Errors other than a clean shutdown are
// sent to errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP server: %w", err)
		return
	}

	logger.Info("Starting metrics server", "addr", options.Addr, "path", server.metricsPath)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the router with all routes and middleware installed.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle(s.metricsPath, promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)

		for _, allowed := range s.allowedHosts {
			if allowed == host {
				next.ServeHTTP(w, r)
				return
			}
			if _, cidr, err := net.ParseCIDR(allowed); err == nil && ip != nil && cidr.Contains(ip) {
				next.ServeHTTP(w, r)
				return
			}
		}

		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

// handleHealth reports 503 while the backend breaker is open or a critical
// component check fails.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if s.health != nil {
		resp.Components = s.health.Report()
		switch s.health.GetOverallStatus() {
		case health.StatusUnhealthy, health.StatusUnreachable:
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		case health.StatusDegraded:
			resp.Status = "degraded"
		}
	}

	if s.breaker != nil {
		state := s.breaker.State()
		resp.CircuitBreaker = state.String()
		if state == circuitbreaker.StateOpen {
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
			status = http.StatusServiceUnavailable
		}
	}

	if s.cache != nil {
		hits, misses, size, hitRate := s.cache.GetStats()
		resp.TokenCache = &CacheStats{Hits: hits, Misses: misses, Size: size, HitRate: hitRate}
	}

	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
