// Package smtprelay implements the SMTP side of the relay: it accepts client
// connections, authenticates them with API keys and hands accepted messages
// to the email API.
package smtprelay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sendlix/smtp-relay/apiclient"
	"github.com/sendlix/smtp-relay/config"
	"github.com/sendlix/smtp-relay/logger"
	"github.com/sendlix/smtp-relay/pkg/metrics"
	"github.com/sendlix/smtp-relay/server"
)

const (
	defaultSessionTimeout = 60 * time.Second
	defaultAuthAttempts   = 3
)

// Server listens on one port.
type Server struct {
	listener   net.Listener
	listenerMu sync.RWMutex
	name       string
	addr       string
	hostname   string
	tlsConfig  *tls.Config

	relay            apiclient.Relay
	verifier         *apiclient.Verifier
	policy           *apiclient.Policy
	staticCredential *config.StaticCredential

	readTimeout       time.Duration
	sessionTimeout    time.Duration
	maxMessageSize    int
	maxAuthAttempts   int
	requireTLSForAuth bool
	limiter           *server.ConnectionLimiter
	debug             bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	activeSessionsMu sync.RWMutex
	activeSessions   map[*Session]struct{}
}

// ServerOptions holds options for creating a new SMTP relay server.
type ServerOptions struct {
	Name     string // Server name for logging and metrics
	Addr     string
	Hostname string // Announced as smtp.<Hostname>

	// TLSConfig enables implicit TLS on this port when set.
	TLSConfig *tls.Config
	// RequireTLSForAuth refuses AUTH with 538 on connections without TLS.
	RequireTLSForAuth bool

	Relay    apiclient.Relay
	Verifier *apiclient.Verifier // Optional token signature verification
	Policy   *apiclient.Policy

	// StaticCredential pre-authenticates every session.
	StaticCredential *config.StaticCredential

	ReadTimeout     time.Duration
	SessionTimeout  time.Duration // Idle limit: no traffic in either direction for this long ends the session
	MaxMessageSize  int
	MaxAuthAttempts int
	MaxConnections  int // 0 = unlimited

	// MaxConnectionsPerIP caps concurrent sessions from one client address.
	// Clients in TrustedNetworks are exempt.
	MaxConnectionsPerIP int
	TrustedNetworks     []string

	Debug bool
}

// New creates a server. It does not listen until Start is called.
func New(appCtx context.Context, opts ServerOptions) (*Server, error) {
	if opts.Relay == nil {
		return nil, fmt.Errorf("SMTP relay [%s]: no relay handler configured", opts.Name)
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("SMTP relay [%s]: no listen address configured", opts.Name)
	}

	policy := opts.Policy
	if policy == nil {
		var err error
		if policy, err = apiclient.NewPolicy(apiclient.ModeDomain, nil); err != nil {
			return nil, err
		}
	}

	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	sessionTimeout := opts.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = defaultSessionTimeout
	}
	maxMessageSize := opts.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	maxAuthAttempts := opts.MaxAuthAttempts
	if maxAuthAttempts <= 0 {
		maxAuthAttempts = defaultAuthAttempts
	}

	limiter, err := server.NewConnectionLimiter(opts.MaxConnections, opts.MaxConnectionsPerIP, opts.TrustedNetworks)
	if err != nil {
		return nil, fmt.Errorf("SMTP relay [%s]: %w", opts.Name, err)
	}

	ctx, cancel := context.WithCancel(appCtx)

	return &Server{
		name:              opts.Name,
		addr:              opts.Addr,
		hostname:          opts.Hostname,
		tlsConfig:         opts.TLSConfig,
		relay:             opts.Relay,
		verifier:          opts.Verifier,
		policy:            policy,
		staticCredential:  opts.StaticCredential,
		readTimeout:       readTimeout,
		sessionTimeout:    sessionTimeout,
		maxMessageSize:    maxMessageSize,
		maxAuthAttempts:   maxAuthAttempts,
		requireTLSForAuth: opts.RequireTLSForAuth,
		limiter:           limiter,
		debug:             opts.Debug,
		ctx:               ctx,
		cancel:            cancel,
		activeSessions:    make(map[*Session]struct{}),
	}, nil
}

// Listen binds the listening socket. Start calls it when needed.
func (s *Server) Listen() error {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener != nil {
		return nil
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(s.ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start listener on %s: %w", s.addr, err)
	}
	s.listener = listener

	logger.Info("SMTP relay: listening", "name", s.name, "addr", listener.Addr().String(), "implicit_tls", s.tlsConfig != nil)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start accepts connections until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.acceptConnections()
}

func (s *Server) acceptConnections() error {
	s.listenerMu.RLock()
	listener := s.listener
	s.listenerMu.RUnlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil // Graceful shutdown
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Debug("SMTP relay: failed to accept connection", "name", s.name, "error", err)
			continue
		}

		metrics.ConnectionsTotal.WithLabelValues(s.name).Inc()

		release, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			reason := "max_connections"
			if errors.Is(err, server.ErrMaxPerIP) {
				reason = "max_connections_per_ip"
			}
			logger.Warn("SMTP relay: connection rejected", "name", s.name,
				"remote", server.GetAddrString(conn.RemoteAddr()), "error", err)
			metrics.ConnectionsRejected.WithLabelValues(s.name, reason).Inc()
			s.rejectConnection(conn)
			continue
		}

		if s.tlsConfig != nil {
			conn = tls.Server(conn, s.tlsConfig)
		}

		session := newSession(s, conn)
		s.registerSession(session)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer release()

			metrics.ConnectionsCurrent.WithLabelValues(s.name).Inc()
			defer metrics.ConnectionsCurrent.WithLabelValues(s.name).Dec()
			defer func() {
				metrics.ConnectionDuration.WithLabelValues(s.name).Observe(time.Since(session.startTime).Seconds())
			}()

			session.handleConnection()
		}()
	}
}

// rejectConnection writes the limit reply without blocking the accept loop.
func (s *Server) rejectConnection(conn net.Conn) {
	go func() {
		defer conn.Close()
		c := NewConn(conn, time.Second)
		c.WriteLine(replyTooManyConnections)
	}()
}

func (s *Server) registerSession(session *Session) {
	s.activeSessionsMu.Lock()
	defer s.activeSessionsMu.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *Server) unregisterSession(session *Session) {
	s.activeSessionsMu.Lock()
	defer s.activeSessionsMu.Unlock()
	delete(s.activeSessions, session)
}

func (s *Server) activeCount() int {
	s.activeSessionsMu.RLock()
	defer s.activeSessionsMu.RUnlock()
	return len(s.activeSessions)
}

// Stop closes the listener and waits for running sessions until ctx is done.
// Sessions still running then are cancelled and told the connection timed out.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("Stopping SMTP relay server", "name", s.name, "active_sessions", s.activeCount())

	s.listenerMu.RLock()
	listener := s.listener
	s.listenerMu.RUnlock()

	var closeErr error
	if listener != nil {
		// Sessions keep their context; the accept loop exits on net.ErrClosed.
		closeErr = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("SMTP relay: server stopped gracefully", "name", s.name)
	case <-ctx.Done():
		logger.Warn("SMTP relay: shutdown timeout, cancelling sessions", "name", s.name, "active_sessions", s.activeCount())
		s.cancel()
		<-done
	}

	s.cancel()
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return nil
}
