package smtprelay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sendlix/smtp-relay/apiclient"
	"github.com/sendlix/smtp-relay/helpers"
	"github.com/sendlix/smtp-relay/pkg/metrics"
	"github.com/sendlix/smtp-relay/server"
)

// SessionState is the protocol step a session is in.
type SessionState int

const (
	StateStart SessionState = iota
	StateGreeted
	StateAuthenticating
	StateAuthenticated
	StateMailFrom
	StateRcptTo
	StateData
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateGreeted:
		return "greeted"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateMailFrom:
		return "mail_from"
	case StateRcptTo:
		return "rcpt_to"
	case StateData:
		return "data"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// errQuit ends a session after the client said QUIT.
	errQuit = errors.New("client quit")
	// errRejected ends a session after an error reply was already sent.
	errRejected = errors.New("session rejected")
)

// Session is a single client connection. It is owned by one goroutine.
type Session struct {
	server    *Server
	id        string
	netConn   net.Conn
	conn      *Conn
	client    *apiclient.Client
	state     SessionState
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	messages  int
}

func newSession(s *Server, conn net.Conn) *Session {
	ctx, cancel := context.WithCancel(s.ctx)

	c := NewConn(conn, s.readTimeout)
	c.SetIdleTimeout(s.sessionTimeout)

	return &Session{
		server:    s,
		id:        uuid.NewString(),
		netConn:   conn,
		conn:      c,
		client:    apiclient.New(s.relay, s.verifier),
		state:     StateStart,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// handleConnection runs the session to completion and always closes the connection.
func (s *Session) handleConnection() {
	outcome := "error"

	defer s.cancel()
	defer s.close()
	defer s.server.unregisterSession(s)
	defer func() {
		metrics.SessionsEnded.WithLabelValues(outcome).Inc()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.WarnLog("session panic recovered", "panic", r, "stack", string(debug.Stack()))
			s.conn.WriteLine(replyInternalError)
			outcome = "panic"
		}
	}()

	s.InfoLog("connected")

	if tlsConn, ok := s.netConn.(*tls.Conn); ok {
		hsCtx, hsCancel := context.WithTimeout(s.ctx, s.server.readTimeout)
		err := tlsConn.HandshakeContext(hsCtx)
		hsCancel()
		if err != nil {
			s.DebugLog("TLS handshake failed", "error", err)
			outcome = "tls_error"
			return
		}
	}

	outcome = s.finish(s.run())
}

func (s *Session) run() error {
	hostname := s.server.hostname

	s.reply(fmt.Sprintf(replyGreeting, hostname))
	s.setState(StateGreeted)

	// The hello line carries nothing the relay needs.
	if _, err := s.readLine(); err != nil {
		return err
	}

	if cred := s.server.staticCredential; cred != nil {
		if err := s.client.Login(s.ctx, cred.Username, cred.Password); err != nil {
			s.WarnLog("static credential login failed", "error", err)
			s.reply(replyAuthFailed + authFailureDetail(err))
			return errRejected
		}
		s.reply(fmt.Sprintf(replyHelloAuthenticated, hostname))
		s.setState(StateAuthenticated)
	} else if err := s.authenticate(); err != nil {
		return err
	}

	return s.transactions()
}

// finish sends the final reply for err and returns the outcome label.
func (s *Session) finish(err error) string {
	duration := time.Since(s.startTime)

	switch {
	case err == nil || errors.Is(err, errQuit):
		s.InfoLog("session completed", "messages", s.messages, "duration", duration)
		return "quit"
	case errors.Is(err, errRejected):
		s.InfoLog("session rejected", "state", s.state.String(), "messages", s.messages, "duration", duration)
		return "rejected"
	case errors.Is(err, ErrConnectionClosed):
		s.DebugLog("client disconnected", "state", s.state.String())
		return "closed"
	case errors.Is(err, ErrReadTimeout), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.WarnLog("session timed out or was cancelled", "state", s.state.String(), "error", err)
		s.reply(replyTimeout)
		return "timeout"
	case errors.Is(err, ErrLineTooLong):
		s.WarnLog("command line too long", "state", s.state.String())
		s.reply(replyLineTooLong)
		return "rejected"
	default:
		s.WarnLog("unexpected session error", "state", s.state.String(), "error", err)
		s.reply(replyInternalError)
		return "error"
	}
}

func (s *Session) readLine() (string, error) {
	line, err := s.conn.ReadLine(s.ctx)
	if err != nil {
		return "", err
	}
	s.DebugLog("C: " + helpers.MaskSensitive(line))
	return line, nil
}

// readSecret reads an AUTH continuation line, which is never logged.
func (s *Session) readSecret() (string, error) {
	line, err := s.conn.ReadLine(s.ctx)
	if err != nil {
		return "", err
	}
	s.DebugLog("C: [REDACTED]")
	return line, nil
}

func (s *Session) reply(text string) {
	s.DebugLog("S: " + text)
	s.conn.WriteLine(text)
}

func (s *Session) setState(state SessionState) {
	s.DebugLog("state change", "from", s.state.String(), "to", state.String())
	s.state = state
}

func (s *Session) close() {
	s.setState(StateClosed)
	if err := s.conn.Close(); err != nil && !server.IsConnectionError(err) {
		s.DebugLog("error closing connection", "error", err)
	}
}

// hasPrefixFold reports whether line starts with prefix, ignoring case.
func hasPrefixFold(line, prefix string) bool {
	return len(line) >= len(prefix) && strings.EqualFold(line[:len(prefix)], prefix)
}

func isQuit(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), "QUIT")
}

func (s *Session) getLogger() *server.SessionLogger {
	return &server.SessionLogger{
		Protocol:   "smtp",
		ServerName: s.server.name,
		ClientConn: s.netConn,
		SessionID:  s.id,
		Category:   s.client.Category(),
		Debug:      s.server.debug,
	}
}

func (s *Session) InfoLog(msg string, keyvals ...any) {
	s.getLogger().InfoLog(msg, keyvals...)
}

func (s *Session) DebugLog(msg string, keyvals ...any) {
	s.getLogger().DebugLog(msg, keyvals...)
}

func (s *Session) WarnLog(msg string, keyvals ...any) {
	s.getLogger().WarnLog(msg, keyvals...)
}
