package smtprelay

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/sendlix/smtp-relay/apiclient"
	"github.com/sendlix/smtp-relay/backend"
	"github.com/sendlix/smtp-relay/pkg/metrics"
	"github.com/sendlix/smtp-relay/relay"
)

// errBadEncoding marks credentials that could not be decoded.
var errBadEncoding = errors.New("invalid encoding")

// authenticate offers the mechanisms and runs AUTH attempts until one
// succeeds, the client quits or the attempts are used up.
func (s *Session) authenticate() error {
	hostname := s.server.hostname
	s.setState(StateAuthenticating)
	s.reply(fmt.Sprintf(replyHello, hostname))
	s.reply(replyAuthMechanisms)

	line, err := s.readLine()
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		if isQuit(line) {
			s.reply(replyBye)
			return errQuit
		}

		ok, err := s.authenticateOnce(line)
		if err != nil {
			return err
		}
		if ok {
			s.setState(StateAuthenticated)
			return nil
		}

		if attempt >= s.server.maxAuthAttempts {
			s.InfoLog("too many failed authentication attempts", "attempts", attempt)
			return errRejected
		}

		line, err = s.readLine()
		if err != nil {
			return err
		}
		if !isQuit(line) && !hasPrefixFold(line, "AUTH ") {
			s.reply(fmt.Sprintf(replyInvalidCommand, "AUTH"))
			return errRejected
		}
	}
}

// authenticateOnce handles a single AUTH command. A false result with a nil
// error means the attempt failed and the client was told why.
func (s *Session) authenticateOnce(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "AUTH") {
		s.DebugLog("unsupported authentication command")
		s.reply(replyUnsupportedMechanism)
		metrics.AuthenticationAttempts.WithLabelValues("unknown", "unsupported").Inc()
		return false, nil
	}

	mechanism := strings.ToUpper(fields[1])

	if _, secure := s.netConn.(*tls.Conn); s.server.requireTLSForAuth && !secure {
		s.InfoLog("authentication refused on plaintext connection", "mechanism", mechanism)
		s.reply(replyEncryptionRequired)
		metrics.AuthenticationAttempts.WithLabelValues(mechanism, "encryption_required").Inc()
		return false, errRejected
	}

	var (
		username, password string
		err                error
	)
	switch mechanism {
	case sasl.Login:
		username, password, err = s.readLoginCredentials(fields[2:])
	case sasl.Plain:
		username, password, err = s.readPlainCredentials(fields[2:])
	default:
		s.DebugLog("unsupported authentication mechanism", "mechanism", mechanism)
		s.reply(replyUnsupportedMechanism)
		metrics.AuthenticationAttempts.WithLabelValues("unknown", "unsupported").Inc()
		return false, nil
	}

	if errors.Is(err, errBadEncoding) {
		s.DebugLog("invalid credential encoding", "mechanism", mechanism)
		s.reply(fmt.Sprintf(replyInvalidEncoding, mechanism))
		metrics.AuthenticationAttempts.WithLabelValues(mechanism, "bad_encoding").Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := s.client.Login(s.ctx, username, password); err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		s.InfoLog("authentication failed", "mechanism", mechanism, "error", err)
		s.reply(replyAuthFailed + authFailureDetail(err))
		metrics.AuthenticationAttempts.WithLabelValues(mechanism, "failure").Inc()
		return false, nil
	}

	s.InfoLog("authentication successful", "mechanism", mechanism)
	s.reply(replyAuthSuccess)
	metrics.AuthenticationAttempts.WithLabelValues(mechanism, "success").Inc()
	return true, nil
}

// readLoginCredentials runs the LOGIN exchange. The username may already be
// present as an initial response.
func (s *Session) readLoginCredentials(args []string) (string, string, error) {
	var encodedUser string
	if len(args) > 0 {
		encodedUser = args[0]
	} else {
		s.reply(replyUsernamePrompt)
		line, err := s.readSecret()
		if err != nil {
			return "", "", err
		}
		encodedUser = line
	}
	username, err := decodeBase64(encodedUser)
	if err != nil {
		return "", "", errBadEncoding
	}

	s.reply(replyPasswordPrompt)
	line, err := s.readSecret()
	if err != nil {
		return "", "", err
	}
	password, err := decodeBase64(line)
	if err != nil {
		return "", "", errBadEncoding
	}

	return username, password, nil
}

// readPlainCredentials decodes a PLAIN response, prompting for it when the
// command carried none. The "authzid\0user\0pass" split is done by go-sasl.
func (s *Session) readPlainCredentials(args []string) (string, string, error) {
	var encoded string
	if len(args) > 0 {
		encoded = args[0]
	} else {
		s.reply(replyEmptyChallenge)
		line, err := s.readSecret()
		if err != nil {
			return "", "", err
		}
		encoded = line
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", errBadEncoding
	}

	var username, password string
	plain := sasl.NewPlainServer(func(_, user, pass string) error {
		username, password = user, pass
		return nil
	})
	if _, _, err := plain.Next(decoded); err != nil {
		return "", "", errBadEncoding
	}
	return username, password, nil
}

func decodeBase64(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// authFailureDetail is the text appended to a 535 reply.
func authFailureDetail(err error) string {
	var rpcErr *backend.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr.Detail
	case errors.Is(err, apiclient.ErrInvalidUsername),
		errors.Is(err, relay.ErrInvalidPassword),
		errors.Is(err, relay.ErrInvalidKeyID):
		return err.Error()
	default:
		return "Invalid credentials"
	}
}
