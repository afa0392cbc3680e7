package smtprelay

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sendlix/smtp-relay/apiclient"
	"github.com/sendlix/smtp-relay/backend"
	"github.com/sendlix/smtp-relay/helpers"
	"github.com/sendlix/smtp-relay/pkg/metrics"
)

var bracketedAddress = regexp.MustCompile(`<([^>]+)>`)

// transactions relays messages until the client quits or a step fails.
func (s *Session) transactions() error {
	for {
		if err := s.mailFrom(); err != nil {
			return err
		}
		if err := s.rcptTo(); err != nil {
			return err
		}
		if err := s.data(); err != nil {
			return err
		}
		s.setState(StateAuthenticated)
	}
}

func (s *Session) mailFrom() error {
	line, err := s.readLine()
	if err != nil {
		return err
	}
	if isQuit(line) {
		s.reply(replyBye)
		return errQuit
	}
	if !hasPrefixFold(line, "MAIL FROM:") {
		s.DebugLog("invalid MAIL FROM command", "line", line)
		s.reply(fmt.Sprintf(replyInvalidCommand, "MAIL FROM"))
		return errRejected
	}

	m := bracketedAddress.FindStringSubmatch(line)
	if m == nil {
		s.DebugLog("invalid address in MAIL FROM", "line", line)
		s.reply(fmt.Sprintf(replyInvalidCommand, "email address"))
		return errRejected
	}
	sender := m[1]

	allowed, err := s.server.policy.Allow(s.client, sender)
	if errors.Is(err, apiclient.ErrNotAuthenticated) {
		allowed = false
	} else if err != nil {
		return err
	}
	if !allowed {
		s.InfoLog("sender not authorized", "sender", sender)
		metrics.SendersRejected.Inc()
		s.reply(replyNotAuthorized)
		return errRejected
	}

	s.DebugLog("sender authorized", "sender", sender)
	s.reply(replyOK)
	s.setState(StateMailFrom)
	return nil
}

// rcptTo accepts any recipient. The backend takes recipients from the message headers.
func (s *Session) rcptTo() error {
	if _, err := s.readLine(); err != nil {
		return err
	}
	s.reply(replyOK)
	s.setState(StateRcptTo)
	return nil
}

func (s *Session) data() error {
	line, err := s.readLine()
	if err != nil {
		return err
	}
	if !hasPrefixFold(line, "DATA") {
		s.DebugLog("invalid DATA command", "line", line)
		s.reply(fmt.Sprintf(replyInvalidCommand, "DATA"))
		return errRejected
	}

	s.reply(replyStartData)
	s.setState(StateData)

	raw, err := s.conn.ReadData(s.ctx, s.server.maxMessageSize)
	if errors.Is(err, ErrMessageTooLarge) {
		s.WarnLog("message size limit exceeded", "limit", s.server.maxMessageSize)
		metrics.MessagesRelayed.WithLabelValues("too_large").Inc()
		s.reply(replySizeExceeded)
		return errRejected
	}
	if err != nil {
		return err
	}

	metrics.MessageSize.Observe(float64(len(raw)))
	summary, parseErr := helpers.SummarizeMessage(raw)
	if parseErr != nil {
		s.DebugLog("could not parse message headers", "error", parseErr)
	}

	start := time.Now()
	if err := s.client.SendEmail(s.ctx, raw); err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.WarnLog("failed to relay message", "message_id", summary.MessageID, "size", len(raw), "error", err)
		metrics.MessagesRelayed.WithLabelValues("failure").Inc()
		s.reply(replySendFailed + sendFailureDetail(err))
		return errRejected
	}

	s.messages++
	metrics.MessagesRelayed.WithLabelValues("success").Inc()
	s.InfoLog("message relayed", "message_id", summary.MessageID, "subject", summary.Subject,
		"size", len(raw), "duration", time.Since(start))
	s.reply(replyOK)
	return nil
}

func sendFailureDetail(err error) string {
	var rpcErr *backend.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Detail
	}
	return err.Error()
}
