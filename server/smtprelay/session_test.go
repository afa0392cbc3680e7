package smtprelay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sendlix/smtp-relay/apiclient"
	"github.com/sendlix/smtp-relay/backend"
	"github.com/sendlix/smtp-relay/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestSession_AuthLoginScenario(t *testing.T) {
	relay := &fakeRelay{}
	srv := startServer(t, relay, nil)
	c := dial(t, srv)

	c.greet()
	c.send("AUTH LOGIN")
	c.expect("334 VXNlcm5hbWU6")
	c.send(b64("X-API-KEY"))
	c.expect("334 UGFzc3dvcmQ6")
	c.send(b64("secret.1"))
	c.expect("235 2.7.0 Authentication successful")

	c.send("MAIL FROM:<alice@example.com>")
	c.expect("250 2.1.0 OK")
	c.send("RCPT TO:<bob@elsewhere.org>")
	c.expect("250 2.1.0 OK")
	c.send("DATA")
	c.expect("354 2.0.0 Start mail input; end with <CRLF>.<CRLF>")
	c.send("Subject: hello")
	c.send("")
	c.send("..starts with a dot")
	c.send(".")
	c.expect("250 2.1.0 OK")
	c.send("QUIT")
	c.expect("221 2.0.0 Bye")
	c.expectClosed()

	msgs := relay.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Subject: hello\r\n\r\n.starts with a dot\r\n", string(msgs[0].raw))
	assert.Empty(t, msgs[0].category)
	assert.Equal(t, []string{"X-API-KEY"}, relay.usernames())
}

func TestSession_GoSMTPClientPlain(t *testing.T) {
	relay := &fakeRelay{}
	srv := startServer(t, relay, nil)

	c, err := smtp.Dial(srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("client.example.com"))
	require.NoError(t, c.Auth(sasl.NewPlainClient("", "X-API-KEY;category=newsletter", "secret.1")))
	require.NoError(t, c.Mail("news@example.com", nil))
	require.NoError(t, c.Rcpt("reader@elsewhere.org", nil))

	w, err := c.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte("From: news@example.com\r\nSubject: issue 1\r\n\r\nhello\r\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	msgs := relay.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "newsletter", msgs[0].category)
	assert.Contains(t, string(msgs[0].raw), "Subject: issue 1\r\n")
}

func TestSession_GoSMTPClientLogin(t *testing.T) {
	relay := &fakeRelay{}
	srv := startServer(t, relay, nil)

	c, err := smtp.Dial(srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("client.example.com"))
	require.NoError(t, c.Auth(sasl.NewLoginClient("X-API-KEY", "secret.1")))
	require.NoError(t, c.Mail("a@example.com", nil))
	require.NoError(t, c.Rcpt("b@example.com", nil))
	w, err := c.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte("Subject: x\r\n\r\ny\r\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	assert.Len(t, relay.messages(), 1)
}

func TestSession_PlainWithPrompt(t *testing.T) {
	srv := startServer(t, &fakeRelay{}, nil)
	c := dial(t, srv)

	c.greet()
	c.send("AUTH PLAIN")
	c.expect("334 ")
	c.send(b64("\x00X-API-KEY\x00secret.1"))
	c.expect("235 2.7.0 Authentication successful")
}

func TestSession_UsernameRejectedWithoutBackendCall(t *testing.T) {
	relay := &fakeRelay{}
	srv := startServer(t, relay, nil)
	c := dial(t, srv)

	c.greet()
	c.authPlain("admin", "secret.1")
	c.expect("535 5.7.8 Authentication failed: " + apiclient.ErrInvalidUsername.Error())
	c.send("QUIT")
	c.expect("221 2.0.0 Bye")

	assert.Zero(t, relay.loginCount())
}

func TestSession_InvalidLoginEncoding(t *testing.T) {
	srv := startServer(t, &fakeRelay{}, nil)
	c := dial(t, srv)

	c.greet()
	c.send("AUTH LOGIN")
	c.expect("334 VXNlcm5hbWU6")
	c.send("not*base64")
	c.expect("501 5.5.2 Invalid AUTH LOGIN encoding")
}

func TestSession_PlainMissingField(t *testing.T) {
	relay := &fakeRelay{}
	srv := startServer(t, relay, nil)
	c := dial(t, srv)

	c.greet()
	c.send("AUTH PLAIN " + b64("X-API-KEY\x00secret.1"))
	c.expect("501 5.5.2 Invalid AUTH PLAIN encoding")
	c.send("AUTH PLAIN %%%")
	c.expect("501 5.5.2 Invalid AUTH PLAIN encoding")
	assert.Zero(t, relay.loginCount())
}

func TestSession_PlainExtraField(t *testing.T) {
	relay := &fakeRelay{}
	srv := startServer(t, relay, nil)
	c := dial(t, srv)

	c.greet()
	c.send("AUTH PLAIN " + b64("\x00X-API-KEY\x00secret.1\x00extra"))
	c.expect("501 5.5.2 Invalid AUTH PLAIN encoding")
	c.authPlain("X-API-KEY", "secret.1")
	c.expect("235 2.7.0 Authentication successful")
	assert.Equal(t, 1, relay.loginCount())
}

func TestSession_UnsupportedMechanism(t *testing.T) {
	srv := startServer(t, &fakeRelay{}, nil)
	c := dial(t, srv)

	c.greet()
	c.send("AUTH CRAM-MD5")
	c.expect("504 5.5.4 Authentication mechanism not supported")
}

func TestSession_BackendAuthErrorDetail(t *testing.T) {
	relay := &fakeRelay{loginErr: &backend.RPCError{Code: codes.Unauthenticated, Detail: "Invalid API key"}}
	srv := startServer(t, relay, nil)
	c := dial(t, srv)

	c.greet()
	c.authPlain("X-API-KEY", "wrong.1")
	c.expect("535 5.7.8 Authentication failed: Invalid API key")
}

func TestSession_UnclassifiedAuthError(t *testing.T) {
	relay := &fakeRelay{loginErr: errors.New("dial tcp: connection refused")}
	srv := startServer(t, relay, nil)
	c := dial(t, srv)

	c.greet()
	c.authPlain("X-API-KEY", "secret.1")
	c.expect("535 5.7.8 Authentication failed: Invalid credentials")
}

func TestSession_MaxAuthAttempts(t *testing.T) {
	relay := &fakeRelay{loginErr: &backend.RPCError{Code: codes.Unauthenticated, Detail: "Invalid API key"}}
	srv := startServer(t, relay, func(o *ServerOptions) { o.MaxAuthAttempts = 2 })
	c := dial(t, srv)

	c.greet()
	c.authPlain("X-API-KEY", "a.1")
	c.expect("535 5.7.8 Authentication failed: Invalid API key")
	c.authPlain("X-API-KEY", "b.1")
	c.expect("535 5.7.8 Authentication failed: Invalid API key")
	c.expectClosed()
	assert.Equal(t, 2, relay.loginCount())
}

func TestSession_RetryAfterFailedAuth(t *testing.T) {
	srv := startServer(t, &fakeRelay{}, nil)
	c := dial(t, srv)

	c.greet()
	c.authPlain("root", "secret.1")
	c.expect("535 5.7.8 Authentication failed: " + apiclient.ErrInvalidUsername.Error())
	c.authPlain("X-API-KEY", "secret.1")
	c.expect("235 2.7.0 Authentication successful")
}

func TestSession_OtherCommandAfterFailedAuth(t *testing.T) {
	srv := startServer(t, &fakeRelay{}, nil)
	c := dial(t, srv)

	c.greet()
	c.authPlain("root", "secret.1")
	c.expect("535 5.7.8 Authentication failed: " + apiclient.ErrInvalidUsername.Error())
	c.send("MAIL FROM:<a@example.com>")
	c.expect("501 5.5.4 Invalid AUTH command")
	c.expectClosed()
}

func TestSession_QuitInsteadOfAuth(t *testing.T) {
	srv := startServer(t, &fakeRelay{}, nil)
	c := dial(t, srv)

	c.greet()
	c.send("QUIT")
	c.expect("221 2.0.0 Bye")
	c.expectClosed()
}

func authenticatedClient(t *testing.T, srv *Server) *client {
	t.Helper()
	c := dial(t, srv)
	c.greet()
	c.authPlain("X-API-KEY", "secret.1")
	c.expect("235 2.7.0 Authentication successful")
	return c
}

func TestSession_SenderNotAuthorized(t *testing.T) {
	relay := &fakeRelay{}
	srv := startServer(t, relay, nil)
	c := authenticatedClient(t, srv)

	c.send("MAIL FROM:<mallory@other.org>")
	c.expect("554 5.7.1 Sender not authenticated to send email")
	c.expectClosed()
}

func TestSession_SenderAllowlist(t *testing.T) {
	policy, err := apiclient.NewPolicy(apiclient.ModeAddress, []string{"billing@example.com"})
	require.NoError(t, err)
	srv := startServer(t, &fakeRelay{}, func(o *ServerOptions) { o.Policy = policy })

	c := authenticatedClient(t, srv)
	c.send("MAIL FROM:<billing@example.com>")
	c.expect("250 2.1.0 OK")

	c = authenticatedClient(t, srv)
	c.send("MAIL FROM:<support@example.com>")
	c.expect("554 5.7.1 Sender not authenticated to send email")
}

func TestSession_InvalidMailFrom(t *testing.T) {
	srv := startServer(t, &fakeRelay{}, nil)

	c := authenticatedClient(t, srv)
	c.send("RCPT TO:<bob@example.com>")
	c.expect("501 5.5.4 Invalid MAIL FROM command")
	c.expectClosed()

	c = authenticatedClient(t, srv)
	c.send("MAIL FROM: alice@example.com")
	c.expect("501 5.5.4 Invalid email address command")

	c = authenticatedClient(t, srv)
	c.send("mail from:<>")
	c.expect("501 5.5.4 Invalid email address command")
}

func TestSession_InvalidDataCommand(t *testing.T) {
	srv := startServer(t, &fakeRelay{}, nil)
	c := authenticatedClient(t, srv)

	c.send("MAIL FROM:<alice@example.com>")
	c.expect("250 2.1.0 OK")
	c.send("RCPT TO:<bob@example.com>")
	c.expect("250 2.1.0 OK")
	c.send("NOOP")
	c.expect("501 5.5.4 Invalid DATA command")
	c.expectClosed()
}

func sendMessage(c *client, body []string) {
	c.t.Helper()
	c.send("MAIL FROM:<alice@example.com>")
	c.expect("250 2.1.0 OK")
	c.send("RCPT TO:<bob@example.com>")
	c.expect("250 2.1.0 OK")
	c.send("DATA")
	c.expect("354 2.0.0 Start mail input; end with <CRLF>.<CRLF>")
	for _, line := range body {
		c.send(line)
	}
	c.send(".")
}

// bodyOfSize returns lines that occupy exactly size bytes once CRLF terminated.
func bodyOfSize(size int) []string {
	var lines []string
	for size > 1000 {
		lines = append(lines, strings.Repeat("a", 998))
		size -= 1000
	}
	return append(lines, strings.Repeat("b", size-2))
}

func TestSession_MessageSizeBoundary(t *testing.T) {
	relay := &fakeRelay{}
	srv := startServer(t, relay, nil)

	c := authenticatedClient(t, srv)
	sendMessage(c, bodyOfSize(DefaultMaxMessageSize))
	c.expect("250 2.1.0 OK")
	require.Len(t, relay.messages(), 1)
	assert.Len(t, relay.messages()[0].raw, DefaultMaxMessageSize)

	c = authenticatedClient(t, srv)
	sendMessage(c, bodyOfSize(DefaultMaxMessageSize+1))
	c.expect("552 5.3.4 Message size exceeds fixed limit")
	c.expectClosed()
	assert.Len(t, relay.messages(), 1)
}

func TestSession_SendFailure(t *testing.T) {
	relay := &fakeRelay{sendErr: &backend.RPCError{Code: codes.ResourceExhausted, Detail: "quota exceeded"}}
	srv := startServer(t, relay, nil)
	c := authenticatedClient(t, srv)

	sendMessage(c, []string{"Subject: x", "", "y"})
	c.expect("554 5.7.1 Error sending email: quota exceeded")
	c.expectClosed()
}

func TestSession_MultipleTransactions(t *testing.T) {
	relay := &fakeRelay{}
	srv := startServer(t, relay, nil)
	c := authenticatedClient(t, srv)

	sendMessage(c, []string{"Subject: one", "", "1"})
	c.expect("250 2.1.0 OK")
	sendMessage(c, []string{"Subject: two", "", "2"})
	c.expect("250 2.1.0 OK")
	c.send("QUIT")
	c.expect("221 2.0.0 Bye")

	assert.Len(t, relay.messages(), 2)
}

func TestSession_StaticCredential(t *testing.T) {
	relay := &fakeRelay{}
	srv := startServer(t, relay, func(o *ServerOptions) {
		o.StaticCredential = &config.StaticCredential{Username: "X-API-KEY;category=alerts", Password: "secret.1"}
	})
	c := dial(t, srv)

	c.expect("220 smtp." + testHostname + " ESMTP")
	c.send("EHLO client.example.com")
	c.expect("250 smtp." + testHostname)
	sendMessage(c, []string{"Subject: alert", "", "disk full"})
	c.expect("250 2.1.0 OK")
	c.send("QUIT")
	c.expect("221 2.0.0 Bye")

	msgs := relay.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alerts", msgs[0].category)
}

func TestSession_StaticCredentialRejected(t *testing.T) {
	relay := &fakeRelay{loginErr: &backend.RPCError{Code: codes.Unauthenticated, Detail: "Invalid API key"}}
	srv := startServer(t, relay, func(o *ServerOptions) {
		o.StaticCredential = &config.StaticCredential{Username: "X-API-KEY", Password: "secret.1"}
	})
	c := dial(t, srv)

	c.expect("220 smtp." + testHostname + " ESMTP")
	c.send("EHLO client.example.com")
	c.expect("535 5.7.8 Authentication failed: Invalid API key")
	c.expectClosed()
}

func TestSession_ReadTimeout(t *testing.T) {
	srv := startServer(t, &fakeRelay{}, func(o *ServerOptions) { o.ReadTimeout = 100 * time.Millisecond })
	c := dial(t, srv)

	c.expect("220 smtp." + testHostname + " ESMTP")
	c.expect("421 4.4.2 Connection timed out")
	c.expectClosed()
}

func TestSession_IdleTimeout(t *testing.T) {
	srv := startServer(t, &fakeRelay{}, func(o *ServerOptions) {
		o.SessionTimeout = 150 * time.Millisecond
		o.ReadTimeout = 5 * time.Second
	})
	c := dial(t, srv)

	c.greet()
	c.expect("421 4.4.2 Connection timed out")
	c.expectClosed()
}

func TestSession_ActiveClientOutlivesIdleTimeout(t *testing.T) {
	relay := &fakeRelay{}
	srv := startServer(t, relay, func(o *ServerOptions) {
		o.SessionTimeout = 600 * time.Millisecond
		o.ReadTimeout = 400 * time.Millisecond
	})
	c := authenticatedClient(t, srv)

	pause := func() { time.Sleep(250 * time.Millisecond) }

	pause()
	c.send("MAIL FROM:<alice@example.com>")
	c.expect("250 2.1.0 OK")
	pause()
	c.send("RCPT TO:<bob@example.com>")
	c.expect("250 2.1.0 OK")
	pause()
	c.send("DATA")
	c.expect("354 2.0.0 Start mail input; end with <CRLF>.<CRLF>")
	pause()
	c.send("Subject: slow")
	c.send("")
	pause()
	c.send("body")
	c.send(".")
	c.expect("250 2.1.0 OK")
	pause()
	c.send("QUIT")
	c.expect("221 2.0.0 Bye")

	require.Len(t, relay.messages(), 1)
}

func TestSession_SlowSendIsNotCancelled(t *testing.T) {
	relay := &fakeRelay{sendHook: func(ctx context.Context) error {
		select {
		case <-time.After(400 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	srv := startServer(t, relay, func(o *ServerOptions) { o.SessionTimeout = 200 * time.Millisecond })
	c := authenticatedClient(t, srv)

	sendMessage(c, []string{"Subject: slow backend", "", "x"})
	c.expect("250 2.1.0 OK")
	c.send("QUIT")
	c.expect("221 2.0.0 Bye")

	require.Len(t, relay.messages(), 1)
}

func TestSession_LineTooLong(t *testing.T) {
	srv := startServer(t, &fakeRelay{}, nil)
	c := dial(t, srv)

	c.expect("220 smtp." + testHostname + " ESMTP")
	c.send(strings.Repeat("E", MaxLineLength+10))
	c.expect("500 5.5.2 Line too long")
	c.expectClosed()
}

func TestSession_PanicRecovered(t *testing.T) {
	relay := &fakeRelay{loginHook: func() { panic("boom") }}
	srv := startServer(t, relay, nil)
	c := dial(t, srv)

	c.greet()
	c.authPlain("X-API-KEY", "secret.1")
	c.expect("421 4.3.0 Internal server error")
	c.expectClosed()

	// The server keeps serving other clients.
	relay.mu.Lock()
	relay.loginHook = nil
	relay.mu.Unlock()
	authenticatedClient(t, srv)
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "start", StateStart.String())
	assert.Equal(t, "mail_from", StateMailFrom.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", SessionState(99).String())
}
