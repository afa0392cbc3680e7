package smtprelay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"net"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/sendlix/smtp-relay/backend"
	"github.com/stretchr/testify/require"
)

const testHostname = "relay.test"

type sentMessage struct {
	raw      []byte
	category string
}

// fakeRelay stands in for relay.Handler. Logins issue backend.TestToken,
// which authorizes example.com.
type fakeRelay struct {
	mu        sync.Mutex
	logins    []string
	sent      []sentMessage
	loginErr  error
	sendErr   error
	loginHook func()
	sendHook  func(ctx context.Context) error
}

func (f *fakeRelay) Login(_ context.Context, username, _ string) (backend.Token, error) {
	f.mu.Lock()
	f.logins = append(f.logins, username)
	hook := f.loginHook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if f.loginErr != nil {
		return backend.Token{}, f.loginErr
	}
	return backend.Token{Value: backend.TestToken, Expires: time.Now().Add(time.Hour)}, nil
}

func (f *fakeRelay) SendEmail(ctx context.Context, raw []byte, _ backend.Token, category string) error {
	if f.sendHook != nil {
		if err := f.sendHook(ctx); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{raw: append([]byte(nil), raw...), category: category})
	return nil
}

func (f *fakeRelay) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logins)
}

func (f *fakeRelay) usernames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logins...)
}

func (f *fakeRelay) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func startServer(t *testing.T, relay *fakeRelay, configure func(*ServerOptions)) *Server {
	t.Helper()

	opts := ServerOptions{
		Name:        "smtp-test",
		Addr:        "127.0.0.1:0",
		Hostname:    testHostname,
		Relay:       relay,
		ReadTimeout: 5 * time.Second,
	}
	if configure != nil {
		configure(&opts)
	}

	srv, err := New(context.Background(), opts)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	go func() {
		_ = srv.Start()
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

type client struct {
	t    *testing.T
	conn net.Conn
	tp   *textproto.Conn
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	return wrapClient(t, conn)
}

func wrapClient(t *testing.T, conn net.Conn) *client {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, tp: textproto.NewConn(conn)}
}

func (c *client) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.tp.PrintfLine("%s", line))
}

func (c *client) expect(want string) {
	c.t.Helper()
	got, err := c.tp.ReadLine()
	require.NoError(c.t, err, "waiting for %q", want)
	require.Equal(c.t, want, got)
}

// expectClosed asserts that the server hung up.
func (c *client) expectClosed() {
	c.t.Helper()
	line, err := c.tp.ReadLine()
	require.Error(c.t, err, "expected connection close, got %q", line)
}

// greet reads the greeting and sends EHLO, expecting the AUTH offer.
func (c *client) greet() {
	c.t.Helper()
	c.expect("220 smtp." + testHostname + " ESMTP")
	c.send("EHLO client.example.com")
	c.expect("250-smtp." + testHostname)
	c.expect("250 AUTH LOGIN PLAIN")
}

func (c *client) authPlain(username, password string) {
	c.t.Helper()
	c.send("AUTH PLAIN " + b64("\x00"+username+"\x00"+password))
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "smtp." + testHostname},
		DNSNames:     []string{"smtp." + testHostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}
