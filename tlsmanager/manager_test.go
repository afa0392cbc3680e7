package tlsmanager

import (
	"crypto/tls"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testdata/relay.p12 and testdata/expired.p12 are self-signed for CN=relay.test
// with password "secret". The expired one was valid during 2020 only.

func TestNewPKCS12Provider_NoPath(t *testing.T) {
	p, err := NewPKCS12Provider("", "")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestNewPKCS12Provider_MissingFile(t *testing.T) {
	_, err := NewPKCS12Provider(filepath.Join(t.TempDir(), "nope.p12"), "secret")
	assert.Error(t, err)
}

func TestGetCertificate_LoadsFile(t *testing.T) {
	p, err := NewPKCS12Provider("testdata/relay.p12", "secret")
	require.NoError(t, err)

	cert, err := p.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, "relay.test", cert.Leaf.Subject.CommonName)
	assert.NotNil(t, cert.PrivateKey)

	again, err := p.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Same(t, cert, again)
}

func TestGetCertificate_WrongPassword(t *testing.T) {
	p, err := NewPKCS12Provider("testdata/relay.p12", "wrong")
	require.NoError(t, err)

	_, err = p.GetCertificate(&tls.ClientHelloInfo{})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrCertificateExpired))
}

func TestGetCertificate_ExpiredFile(t *testing.T) {
	p, err := NewPKCS12Provider("testdata/expired.p12", "secret")
	require.NoError(t, err)

	_, err = p.GetCertificate(&tls.ClientHelloInfo{})
	assert.ErrorIs(t, err, ErrCertificateExpired)
}

func TestGetCertificate_ReloadsAfterExpiry(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	var loads atomic.Int32

	p := &Provider{
		path: "cert.p12",
		load: func(string, string) (*tls.Certificate, time.Time, error) {
			loads.Add(1)
			return &tls.Certificate{}, now.Add(time.Hour), nil
		},
		now: func() time.Time { return now },
	}

	first, err := p.GetCertificate(nil)
	require.NoError(t, err)
	_, err = p.GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), loads.Load())

	now = now.Add(2 * time.Hour)
	second, err := p.GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
	assert.NotSame(t, first, second)
}

func TestGetCertificate_StaleFileAfterExpiry(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	expires := now.Add(time.Hour)

	p := &Provider{
		path: "cert.p12",
		load: func(string, string) (*tls.Certificate, time.Time, error) {
			return &tls.Certificate{}, expires, nil
		},
		now: func() time.Time { return now },
	}

	_, err := p.GetCertificate(nil)
	require.NoError(t, err)

	// The file on disk was never renewed.
	now = expires
	_, err = p.GetCertificate(nil)
	assert.ErrorIs(t, err, ErrCertificateExpired)
}

func TestGetCertificate_LoadError(t *testing.T) {
	p := &Provider{
		path: "cert.p12",
		load: func(string, string) (*tls.Certificate, time.Time, error) {
			return nil, time.Time{}, errors.New("disk gone")
		},
		now: time.Now,
	}

	_, err := p.GetCertificate(nil)
	assert.EqualError(t, err, "disk gone")
}

func TestGetCertificate_ConcurrentHandshakes(t *testing.T) {
	var loads atomic.Int32
	p := &Provider{
		path: "cert.p12",
		load: func(string, string) (*tls.Certificate, time.Time, error) {
			loads.Add(1)
			time.Sleep(10 * time.Millisecond)
			return &tls.Certificate{}, time.Now().Add(time.Hour), nil
		},
		now: time.Now,
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.GetCertificate(nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
}

func TestTLSConfig(t *testing.T) {
	p, err := NewPKCS12Provider("testdata/relay.p12", "secret")
	require.NoError(t, err)

	cfg := p.TLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.NotNil(t, cfg.GetCertificate)

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "relay.test"})
	require.NoError(t, err)
	assert.Equal(t, "relay.test", cert.Leaf.Subject.CommonName)
}
