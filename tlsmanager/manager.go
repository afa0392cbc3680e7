package tlsmanager

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sendlix/smtp-relay/logger"
	"golang.org/x/crypto/pkcs12"
)

// ErrCertificateExpired is returned when the certificate file on disk has
// already passed its NotAfter date.
var ErrCertificateExpired = errors.New("certificate expired")

// Provider serves a certificate loaded from a PKCS12 file. The certificate is
// cached until it expires and then reloaded from disk, so a renewed file is
// picked up without a restart.
type Provider struct {
	path     string
	password string

	mu       sync.RWMutex
	cert     *tls.Certificate
	notAfter time.Time

	load func(path, password string) (*tls.Certificate, time.Time, error)
	now  func() time.Time
}

// NewPKCS12Provider returns a provider for the given file. It returns a nil
// provider when path is empty and an error when the file does not exist.
func NewPKCS12Provider(path, password string) (*Provider, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("certificate file %s: %w", path, err)
	}

	return &Provider{
		path:     path,
		password: password,
		load:     loadPKCS12,
		now:      time.Now,
	}, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (p *Provider) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	now := p.now()

	p.mu.RLock()
	cert, notAfter := p.cert, p.notAfter
	p.mu.RUnlock()
	if cert != nil && now.Before(notAfter) {
		return cert, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another handshake may have reloaded it while we waited.
	if p.cert != nil && now.Before(p.notAfter) {
		return p.cert, nil
	}

	cert, notAfter, err := p.load(p.path, p.password)
	if err != nil {
		logger.Error("TLS: failed to load certificate", "path", p.path, "error", err)
		return nil, err
	}
	if !now.Before(notAfter) {
		logger.Error("TLS: certificate is expired", "path", p.path, "not_after", notAfter)
		return nil, fmt.Errorf("%w: %s expired at %s", ErrCertificateExpired, p.path, notAfter.Format(time.RFC3339))
	}

	p.cert, p.notAfter = cert, notAfter
	logger.Info("TLS: loaded certificate", "path", p.path, "not_after", notAfter)
	return cert, nil
}

// TLSConfig returns a server config backed by GetCertificate.
func (p *Provider) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: p.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		Renegotiation:  tls.RenegotiateNever,
	}
}

func loadPKCS12(path, password string) (*tls.Certificate, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read certificate: %w", err)
	}

	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode PKCS12 file %s: %w", path, err)
	}

	var pemData []byte
	for _, b := range blocks {
		pemData = append(pemData, pem.EncodeToMemory(b)...)
	}

	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid certificate in %s: %w", path, err)
	}
	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, time.Time{}, fmt.Errorf("invalid certificate in %s: %w", path, err)
		}
	}
	return &cert, cert.Leaf.NotAfter, nil
}
