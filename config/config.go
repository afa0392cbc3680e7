package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sendlix/smtp-relay/helpers"
)

const (
	DefaultListenAddress   = "127.0.0.1"
	DefaultBackendURL      = "api.sendlix.com:443"
	DefaultMaxMessageSize  = 200 * 1024
	DefaultReadTimeout     = 30 * time.Second
	DefaultSessionTimeout  = 60 * time.Second
	DefaultBackendTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxAuthAttempts = 3
)

// DefaultPorts are used when no port is configured. 465 is implicit TLS when a certificate is set.
var DefaultPorts = []int{587, 465}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// ServerConfig holds the SMTP listener configuration shared by all ports.
type ServerConfig struct {
	ListenAddress       string   `toml:"listen_address"`
	Ports               []int    `toml:"ports"`                  // Default: [587, 465]
	ImplicitTLSPorts    []int    `toml:"implicit_tls_ports"`     // Ports that start with a TLS handshake (default: [465])
	Hostname            string   `toml:"hostname"`               // Used in the greeting as smtp.<hostname>
	ReadTimeout         string   `toml:"read_timeout"`           // Per-read idle timeout (default: "30s")
	SessionTimeout      string   `toml:"session_timeout"`        // Idle timeout: no traffic for this long ends the session (default: "60s")
	ShutdownTimeout     string   `toml:"shutdown_timeout"`       // Grace period for in-flight sessions (default: "30s")
	MaxMessageSize      string   `toml:"max_message_size"`       // Default: "200kb"
	MaxAuthAttempts     int      `toml:"max_auth_attempts"`
	MaxConnections      int      `toml:"max_connections"`        // 0 = unlimited
	MaxConnectionsPerIP int      `toml:"max_connections_per_ip"` // 0 = unlimited
	TrustedNetworks     []string `toml:"trusted_networks"`       // Exempt from max_connections_per_ip
	CertificatePath     string   `toml:"certificate_path"`
	CertificatePassword string   `toml:"certificate_password"`
	Debug               bool     `toml:"debug"`
}

// CircuitBreakerConfig configures the breaker in front of backend calls.
type CircuitBreakerConfig struct {
	MaxRequests  uint32  `toml:"max_requests"`  // Requests allowed in half-open state (default: 3)
	Interval     string  `toml:"interval"`      // Closed-state counter reset interval (default: "10s")
	Timeout      string  `toml:"timeout"`       // Open-state duration before probing (default: "30s")
	MinRequests  uint32  `toml:"min_requests"`  // Requests needed before the breaker may trip (default: 5)
	FailureRatio float64 `toml:"failure_ratio"` // Default: 0.6
}

// BackendConfig holds the email API connection settings.
type BackendConfig struct {
	URL            string               `toml:"url"`
	TestMode       bool                 `toml:"test_mode"`
	Header         string               `toml:"header"` // Static metadata sent with every call, "name:value"
	Timeout        string               `toml:"timeout"`
	Insecure       bool                 `toml:"insecure"` // Plaintext gRPC, for local development
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
}

// AuthConfig holds the optional static credential. When Username is set every
// session is pre-authenticated with it.
type AuthConfig struct {
	Username   string `toml:"username"`
	APIKey     string `toml:"api_key"`
	APIKeyPath string `toml:"api_key_path"`
}

// AuthorizationConfig controls which senders an authenticated session may use.
type AuthorizationConfig struct {
	Mode              string   `toml:"mode"`               // "domain" (default) or "address"
	AuthorizedSenders []string `toml:"authorized_senders"` // Optional allowlist of domains or addresses
	VerifyKeyPath     string   `toml:"verify_key_path"`    // Optional PEM public key used to verify token signatures
}

type MetricsConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Path         string   `toml:"path"`
	AllowedHosts []string `toml:"allowed_hosts"` // IPs or CIDRs allowed to scrape, empty allows all
}

// Config holds all configuration for the application.
type Config struct {
	Logging       LoggingConfig       `toml:"logging"`
	Server        ServerConfig        `toml:"server"`
	Backend       BackendConfig       `toml:"backend"`
	Auth          AuthConfig          `toml:"auth"`
	Authorization AuthorizationConfig `toml:"authorization"`
	Metrics       MetricsConfig       `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Server: ServerConfig{
			ListenAddress:    DefaultListenAddress,
			ImplicitTLSPorts: []int{465},
			ReadTimeout:      "30s",
			SessionTimeout:   "60s",
			ShutdownTimeout:  "30s",
			MaxMessageSize:   "200kb",
			MaxAuthAttempts:  DefaultMaxAuthAttempts,
		},
		Backend: BackendConfig{
			URL:     DefaultBackendURL,
			Timeout: "30s",
			CircuitBreaker: CircuitBreakerConfig{
				MaxRequests:  3,
				Interval:     "10s",
				Timeout:      "30s",
				MinRequests:  5,
				FailureRatio: 0.6,
			},
		},
		Authorization: AuthorizationConfig{
			Mode: "domain",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// GetPorts returns the configured ports or the defaults.
func (s *ServerConfig) GetPorts() []int {
	if len(s.Ports) == 0 {
		return DefaultPorts
	}
	return s.Ports
}

// IsImplicitTLSPort reports whether connections on port begin with a TLS handshake.
func (s *ServerConfig) IsImplicitTLSPort(port int) bool {
	for _, p := range s.ImplicitTLSPorts {
		if p == port {
			return true
		}
	}
	return false
}

// GetHostname returns the greeting host name, falling back to the OS host name.
func (s *ServerConfig) GetHostname() string {
	if s.Hostname != "" {
		return s.Hostname
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

func (s *ServerConfig) GetReadTimeout() (time.Duration, error) {
	if s.ReadTimeout == "" {
		return DefaultReadTimeout, nil
	}
	return helpers.ParseDuration(s.ReadTimeout)
}

func (s *ServerConfig) GetSessionTimeout() (time.Duration, error) {
	if s.SessionTimeout == "" {
		return DefaultSessionTimeout, nil
	}
	return helpers.ParseDuration(s.SessionTimeout)
}

func (s *ServerConfig) GetShutdownTimeout() (time.Duration, error) {
	if s.ShutdownTimeout == "" {
		return DefaultShutdownTimeout, nil
	}
	return helpers.ParseDuration(s.ShutdownTimeout)
}

// GetMaxMessageSize parses the maximum accepted DATA size in bytes.
func (s *ServerConfig) GetMaxMessageSize() (int64, error) {
	if s.MaxMessageSize == "" {
		return DefaultMaxMessageSize, nil
	}
	return helpers.ParseSize(s.MaxMessageSize)
}

func (s *ServerConfig) GetMaxAuthAttempts() int {
	if s.MaxAuthAttempts <= 0 {
		return DefaultMaxAuthAttempts
	}
	return s.MaxAuthAttempts
}

func (b *BackendConfig) GetTimeout() (time.Duration, error) {
	if b.Timeout == "" {
		return DefaultBackendTimeout, nil
	}
	return helpers.ParseDuration(b.Timeout)
}

// GetHeader splits the static header into name and value. ok is false when
// the header is unset or not in "name:value" form.
func (b *BackendConfig) GetHeader() (name, value string, ok bool) {
	parts := strings.Split(b.Header, ":")
	if len(parts) != 2 {
		return "", "", false
	}
	name = strings.TrimSpace(parts[0])
	value = strings.TrimSpace(parts[1])
	if name == "" {
		return "", "", false
	}
	return name, value, true
}

func (c *CircuitBreakerConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(c.Interval)
}

func (c *CircuitBreakerConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

// StaticCredential is a username/API key pair used for pre-authenticated sessions.
type StaticCredential struct {
	Username string
	Password string
}

// LoadStaticCredential returns nil when no static username is configured.
// The API key is read from api_key or, when empty, from the api_key_path file.
func (a *AuthConfig) LoadStaticCredential() (*StaticCredential, error) {
	if a.Username == "" {
		return nil, nil
	}

	apiKey := a.APIKey
	if apiKey == "" && a.APIKeyPath != "" {
		data, err := os.ReadFile(a.APIKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read api key file %q: %w", a.APIKeyPath, err)
		}
		apiKey = strings.TrimSpace(string(data))
	}

	if apiKey == "" {
		return nil, fmt.Errorf("api_key or api_key_path must be set when auth.username is configured")
	}

	return &StaticCredential{Username: a.Username, Password: apiKey}, nil
}

// Validate checks the configuration for values that cannot work at runtime.
func (c *Config) Validate() error {
	for _, p := range c.Server.GetPorts() {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("server.ports: invalid port %d", p)
		}
	}
	if _, err := c.Server.GetReadTimeout(); err != nil {
		return fmt.Errorf("server.read_timeout: %w", err)
	}
	if _, err := c.Server.GetSessionTimeout(); err != nil {
		return fmt.Errorf("server.session_timeout: %w", err)
	}
	if _, err := c.Server.GetShutdownTimeout(); err != nil {
		return fmt.Errorf("server.shutdown_timeout: %w", err)
	}
	if size, err := c.Server.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("server.max_message_size: %w", err)
	} else if size <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if _, err := c.Backend.GetTimeout(); err != nil {
		return fmt.Errorf("backend.timeout: %w", err)
	}
	if !c.Backend.TestMode && c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required unless backend.test_mode is enabled")
	}
	if c.Backend.Header != "" {
		if _, _, ok := c.Backend.GetHeader(); !ok {
			return fmt.Errorf("backend.header must be in the form 'name:value'")
		}
	}
	switch strings.ToLower(c.Authorization.Mode) {
	case "", "domain", "address":
	default:
		return fmt.Errorf("authorization.mode must be 'domain' or 'address', got %q", c.Authorization.Mode)
	}
	if c.Auth.Username != "" && c.Auth.APIKey == "" && c.Auth.APIKeyPath == "" {
		return fmt.Errorf("auth.api_key or auth.api_key_path is required when auth.username is set")
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	return err
}

func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
