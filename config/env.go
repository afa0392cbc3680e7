package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Environment variables recognised by ApplyEnv. They take precedence over the TOML file.
const (
	EnvListenAddress       = "LISTEN_ADDRESS"
	EnvPort                = "PORT"
	EnvHostname            = "HOSTNAME_OVERRIDE"
	EnvTestMode            = "TEST_MODE"
	EnvCertificatePath     = "SERVER_CERTIFICATE_PATH"
	EnvCertificatePassword = "SERVER_CERTIFICATE_PASSWORD"
	EnvAuthUsername        = "AUTH_USERNAME"
	EnvAuthAPIKey          = "AUTH_API_KEY"
	EnvAuthAPIKeyPath      = "AUTH_API_KEY_PATH"
	EnvAuthHeader          = "AUTH_HEADER"
	EnvAuthorizedSenders   = "AUTHORIZED_SENDERS"
	EnvAuthorizationMode   = "AUTHORIZATION_MODE"
	EnvSessionTimeout      = "SESSION_TIMEOUT"
	EnvReadTimeout         = "READ_TIMEOUT"
	EnvBackendURL          = "BACKEND_URL"
	EnvLogLevel            = "LOG_LEVEL"
	EnvLogFormat           = "LOG_FORMAT"
	EnvLogOutput           = "LOG_OUTPUT"
	EnvMetricsAddr         = "METRICS_ADDR"
)

// ApplyEnv overlays environment variables onto cfg using Viper.
// Only variables that are present override the existing value.
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	v.AutomaticEnv()

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}

	setString(EnvListenAddress, &cfg.Server.ListenAddress)
	setString(EnvHostname, &cfg.Server.Hostname)
	setString(EnvCertificatePath, &cfg.Server.CertificatePath)
	setString(EnvCertificatePassword, &cfg.Server.CertificatePassword)
	setString(EnvSessionTimeout, &cfg.Server.SessionTimeout)
	setString(EnvReadTimeout, &cfg.Server.ReadTimeout)
	setString(EnvAuthUsername, &cfg.Auth.Username)
	setString(EnvAuthAPIKey, &cfg.Auth.APIKey)
	setString(EnvAuthAPIKeyPath, &cfg.Auth.APIKeyPath)
	setString(EnvAuthHeader, &cfg.Backend.Header)
	setString(EnvAuthorizationMode, &cfg.Authorization.Mode)
	setString(EnvBackendURL, &cfg.Backend.URL)
	setString(EnvLogLevel, &cfg.Logging.Level)
	setString(EnvLogFormat, &cfg.Logging.Format)
	setString(EnvLogOutput, &cfg.Logging.Output)

	if v.IsSet(EnvMetricsAddr) {
		cfg.Metrics.Addr = v.GetString(EnvMetricsAddr)
		cfg.Metrics.Enabled = true
	}

	if v.IsSet(EnvPort) {
		port := v.GetInt(EnvPort)
		if port <= 0 {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v.GetString(EnvPort))
		}
		cfg.Server.Ports = []int{port}
	}

	if v.IsSet(EnvTestMode) {
		cfg.Backend.TestMode = v.GetBool(EnvTestMode)
	}

	if v.IsSet(EnvAuthorizedSenders) {
		var senders []string
		for _, s := range strings.Split(v.GetString(EnvAuthorizedSenders), ",") {
			if s = strings.TrimSpace(s); s != "" {
				senders = append(senders, s)
			}
		}
		cfg.Authorization.AuthorizedSenders = senders
	}

	return nil
}
