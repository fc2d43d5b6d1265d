// Package config loads the service configuration from environment variables
// and command line flags. Flags win over environment values so that the
// mandatory launch flags (--vau-key, --vau-cert) behave the same regardless
// of what the environment carries.
package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Environment variables with defaults
type ServerEnvironment struct {

	// http server settings
	Environment           string        `env:"ENVIRONMENT,default=dev"`
	ListenAddr            string        `env:"LISTEN_ADDR,default=0.0.0.0:3000"`
	LogLevel              string        `env:"LOG_LEVEL,default=info"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`
	ReadTimeout           time.Duration `env:"READ_TIMEOUT,default=15s"`
	WriteTimeout          time.Duration `env:"WRITE_TIMEOUT,default=15s"`
	IdleTimeout           time.Duration `env:"IDLE_TIMEOUT,default=60s"`
	RateLimitRPS          int32         `env:"RATE_LIMIT_RPS,default=100"`
	RateLimitBurst        int32         `env:"RATE_LIMIT_BURST,default=200"`

	// Decoded inner request bodies are capped at this many bytes.
	MaxBodyBytes int64 `env:"MAX_BODY_BYTES,default=1048576"`

	// VAU settings. Key and certificate are mandatory launch flags; the
	// env fallback exists for container deployments.
	VAUKeyPath  string `env:"VAU_KEY"`
	VAUCertPath string `env:"VAU_CERT"`

	// CompatPlaintext additionally serves the inner routes unencrypted.
	// Development only.
	CompatPlaintext bool `env:"COMPAT_PLAINTEXT,default=false"`

	// trust settings
	TrustAnchorPath string        `env:"TRUST_ANCHOR"`
	TSLURL          string        `env:"TSL_URL,default=https://download.tsl.ti-dienste.de/TSL.xml"`
	IDPURL          string        `env:"IDP_URL,default=https://idp.zentral.idp.splitdns.ti-dienste.de/certs"`
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL,default=1h"`
	FetchTimeout    time.Duration `env:"FETCH_TIMEOUT,default=30s"`

	// QES failure throttling
	QESFailureThreshold int           `env:"QES_FAILURE_THRESHOLD,default=5"`
	QESFailureWindow    time.Duration `env:"QES_FAILURE_WINDOW,default=10m"`

	// state store settings
	StatePath        string        `env:"STATE_PATH,default=state"`
	ExpiryTick       time.Duration `env:"EXPIRY_TICK,default=60s"`
	FlushFatalWindow time.Duration `env:"FLUSH_FATAL_WINDOW,default=5m"`
}

var validEnvs = map[string]bool{
	"dev":     true,
	"test":    true,
	"prod":    true,
	"staging": true,
}

// NewServerConfig loads environment variables and returns a ServerEnvironment
// struct that contains the values
func NewServerConfig() (*ServerEnvironment, error) {
	// optional .env for development; missing file is fine
	_ = godotenv.Load()

	var cfg ServerEnvironment

	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal environment variables: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateConfig checks for invalid settings. The presence of the VAU key
// and certificate is checked after flag merging in the cli package.
func validateConfig(cfg *ServerEnvironment) error {
	if !validEnvs[cfg.Environment] {
		return fmt.Errorf("invalid ENVIRONMENT: %s", cfg.Environment)
	}
	if cfg.RefreshInterval < time.Minute {
		return fmt.Errorf("REFRESH_INTERVAL must be at least 1m")
	}
	if cfg.QESFailureThreshold < 1 {
		return fmt.Errorf("QES_FAILURE_THRESHOLD must be at least 1")
	}
	if cfg.MaxBodyBytes < 1 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}
	return nil
}
