package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/cinephile/accountsync/pkg/config"
)

// Config holds all configuration for the account-sync subsystem.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Identity platform
	IdentityAPIKey  string `env:"IDENTITY_API_KEY,required"`
	IdentityBaseURL string `env:"IDENTITY_BASE_URL" envDefault:"https://identitytoolkit.googleapis.com/v1"`

	// Document store
	ProjectID       string `env:"DOCSTORE_PROJECT_ID,required"`
	DocstoreBaseURL string `env:"DOCSTORE_BASE_URL" envDefault:"https://firestore.googleapis.com/v1"`

	// Google OAuth2
	OAuthClientID     string `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"OAUTH_CLIENT_SECRET"`
	OAuthAuthURL      string `env:"OAUTH_AUTH_URL" envDefault:"https://accounts.google.com/o/oauth2/v2/auth"`
	OAuthTokenURL     string `env:"OAUTH_TOKEN_URL" envDefault:"https://oauth2.googleapis.com/token"`
	OAuthScopes       string `env:"OAUTH_SCOPES" envDefault:"openid email profile"`

	// How long to wait for the browser redirect before giving up.
	RedirectTimeout time.Duration `env:"OAUTH_REDIRECT_TIMEOUT" envDefault:"120s"`

	// Local data directory (cached profile pictures live under it).
	DataDir string `env:"ACCOUNTSYNC_DATA_DIR" envDefault:"."`

	// Outbound HTTP
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	HTTPMaxRetries int           `env:"HTTP_MAX_RETRIES" envDefault:"3"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load accountsync config: %w", err)
	}
	if cfg.RedirectTimeout <= 0 {
		return nil, fmt.Errorf("invalid redirect timeout: %v", cfg.RedirectTimeout)
	}
	if cfg.OTELSampleRate < 0 || cfg.OTELSampleRate > 1 {
		return nil, fmt.Errorf("invalid OTEL sample rate: %f", cfg.OTELSampleRate)
	}

	// Federated sign-in needs both halves of the OAuth client credentials.
	// Password sign-in works without them, so they are optional at load time
	// and checked again when the browser flow starts.
	if (cfg.OAuthClientID == "") != (cfg.OAuthClientSecret == "") {
		return nil, fmt.Errorf("OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET must be set together")
	}

	return cfg, nil
}

// OAuthConfigured reports whether federated sign-in credentials are present.
func (c *Config) OAuthConfigured() bool {
	return c.OAuthClientID != "" && c.OAuthClientSecret != ""
}
