// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AuthMethod selects how the fetcher authenticates against the blog source.
type AuthMethod string

// Supported blog authentication methods.
const (
	AuthNone   AuthMethod = "none"
	AuthOAuth2 AuthMethod = "oauth2"
	AuthSSO    AuthMethod = "sso"
	AuthNTLM   AuthMethod = "ntlm"
)

// Config holds the application configuration.
type Config struct {
	BlogURL    string     `env:"BLOG_URL,required"`
	AuthMethod AuthMethod `env:"BLOG_AUTH_METHOD" envDefault:"none"`

	OAuth2ClientID     string `env:"OAUTH2_CLIENT_ID"`
	OAuth2ClientSecret string `env:"OAUTH2_CLIENT_SECRET"`
	OAuth2TokenURL     string `env:"OAUTH2_TOKEN_URL"`

	SSOClientID     string `env:"SSO_CLIENT_ID"`
	SSOClientSecret string `env:"SSO_CLIENT_SECRET"`
	SSOTenantID     string `env:"SSO_TENANT_ID"`
	SSOScope        string `env:"SSO_SCOPE"`

	NTLMUser     string `env:"NTLM_USER"`
	NTLMPassword string `env:"NTLM_PASSWORD"`
	NTLMDomain   string `env:"NTLM_DOMAIN"`

	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	HTTPMaxRetries int           `env:"HTTP_MAX_RETRIES" envDefault:"3"`

	PollIntervalMinutes int           `env:"POLL_INTERVAL_MINUTES" envDefault:"15"`
	PollBackoffFactor   float64       `env:"POLL_BACKOFF_FACTOR" envDefault:"1.5"`
	PollMaxBackoff      time.Duration `env:"POLL_MAX_BACKOFF" envDefault:"1h"`

	PushTTL          int           `env:"PUSH_TTL" envDefault:"86400"`
	PushContact      string        `env:"PUSH_CONTACT"`
	VAPIDPublicKey   string        `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey  string        `env:"VAPID_PRIVATE_KEY"`
	PushTimeout      time.Duration `env:"PUSH_TIMEOUT" envDefault:"10s"`
	PushMaxRetries   int           `env:"PUSH_MAX_RETRIES" envDefault:"2"`
	PushRetryDelayMS int           `env:"PUSH_RETRY_DELAY_MS" envDefault:"500"`

	UrgentKeywords []string `env:"URGENT_KEYWORDS" envSeparator:"," envDefault:"urgent,emergency"`

	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/blogwatch.db"`
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment, honoring a local .env file
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BlogURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("BLOG_URL must be a valid http(s) URL, got %q", c.BlogURL)
	}

	switch c.AuthMethod {
	case AuthNone:
	case AuthOAuth2:
		if c.OAuth2ClientID == "" || c.OAuth2ClientSecret == "" || c.OAuth2TokenURL == "" {
			return fmt.Errorf("oauth2 auth requires OAUTH2_CLIENT_ID, OAUTH2_CLIENT_SECRET and OAUTH2_TOKEN_URL")
		}
	case AuthSSO:
		if c.SSOClientID == "" || c.SSOClientSecret == "" || c.SSOTenantID == "" {
			return fmt.Errorf("sso auth requires SSO_CLIENT_ID, SSO_CLIENT_SECRET and SSO_TENANT_ID")
		}
	case AuthNTLM:
		if c.NTLMUser == "" || c.NTLMPassword == "" {
			return fmt.Errorf("ntlm auth requires NTLM_USER and NTLM_PASSWORD")
		}
	default:
		return fmt.Errorf("unknown BLOG_AUTH_METHOD %q", c.AuthMethod)
	}

	if c.HTTPTimeout < time.Second {
		return fmt.Errorf("HTTP_TIMEOUT must be at least 1s")
	}
	if c.HTTPMaxRetries < 1 {
		return fmt.Errorf("HTTP_MAX_RETRIES must be at least 1")
	}
	if c.PollIntervalMinutes < 1 {
		return fmt.Errorf("POLL_INTERVAL_MINUTES must be at least 1")
	}
	if c.PollBackoffFactor < 1 {
		return fmt.Errorf("POLL_BACKOFF_FACTOR must be at least 1")
	}
	if c.PollMaxBackoff < c.PollInterval() {
		return fmt.Errorf("POLL_MAX_BACKOFF must not be shorter than the polling interval")
	}
	if c.PushTTL < 0 {
		return fmt.Errorf("PUSH_TTL must be non-negative")
	}
	if c.PushTimeout < time.Second {
		return fmt.Errorf("PUSH_TIMEOUT must be at least 1s")
	}
	return nil
}

// PollInterval returns the base polling interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMinutes) * time.Minute
}

// PushRetryDelay returns the delay between push delivery retries.
func (c *Config) PushRetryDelay() time.Duration {
	return time.Duration(c.PushRetryDelayMS) * time.Millisecond
}
