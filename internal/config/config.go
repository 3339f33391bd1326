// Package config loads configuration from config.yaml and environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// OAuthConfig holds one provider's application credentials.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	TenantID     string `yaml:"tenant_id"`
}

// Config holds all configuration for the service.
type Config struct {
	Port         int
	DatabasePath string
	NATSURL      string
	JWKSURL      string
	JWTIssuer    string
	SyncInterval time.Duration

	Google    OAuthConfig
	Microsoft OAuthConfig
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	NATS     struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`
	Auth struct {
		JWKSURL string `yaml:"jwks_url"`
		Issuer  string `yaml:"issuer"`
	} `yaml:"auth"`
	Providers struct {
		Google    OAuthConfig `yaml:"google"`
		Microsoft OAuthConfig `yaml:"microsoft"`
	} `yaml:"providers"`
}

// Load reads configuration from config.yaml with ${VAR} expansion;
// environment variables fill in any scalar the file leaves unset (a
// value in the file wins, and ${VAR} is how the file defers to the
// environment). Missing
// provider credentials are not an error here; the adapters report a
// configuration error when the unconfigured provider is actually used.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "config.yaml")

	var raw rawConfig
	if data, err := os.ReadFile(configPath); err == nil {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		Port:         firstNonZero(raw.Port, envOrDefaultInt("PORT", 8080)),
		DatabasePath: firstNonEmpty(raw.Database, envOrDefault("DATABASE_PATH", "data/mailcore.db")),
		NATSURL:      firstNonEmpty(raw.NATS.URL, envOrDefault("NATS_URL", "nats://localhost:4222")),
		JWKSURL:      firstNonEmpty(raw.Auth.JWKSURL, os.Getenv("JWKS_URL")),
		JWTIssuer:    firstNonEmpty(raw.Auth.Issuer, os.Getenv("JWT_ISSUER")),
		SyncInterval: envOrDefaultDuration("SYNC_INTERVAL", time.Minute),
		Google:       raw.Providers.Google,
		Microsoft:    raw.Providers.Microsoft,
	}

	if cfg.Google.ClientID == "" {
		cfg.Google.ClientID = os.Getenv("GOOGLE_CLIENT_ID")
		cfg.Google.ClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
		cfg.Google.RedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	}
	if cfg.Microsoft.ClientID == "" {
		cfg.Microsoft.ClientID = os.Getenv("MICROSOFT_CLIENT_ID")
		cfg.Microsoft.ClientSecret = os.Getenv("MICROSOFT_CLIENT_SECRET")
		cfg.Microsoft.RedirectURL = os.Getenv("MICROSOFT_REDIRECT_URL")
		cfg.Microsoft.TenantID = os.Getenv("MICROSOFT_TENANT_ID")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
