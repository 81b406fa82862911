package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	FlowDevice = "device"
	FlowPKCE   = "pkce"

	EncryptionNone    = "none"
	EncryptionKeyring = "keyring"
)

// Config holds all environment-based configuration for toolkit-auth.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Identity center / Builder ID connection defaults used by `login`.
	StartURL string   `env:"SSO_START_URL"`
	Region   string   `env:"SSO_REGION" envDefault:"us-east-1"`
	Scopes   []string `env:"SSO_SCOPES" envSeparator:","`
	Flow     string   `env:"SSO_FLOW" envDefault:"device"`

	// OIDCEndpoint overrides the SSO-OIDC endpoint, e.g. to point at the
	// local emulator. Empty means the regional AWS endpoint.
	OIDCEndpoint        string        `env:"OIDC_ENDPOINT"`
	PKCECallbackTimeout time.Duration `env:"PKCE_CALLBACK_TIMEOUT" envDefault:"5m"`

	// Token and registration cache. Defaults to ~/.aws/sso/cache so the
	// AWS CLI and SDKs can share sessions.
	CacheDir            string `env:"SSO_CACHE_DIR"`
	CacheEncryption     string `env:"CACHE_ENCRYPTION" envDefault:"none"`
	KeyringFilePassword string `env:"KEYRING_FILE_PASSWORD"`

	// StatePath is the bbolt database holding connections and feature pins.
	// Defaults to $XDG_STATE_HOME/toolkit-auth/state.db.
	StatePath string `env:"TOOLKIT_STATE_PATH"`

	// Classic credential discovery.
	MetadataDisabled bool          `env:"AWS_EC2_METADATA_DISABLED" envDefault:"false"`
	IMDSEndpoint     string        `env:"IMDS_ENDPOINT" envDefault:"http://169.254.169.254"`
	IMDSProbeTimeout time.Duration `env:"IMDS_PROBE_TIMEOUT" envDefault:"2s"`
	ConfigFile       string        `env:"AWS_CONFIG_FILE"`
	CredentialsFile  string        `env:"AWS_SHARED_CREDENTIALS_FILE"`

	// FeaturesFile optionally overrides the built-in feature catalog.
	FeaturesFile string `env:"FEATURES_FILE"`

	EmulatorListenAddr string `env:"EMULATOR_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Scopes = cleanScopes(cfg.Scopes)

	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("resolving defaults: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.CacheDir == "" || c.ConfigFile == "" || c.CredentialsFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("determining home directory: %w", err)
		}

		if c.CacheDir == "" {
			c.CacheDir = filepath.Join(home, ".aws", "sso", "cache")
		}

		if c.ConfigFile == "" {
			c.ConfigFile = filepath.Join(home, ".aws", "config")
		}

		if c.CredentialsFile == "" {
			c.CredentialsFile = filepath.Join(home, ".aws", "credentials")
		}
	}

	if c.StatePath == "" {
		path, err := xdg.StateFile(filepath.Join("toolkit-auth", "state.db"))
		if err != nil {
			return fmt.Errorf("resolving state path: %w", err)
		}

		c.StatePath = path
	}

	return nil
}

func (c *Config) validate() error {
	if c.Region == "" {
		return fmt.Errorf("SSO_REGION must not be empty")
	}

	if c.Flow != FlowDevice && c.Flow != FlowPKCE {
		return fmt.Errorf("SSO_FLOW must be %q or %q, got %q", FlowDevice, FlowPKCE, c.Flow)
	}

	if c.CacheEncryption != EncryptionNone && c.CacheEncryption != EncryptionKeyring {
		return fmt.Errorf("CACHE_ENCRYPTION must be %q or %q, got %q", EncryptionNone, EncryptionKeyring, c.CacheEncryption)
	}

	if c.StartURL != "" {
		u, err := url.Parse(c.StartURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("SSO_START_URL is not a valid URL")
		}

		if u.Scheme != "https" {
			return fmt.Errorf("SSO_START_URL must use https")
		}
	}

	if c.OIDCEndpoint != "" {
		if _, err := url.Parse(c.OIDCEndpoint); err != nil {
			return fmt.Errorf("OIDC_ENDPOINT is not a valid URL")
		}
	}

	if c.PKCECallbackTimeout <= 0 {
		return fmt.Errorf("PKCE_CALLBACK_TIMEOUT must be positive")
	}

	if c.IMDSProbeTimeout <= 0 {
		return fmt.Errorf("IMDS_PROBE_TIMEOUT must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// cleanScopes trims whitespace and drops empty entries. SSO_SCOPES=""
// parses to a single empty element, which would otherwise select the
// scoped cache key layout for a scope-less connection.
func cleanScopes(scopes []string) []string {
	var out []string

	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}

	return out
}
