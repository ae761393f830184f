package internal

import (
	"fmt"
	"log/slog"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App   ApplicationConfig `yaml:"app"`
	Vault VaultConfig       `yaml:"vault"`
	Cache CacheConfig       `yaml:"cache"`
	Auth  AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration. Host is the hostname this
// instance advertises to peers (the federation layer's "localHost"); it is
// deliberately independent of the listen address, matching the original
// implementation's dual-listener split between a loopback UI socket and a
// Tailscale-reachable federation socket -- here both concerns share one
// listener, but the advertised name can still differ from ":port".
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// TLSCertFile/TLSKeyFile are optional; when both are set the server
	// listens with TLS instead of plaintext, per spec's "optional TLS
	// cert/key paths".
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// ListenAddress returns the address the HTTP server binds to.
func (c *HTTPConfig) ListenAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}

// TLSEnabled reports whether both TLS cert and key paths were configured.
func (c *HTTPConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// VaultConfig holds the path to the Markdown vault directory (spec's
// ORG_ROOT).
type VaultConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// CacheConfig holds the incremental parse cache's SQLite DSN (spec §4.K).
// This is advisory, not the FTS search index the teacher repo used --
// every build parses every file anyway, so losing it costs only its rows.
type CacheConfig struct {
	DSN string `yaml:"dsn"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DSN, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values,
// matching spec §6's PORT=3847 / ORG_ROOT=cwd defaults.
func NewDefaultConfig() *Config {
	vaultPath := os.Getenv("ORG_ROOT")
	if vaultPath == "" {
		if cwd, err := os.Getwd(); err == nil {
			vaultPath = cwd
		} else {
			vaultPath = "."
		}
	}
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Host: "localhost",
				Port: 3847,
			},
		},
		Vault: VaultConfig{
			Path: vaultPath,
		},
		Cache: CacheConfig{
			DSN: "./.vitrum-cache.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
