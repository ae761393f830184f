package internal

import (
	"strings"
	"testing"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestHTTPConfig_RequiresHost(t *testing.T) {
	cfg := HTTPConfig{Host: "", Port: 3847}
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing host should fail validation")
	}
}

func TestHTTPConfig_TLSEnabled(t *testing.T) {
	cfg := HTTPConfig{Host: "localhost", Port: 3847}
	if cfg.TLSEnabled() {
		t.Error("TLS should be disabled without cert/key paths")
	}
	cfg.TLSCertFile, cfg.TLSKeyFile = "cert.pem", "key.pem"
	if !cfg.TLSEnabled() {
		t.Error("TLS should be enabled once both paths are set")
	}
}

func TestCacheConfig_RequiresDSN(t *testing.T) {
	cfg := CacheConfig{DSN: ""}
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing DSN should fail validation")
	}
}

func TestNewDefaultConfig_MatchesSpecDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.App.HTTP.Port != 3847 {
		t.Errorf("default port = %d, want 3847", cfg.App.HTTP.Port)
	}
	if cfg.Vault.Path == "" {
		t.Error("default vault path should fall back to ORG_ROOT or cwd")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}
