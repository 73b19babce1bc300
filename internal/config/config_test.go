package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/hanzoai/bot/internal"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "botgw.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":18789" {
		t.Errorf("Addr = %q, want :18789", cfg.Server.Addr)
	}
	if cfg.Server.MaxBodyBytes != 10<<20 {
		t.Errorf("MaxBodyBytes = %d, want %d", cfg.Server.MaxBodyBytes, 10<<20)
	}
	if cfg.Auth.Mode != gateway.AuthModeToken {
		t.Errorf("Mode = %q, want token", cfg.Auth.Mode)
	}
	if !cfg.Auth.RateLimit.Enabled || cfg.Auth.RateLimit.Attempts != 10 || cfg.Auth.RateLimit.Window != time.Minute {
		t.Errorf("rate limit defaults wrong: %+v", cfg.Auth.RateLimit)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_GW_TOKEN", "from-env")
	path := writeConfig(t, `
auth:
  mode: token
  token: ${TEST_GW_TOKEN}
  password: ${TEST_GW_UNSET:-fallback}
server:
  addr: ${TEST_GW_ADDR:-:9999}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("Token = %q, want from-env", cfg.Auth.Token)
	}
	if cfg.Auth.Password != "fallback" {
		t.Errorf("Password = %q, want default fallback", cfg.Auth.Password)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Addr = %q, want :9999", cfg.Server.Addr)
	}
}

func TestLoadUnsetVarWithoutDefaultStays(t *testing.T) {
	path := writeConfig(t, `
commerce:
  base_url: ${TEST_GW_DEFINITELY_UNSET}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Commerce.BaseURL != "${TEST_GW_DEFINITELY_UNSET}" {
		t.Errorf("BaseURL = %q, want literal placeholder preserved", cfg.Commerce.BaseURL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("COMMERCE_API_URL", "https://commerce.internal")
	t.Setenv("IAM_CLIENT_ID", "cid-env")
	path := writeConfig(t, `
commerce:
  base_url: https://from-file
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Commerce.BaseURL != "https://commerce.internal" {
		t.Errorf("env override lost: %q", cfg.Commerce.BaseURL)
	}
	if cfg.Identity.ClientID != "cid-env" {
		t.Errorf("ClientID = %q, want cid-env", cfg.Identity.ClientID)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"unknown auth mode", "auth:\n  mode: carrier-pigeon\n", true},
		{"identity mode without issuer", "auth:\n  mode: identity\n", true},
		{
			"identity mode configured",
			"auth:\n  mode: identity\nidentity:\n  issuer: https://iam.example.com\n  client_id: cid\n",
			false,
		},
		{"negative body cap", "server:\n  max_body_bytes: -1\n", true},
		{"password mode", "auth:\n  mode: password\n  password: pw\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Errorf("Load error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
