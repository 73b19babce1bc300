// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/hanzoai/bot/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Identity  IdentityConfig  `yaml:"identity"`
	Commerce  CommerceConfig  `yaml:"commerce"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Agent     AgentConfig     `yaml:"agent"`
	State     StateConfig     `yaml:"state"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig selects the connection auth mode. Token and Password may be
// kms:// references, dereferenced once at startup.
type AuthConfig struct {
	Mode              gateway.AuthMode `yaml:"mode"`
	Token             string           `yaml:"token"`
	Password          string           `yaml:"password"`
	AllowMeshIdentity bool             `yaml:"allow_mesh_identity"`
	RateLimit         RateLimitConfig  `yaml:"rate_limit"`
}

// RateLimitConfig bounds failed auth attempts per source address.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Attempts int           `yaml:"attempts"` // per window (0 = default)
	Window   time.Duration `yaml:"window"`
}

// IdentityConfig points at the identity provider used for identity-mode auth
// and the /auth/* OAuth proxy endpoints.
type IdentityConfig struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"` // may be a kms:// reference
	Audience     string `yaml:"audience"`
}

// Configured reports whether identity-mode auth can be used.
func (c IdentityConfig) Configured() bool { return c.Issuer != "" && c.ClientID != "" }

// CommerceConfig points at the commerce back end for billing and usage.
type CommerceConfig struct {
	BaseURL       string `yaml:"base_url"`
	ServiceToken  string `yaml:"service_token"` // may be a kms:// reference
	BasicUser     string `yaml:"basic_user"`
	BasicPassword string `yaml:"basic_password"`
}

// Configured reports whether the billing gate and usage reporter are active.
func (c CommerceConfig) Configured() bool { return c.BaseURL != "" }

// SecretsConfig holds machine-identity credentials for the secret back end.
type SecretsConfig struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// TunnelConfig selects the egress tunnel provider.
type TunnelConfig struct {
	Provider  string `yaml:"provider"` // cloudflared | ngrok | localxpose | zrok | none | "" (autodetect)
	AuthToken string `yaml:"auth_token"`
	Domain    string `yaml:"domain"`
}

// AgentConfig names the known agents the OpenAI adapter can route to.
type AgentConfig struct {
	Default string   `yaml:"default"`
	Known   []string `yaml:"known"`
}

// StateConfig scopes persistent artifacts on disk.
type StateConfig struct {
	Dir string `yaml:"dir"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		name, def := expr, ""
		hasDefault := false
		for i := 0; i+1 < len(expr); i++ {
			if expr[i] == ':' && expr[i+1] == '-' {
				name, def = expr[:i], expr[i+2:]
				hasDefault = true
				break
			}
		}
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		if hasDefault {
			return []byte(def)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables,
// then applies well-known environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":18789",
			MaxBodyBytes:    10 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be cut off
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Mode: gateway.AuthModeToken,
			RateLimit: RateLimitConfig{
				Enabled:  true,
				Attempts: 10,
				Window:   time.Minute,
			},
		},
		Agent: AgentConfig{Default: "default"},
	}
}

// applyEnv layers well-known environment variables over the file config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("COMMERCE_API_URL"); v != "" {
		cfg.Commerce.BaseURL = v
	}
	if v := os.Getenv("COMMERCE_SERVICE_TOKEN"); v != "" {
		cfg.Commerce.ServiceToken = v
	}
	if v := os.Getenv("IAM_CLIENT_ID"); v != "" {
		cfg.Identity.ClientID = v
	}
	if v := os.Getenv("IAM_CLIENT_SECRET"); v != "" {
		cfg.Identity.ClientSecret = v
	}
	if v := os.Getenv("BOT_STATE_DIR"); v != "" {
		cfg.State.Dir = v
	}
}

func validate(cfg *Config) error {
	switch cfg.Auth.Mode {
	case gateway.AuthModeToken, gateway.AuthModePassword, gateway.AuthModeIdentity, gateway.AuthModeMesh:
	default:
		return fmt.Errorf("config: unknown auth mode %q", cfg.Auth.Mode)
	}
	if cfg.Auth.Mode == gateway.AuthModeIdentity && !cfg.Identity.Configured() {
		return fmt.Errorf("config: auth mode %q requires identity.issuer and identity.client_id", cfg.Auth.Mode)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: server.max_body_bytes must be positive")
	}
	return nil
}
