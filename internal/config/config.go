// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package config loads gateway configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/passkeymesh/gateway/pkg/proxy"
	"github.com/passkeymesh/gateway/pkg/webauthn"
)

// Config represents the complete gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	WebAuthn  webauthn.Config `yaml:"webauthn"`
	Token     TokenConfig     `yaml:"token"`
	Proxy     proxy.Config    `yaml:"proxy"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains server-level settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10 seconds.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TokenConfig controls session token issuance
type TokenConfig struct {
	// Secret is the HMAC signing secret. Usually supplied via JWT_SECRET.
	Secret string `yaml:"secret"`

	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	TTL      time.Duration `yaml:"ttl"`
}

// CORSConfig controls cross-origin request handling
type CORSConfig struct {
	// AllowedOrigins are the browser origins permitted to call the gateway.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig controls per-client rate limiting
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
}

// MetricsConfig controls the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file and applies environment variable
// overrides. An empty path loads defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		// #nosec G304 - Config file path is provided by admin/user
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("GATEWAY_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("GATEWAY_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("GATEWAY_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Token.Secret = secret
	}

	if backendURL := os.Getenv("QUANTUM_SAFE_PROXY_URL"); backendURL != "" {
		cfg.Proxy.URL = backendURL
	}
	if certPath := os.Getenv("CLIENT_CERT_PATH"); certPath != "" {
		cfg.Proxy.ClientCertPath = certPath
	}
	if keyPath := os.Getenv("CLIENT_KEY_PATH"); keyPath != "" {
		cfg.Proxy.ClientKeyPath = keyPath
	}
	if caPath := os.Getenv("CA_CERT_PATH"); caPath != "" {
		cfg.Proxy.CACertPath = caPath
	}

	if origins := os.Getenv("GATEWAY_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORS.AllowedOrigins = splitAndTrim(origins)
	}
	if rpID := os.Getenv("GATEWAY_RP_ID"); rpID != "" {
		cfg.WebAuthn.RPID = rpID
	}
	if rpOrigins := os.Getenv("GATEWAY_RP_ORIGINS"); rpOrigins != "" {
		cfg.WebAuthn.RPOrigins = splitAndTrim(rpOrigins)
	}
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// SetDefaults fills in defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.WebAuthn.RPID == "" {
		c.WebAuthn.RPID = "localhost"
	}
	if c.WebAuthn.RPDisplayName == "" {
		c.WebAuthn.RPDisplayName = "PasskeyMesh Gateway"
	}
	if len(c.WebAuthn.RPOrigins) == 0 {
		c.WebAuthn.RPOrigins = []string{"http://localhost:" + strconv.Itoa(c.Server.Port)}
	}
	c.WebAuthn.SetDefaults()
	if c.Token.Issuer == "" {
		c.Token.Issuer = "passkeymesh-gateway"
	}
	if c.Token.Audience == "" {
		c.Token.Audience = "passkeymesh-api"
	}
	if c.Token.TTL == 0 {
		c.Token.TTL = time.Hour
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = c.WebAuthn.RPOrigins
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMin == 0 {
		c.RateLimit.RequestsPerMin = 300
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	c.Proxy.SetDefaults()
}

// Validate checks the configuration. A missing token secret or incomplete
// backend TLS material is a startup failure, never a degraded launch.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Token.Secret == "" {
		return fmt.Errorf("token secret is required (set JWT_SECRET)")
	}
	if err := c.WebAuthn.Validate(); err != nil {
		return fmt.Errorf("webauthn: %w", err)
	}
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	return nil
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
