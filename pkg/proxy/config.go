// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package proxy forwards API calls to the backend over mutually
// authenticated TLS with a post-quantum hybrid key exchange.
package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config configures the backend connection.
type Config struct {
	// URL is the backend base URL, e.g. "https://backend:8443".
	URL string `yaml:"url" json:"url"`

	// ClientCertPath is the PEM-encoded client certificate presented to the
	// backend during the mutual TLS handshake.
	ClientCertPath string `yaml:"client_cert" json:"client_cert"`

	// ClientKeyPath is the PEM-encoded private key for the client certificate.
	ClientKeyPath string `yaml:"client_key" json:"client_key"`

	// CACertPath is the PEM-encoded CA bundle used to verify the backend.
	CACertPath string `yaml:"ca_cert" json:"ca_cert"`

	// HybridGroup names the post-quantum hybrid key exchange group pinned
	// for the backend handshake. Default: "X25519MLKEM768".
	HybridGroup string `yaml:"hybrid_group" json:"hybrid_group"`

	// Timeout bounds each backend call including the handshake.
	// Default: 10 seconds.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// InsecureSkipVerify disables backend certificate verification.
	// Never enable outside of development.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("backend URL is required")
	}
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid backend URL: %w", err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("backend URL must use https, got %q", parsed.Scheme)
	}
	if c.ClientCertPath == "" || c.ClientKeyPath == "" {
		return fmt.Errorf("client certificate and key are required")
	}
	if c.CACertPath == "" && !c.InsecureSkipVerify {
		return fmt.Errorf("CA certificate is required")
	}
	if _, err := c.HybridGroupID(); err != nil {
		return err
	}
	return nil
}

// SetDefaults sets default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.HybridGroup == "" {
		c.HybridGroup = "X25519MLKEM768"
	}
}

// HybridGroupID resolves the configured hybrid group name to its TLS group
// identifier.
func (c *Config) HybridGroupID() (tls.CurveID, error) {
	switch c.HybridGroup {
	case "", "X25519MLKEM768":
		return tls.X25519MLKEM768, nil
	default:
		return 0, fmt.Errorf("unsupported hybrid group %q", c.HybridGroup)
	}
}

// LoadTLSConfig builds the client TLS configuration from the configured
// certificate material. The configured hybrid post-quantum group is pinned as
// the only permitted key exchange so a classical-only backend fails the
// handshake rather than silently downgrading.
func (c *Config) LoadTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.ClientCertPath, c.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	group, err := c.HybridGroupID()
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		Certificates:     []tls.Certificate{cert},
		MinVersion:       tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{group},
	}

	if c.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
		return tlsCfg, nil
	}

	caPEM, err := os.ReadFile(c.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", c.CACertPath)
	}
	tlsCfg.RootCAs = pool

	return tlsCfg, nil
}
