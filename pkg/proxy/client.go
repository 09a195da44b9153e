// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/passkeymesh/gateway/pkg/logging"
)

// Backend call failure kinds.
var (
	// ErrUnreachable is returned when the TCP connection to the backend
	// cannot be established, or when the request fails after the handshake
	// (upstream I/O error or timeout).
	ErrUnreachable = errors.New("backend unreachable")

	// ErrHandshakeFailed is returned when the TCP connection succeeds but
	// the TLS handshake is rejected.
	ErrHandshakeFailed = errors.New("tls handshake failed")
)

// Result is the outcome of one proxied backend call.
type Result struct {
	// StatusCode is the backend HTTP status, passed through verbatim.
	StatusCode int

	// Header is the backend response header.
	Header http.Header

	// Body is the backend response body.
	Body []byte

	// Handshake describes the TLS session this call was carried over.
	Handshake *HandshakeInfo
}

// Client calls the backend over mutual TLS. Every call performs a fresh
// handshake so the reported session details always describe the connection
// that actually carried the request.
type Client struct {
	config      *Config
	tlsConfig   *tls.Config
	baseURL     *url.URL
	hybridGroup tls.CurveID
	logger      *logging.Logger
}

// NewClient creates a backend client. Certificate material is loaded once at
// construction; a missing or unreadable file is a construction error.
func NewClient(config *Config, logger *logging.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tlsCfg, err := config.LoadTLSConfig()
	if err != nil {
		return nil, err
	}

	baseURL, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}

	group, err := config.HybridGroupID()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logging.Default()
	}

	return &Client{
		config:      config,
		tlsConfig:   tlsCfg,
		baseURL:     baseURL,
		hybridGroup: group,
		logger:      logger,
	}, nil
}

// Do forwards one request to the backend and returns its response together
// with the handshake details of the connection that carried it.
func (c *Client) Do(ctx context.Context, method, path string, header http.Header, body []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	tlsConn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer tlsConn.Close()

	info := newHandshakeInfo(tlsConn.ConnectionState(), c.hybridGroup)
	info.ClientCertPath = c.config.ClientCertPath
	info.CACertPath = c.config.CACertPath
	c.logger.Debug("backend handshake complete",
		"protocol", info.Protocol,
		"key_exchange", info.KeyExchange,
		"pqc", info.PQCActive)

	target := *c.baseURL
	target.Path = path

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build backend request: %w", err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	// One-shot transport bound to the already-handshaken connection.
	transport := &http.Transport{
		DialTLSContext: func(context.Context, string, string) (net.Conn, error) {
			return tlsConn, nil
		},
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()

	resp, err := transport.RoundTrip(req)
	if err != nil {
		c.logger.Warn("backend request failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
		Handshake:  info,
	}, nil
}

// dial establishes the TCP connection and completes the TLS handshake in two
// distinct phases so the two failure kinds stay distinguishable.
func (c *Client) dial(ctx context.Context) (*tls.Conn, error) {
	host := c.baseURL.Hostname()
	port := c.baseURL.Port()
	if port == "" {
		port = "443"
	}
	addr := net.JoinHostPort(host, port)

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.logger.Warn("backend dial failed", "addr", addr, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	tlsCfg := c.tlsConfig.Clone()
	tlsCfg.ServerName = host

	tlsConn := tls.Client(rawConn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		c.logger.Warn("backend handshake failed", "addr", addr, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	return tlsConn, nil
}
