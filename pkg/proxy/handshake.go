// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"runtime"
)

// HandshakeInfo describes the TLS session negotiated for a single backend
// call. It is rebuilt from the live connection state on every call and never
// cached across calls.
type HandshakeInfo struct {
	// Protocol is the negotiated TLS version, e.g. "TLS 1.3".
	Protocol string `json:"protocol"`

	// CipherSuite is the negotiated cipher suite name.
	CipherSuite string `json:"cipher_suite"`

	// KeyExchange is the negotiated key exchange group name.
	KeyExchange string `json:"key_exchange"`

	// PQCActive reports whether the negotiated group is the hybrid
	// post-quantum exchange.
	PQCActive bool `json:"pqc_active"`

	// PeerCertificates summarizes the backend's certificate chain.
	PeerCertificates []CertificateInfo `json:"peer_certificates"`

	// ClientCertPath and CACertPath are the configured certificate paths
	// presented and trusted for this session.
	ClientCertPath string `json:"client_cert"`
	CACertPath     string `json:"ca_cert"`

	// Library identifies the TLS implementation, e.g. "go1.25.5 crypto/tls".
	Library string `json:"library"`
}

// CertificateInfo is a summary of one peer certificate.
type CertificateInfo struct {
	Subject string `json:"subject"`
	Issuer  string `json:"issuer"`
	Expires string `json:"expires"`
}

// newHandshakeInfo extracts session details from a completed handshake.
// hybridGroup is the group configured for the deployment; PQCActive reports
// whether that group was the one actually negotiated.
func newHandshakeInfo(state tls.ConnectionState, hybridGroup tls.CurveID) *HandshakeInfo {
	certs := make([]CertificateInfo, 0, len(state.PeerCertificates))
	for _, cert := range state.PeerCertificates {
		certs = append(certs, newCertificateInfo(cert))
	}
	return &HandshakeInfo{
		Protocol:         tls.VersionName(state.Version),
		CipherSuite:      tls.CipherSuiteName(state.CipherSuite),
		KeyExchange:      groupName(state.CurveID),
		PQCActive:        state.CurveID == hybridGroup,
		PeerCertificates: certs,
		Library:          runtime.Version() + " crypto/tls",
	}
}

func newCertificateInfo(cert *x509.Certificate) CertificateInfo {
	return CertificateInfo{
		Subject: cert.Subject.String(),
		Issuer:  cert.Issuer.String(),
		Expires: cert.NotAfter.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// groupName names the negotiated key exchange group.
func groupName(id tls.CurveID) string {
	switch id {
	case tls.X25519MLKEM768:
		return "X25519MLKEM768"
	case tls.X25519:
		return "X25519"
	case tls.CurveP256:
		return "P-256"
	case tls.CurveP384:
		return "P-384"
	case tls.CurveP521:
		return "P-521"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(id))
	}
}
