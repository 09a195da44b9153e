// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package metrics provides Prometheus instrumentation for the gateway.
// It tracks ceremony outcomes, token activity, proxied backend calls, and
// HTTP request latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all gateway metrics
	Namespace = "gateway"

	// Label names
	LabelKind       = "kind"
	LabelStatus     = "status"
	LabelGroup      = "group"
	LabelPQC        = "pqc"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// CeremoniesTotal counts completed WebAuthn ceremonies by kind and outcome.
	CeremoniesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ceremonies_total",
			Help:      "Total number of WebAuthn ceremonies by kind and status",
		},
		[]string{LabelKind, LabelStatus},
	)

	// TokensIssuedTotal counts session tokens minted after authentication.
	TokensIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tokens_issued_total",
			Help:      "Total number of session tokens issued",
		},
	)

	// TokenVerificationsTotal counts token verifications by outcome.
	TokenVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "token_verifications_total",
			Help:      "Total number of token verifications by status",
		},
		[]string{LabelStatus},
	)

	// ProxyRequestsTotal counts proxied backend calls by outcome.
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "proxy_requests_total",
			Help:      "Total number of proxied backend requests by status",
		},
		[]string{LabelStatus},
	)

	// ProxyHandshakesTotal counts backend TLS handshakes by negotiated group.
	ProxyHandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "proxy_handshakes_total",
			Help:      "Total number of backend TLS handshakes by key exchange group",
		},
		[]string{LabelGroup, LabelPQC},
	)

	// HTTPRequestsTotal counts HTTP requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// HTTPRequestDuration tracks HTTP request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{LabelMethod},
	)
)

// RecordCeremony records a completed ceremony outcome.
func RecordCeremony(kind, status string) {
	CeremoniesTotal.WithLabelValues(kind, status).Inc()
}

// RecordTokenIssued records a minted session token.
func RecordTokenIssued() {
	TokensIssuedTotal.Inc()
}

// RecordTokenVerification records a token verification outcome.
func RecordTokenVerification(status string) {
	TokenVerificationsTotal.WithLabelValues(status).Inc()
}

// RecordProxyRequest records a proxied backend call outcome.
func RecordProxyRequest(status string) {
	ProxyRequestsTotal.WithLabelValues(status).Inc()
}

// RecordProxyHandshake records a backend TLS handshake.
func RecordProxyHandshake(group string, pqc bool) {
	label := "false"
	if pqc {
		label = "true"
	}
	ProxyHandshakesTotal.WithLabelValues(group, label).Inc()
}

// RecordHTTPRequest records one HTTP request.
func RecordHTTPRequest(method, statusCode string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}
