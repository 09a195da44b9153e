// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

package gateway

import (
	"encoding/json"

	"github.com/passkeymesh/gateway/pkg/proxy"
)

// ChallengeRequest starts a registration or authentication ceremony.
type ChallengeRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// VerifyRequest completes a ceremony. Credential carries the authenticator's
// response verbatim; the gateway never inspects it before handing it to the
// ceremony service.
type VerifyRequest struct {
	Username   string          `json:"username"`
	Credential json.RawMessage `json:"credential"`
}

// StatusResponse acknowledges a completed registration.
type StatusResponse struct {
	Status string `json:"status"`
}

// TokenResponse carries the session token minted after authentication.
type TokenResponse struct {
	Token string `json:"token"`
}

// APIVerifyResponse is the protected endpoint's response. Authenticated and
// UserInfo reflect the gateway's own token verification; the upstream fields
// relay the backend's answer unmodified except for authentication-consistency
// forcing.
type APIVerifyResponse struct {
	Status         string               `json:"status"`
	UpstreamStatus int                  `json:"upstream_status"`
	UpstreamResult any                  `json:"upstream_result"`
	Authenticated  bool                 `json:"authenticated"`
	UserInfo       *string              `json:"user_info"`
	HandshakeInfo  *proxy.HandshakeInfo `json:"handshake_info"`
}

// HealthResponse reports service liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the uniform error body. Kind is a stable machine-readable
// failure code; Error is a generic message with no internal detail.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Code  int    `json:"code"`
}
