// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/passkeymesh/gateway/pkg/proxy"
	"github.com/passkeymesh/gateway/pkg/webauthn"
)

// Common errors
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalError  = errors.New("internal server error")
)

// Machine-readable error kinds carried in ErrorResponse.Kind.
const (
	KindNoPendingChallenge  = "no_pending_challenge"
	KindChallengeExpired    = "challenge_expired"
	KindUnknownUser         = "unknown_user"
	KindVerificationFailed  = "verification_failed"
	KindReplayDetected      = "replay_detected"
	KindCryptoRejected      = "crypto_rejected"
	KindDuplicateCredential = "duplicate_credential"
	KindInvalidRequest      = "invalid_request"
	KindProxyUnreachable    = "proxy_unreachable"
	KindTLSHandshakeFailed  = "tls_handshake_failed"
	KindInternalError       = "internal_error"
)

// classifyError maps an internal error onto a status code and error kind.
// Underlying detail stays server-side; the client sees only the kind.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, webauthn.ErrNoPendingChallenge):
		return http.StatusBadRequest, KindNoPendingChallenge
	case errors.Is(err, webauthn.ErrChallengeExpired):
		return http.StatusBadRequest, KindChallengeExpired
	case errors.Is(err, webauthn.ErrUnknownUser):
		return http.StatusNotFound, KindUnknownUser
	case errors.Is(err, webauthn.ErrVerificationFailed):
		return http.StatusUnauthorized, KindVerificationFailed
	case errors.Is(err, webauthn.ErrReplayDetected):
		return http.StatusUnauthorized, KindReplayDetected
	case errors.Is(err, webauthn.ErrDuplicateCredential):
		return http.StatusConflict, KindDuplicateCredential
	case errors.Is(err, webauthn.ErrCryptoRejected):
		return http.StatusInternalServerError, KindCryptoRejected
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, KindInvalidRequest
	case errors.Is(err, proxy.ErrUnreachable):
		return http.StatusBadGateway, KindProxyUnreachable
	case errors.Is(err, proxy.ErrHandshakeFailed):
		return http.StatusBadGateway, KindTLSHandshakeFailed
	default:
		return http.StatusInternalServerError, KindInternalError
	}
}

// writeError writes the uniform error body for an internal error.
func writeError(w http.ResponseWriter, err error) {
	statusCode, kind := classifyError(err)
	writeJSON(w, ErrorResponse{
		Error: http.StatusText(statusCode),
		Kind:  kind,
		Code:  statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
