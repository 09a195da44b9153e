// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/passkeymesh/gateway/pkg/logging"
	"github.com/passkeymesh/gateway/pkg/metrics"
	"github.com/passkeymesh/gateway/pkg/proxy"
	"github.com/passkeymesh/gateway/pkg/token"
	"github.com/passkeymesh/gateway/pkg/webauthn"
)

const backendVerifyPath = "/api/auth/verify"

// Handlers implements the gateway's HTTP endpoints.
type Handlers struct {
	ceremonies *webauthn.Service
	tokens     *token.Service
	backend    *proxy.Client
	logger     *logging.Logger
	version    string
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(ceremonies *webauthn.Service, tokens *token.Service, backend *proxy.Client, logger *logging.Logger, version string) *Handlers {
	return &Handlers{
		ceremonies: ceremonies,
		tokens:     tokens,
		backend:    backend,
		logger:     logger,
		version:    version,
	}
}

// RegisterBegin handles POST /auth/register.
func (h *Handlers) RegisterBegin(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, ErrInvalidRequest)
		return
	}

	options, err := h.ceremonies.BeginRegistration(r.Context(), req.Username, req.DisplayName)
	if err != nil {
		h.logger.Error("begin registration failed", "username", req.Username, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, options, http.StatusOK)
}

// RegisterFinish handles POST /auth/verify-register.
func (h *Handlers) RegisterFinish(w http.ResponseWriter, r *http.Request) {
	req, parsed, err := parseVerifyRequest(r, func(raw []byte) (*protocol.ParsedCredentialCreationData, error) {
		return protocol.ParseCredentialCreationResponseBody(bytes.NewReader(raw))
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.ceremonies.FinishRegistration(r.Context(), req.Username, parsed); err != nil {
		h.logger.Error("registration failed", "username", req.Username, "error", err)
		metrics.RecordCeremony(string(webauthn.CeremonyRegistration), metrics.StatusError)
		writeError(w, err)
		return
	}

	metrics.RecordCeremony(string(webauthn.CeremonyRegistration), metrics.StatusSuccess)
	writeJSON(w, StatusResponse{Status: "success"}, http.StatusOK)
}

// LoginBegin handles POST /auth/login.
func (h *Handlers) LoginBegin(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, ErrInvalidRequest)
		return
	}

	options, err := h.ceremonies.BeginAuthentication(r.Context(), req.Username)
	if err != nil {
		h.logger.Error("begin authentication failed", "username", req.Username, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, options, http.StatusOK)
}

// LoginFinish handles POST /auth/verify-login.
func (h *Handlers) LoginFinish(w http.ResponseWriter, r *http.Request) {
	req, parsed, err := parseVerifyRequest(r, func(raw []byte) (*protocol.ParsedCredentialAssertionData, error) {
		return protocol.ParseCredentialRequestResponseBody(bytes.NewReader(raw))
	})
	if err != nil {
		writeError(w, err)
		return
	}

	sessionToken, err := h.ceremonies.FinishAuthentication(r.Context(), req.Username, parsed)
	if err != nil {
		h.logger.Error("authentication failed", "username", req.Username, "error", err)
		metrics.RecordCeremony(string(webauthn.CeremonyAuthentication), metrics.StatusError)
		writeError(w, err)
		return
	}

	metrics.RecordCeremony(string(webauthn.CeremonyAuthentication), metrics.StatusSuccess)
	writeJSON(w, TokenResponse{Token: sessionToken}, http.StatusOK)
}

// parseVerifyRequest decodes a ceremony completion request and parses the
// embedded authenticator response. A body that does not decode is an
// invalid-request error; a credential the library cannot parse is a
// verification failure.
func parseVerifyRequest[T any](r *http.Request, parse func([]byte) (T, error)) (*VerifyRequest, T, error) {
	var zero T
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || len(req.Credential) == 0 {
		return nil, zero, ErrInvalidRequest
	}
	parsed, err := parse(req.Credential)
	if err != nil {
		return nil, zero, webauthn.WrapError("parse credential", webauthn.ErrVerificationFailed)
	}
	return &req, parsed, nil
}

// APIVerify handles GET and POST /api/auth/verify. The presented bearer token
// is verified locally for the authenticated/user_info fields, then the call is
// forwarded to the backend regardless of the outcome. An absent or invalid
// token degrades to guest mode rather than failing the request.
func (h *Handlers) APIVerify(w http.ResponseWriter, r *http.Request) {
	authenticated := false
	var userInfo *string

	authHeader := r.Header.Get("Authorization")
	if bearer, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		claims, err := h.tokens.Verify(bearer)
		if err != nil {
			h.logger.Info("token rejected", "error", err)
			metrics.RecordTokenVerification(metrics.StatusError)
		} else {
			authenticated = true
			userInfo = &claims.Name
			metrics.RecordTokenVerification(metrics.StatusSuccess)
		}
	}

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}

	header := http.Header{}
	if authHeader != "" {
		// The backend performs its own verification; the header is forwarded
		// even when the gateway rejected the token.
		header.Set("Authorization", authHeader)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}

	result, err := h.backend.Do(r.Context(), r.Method, backendVerifyPath, header, body)
	if err != nil {
		h.logger.Error("backend call failed", "error", err)
		metrics.RecordProxyRequest(metrics.StatusError)
		writeError(w, err)
		return
	}
	metrics.RecordProxyRequest(metrics.StatusSuccess)
	metrics.RecordProxyHandshake(result.Handshake.KeyExchange, result.Handshake.PQCActive)

	upstream := parseUpstreamBody(result.Body)
	if !authenticated {
		upstream = forceUnauthenticated(upstream)
	}

	status := "success"
	if result.StatusCode < 200 || result.StatusCode > 299 {
		status = "upstream_error"
	}

	writeJSON(w, APIVerifyResponse{
		Status:         status,
		UpstreamStatus: result.StatusCode,
		UpstreamResult: upstream,
		Authenticated:  authenticated,
		UserInfo:       userInfo,
		HandshakeInfo:  result.Handshake,
	}, http.StatusOK)
}

// parseUpstreamBody decodes the backend body as JSON when possible and falls
// back to the raw text otherwise.
func parseUpstreamBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}
	return decoded
}

// forceUnauthenticated rewrites an upstream result that claims an
// authenticated caller when the gateway's own verification said otherwise.
// The two verifiers share a signing key, so a disagreement means the upstream
// answer cannot be trusted as-is.
func forceUnauthenticated(upstream any) any {
	obj, ok := upstream.(map[string]any)
	if !ok {
		return upstream
	}
	if val, ok := obj["authenticated"].(bool); ok && val {
		obj["authenticated"] = false
		delete(obj, "user_info")
	}
	return obj
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{Status: "ok", Version: h.version}, http.StatusOK)
}
