// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

package gateway

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passkeymesh/gateway/internal/config"
	"github.com/passkeymesh/gateway/internal/testutil"
	"github.com/passkeymesh/gateway/pkg/proxy"
)

const testOrigin = "https://example.com"

// testEnv is a fully wired gateway in front of a PQC mTLS test backend.
type testEnv struct {
	server *Server
	rp     virtualwebauthn.RelyingParty
}

// startBackend runs a TLS 1.3 server that requires client certificates and
// the hybrid post-quantum key exchange.
func startBackend(t *testing.T, ca *testutil.TestCA, handler http.Handler) string {
	t.Helper()

	serverCert, err := testutil.GenerateTestServerCert(ca, "localhost")
	require.NoError(t, err)

	clientPool := x509.NewCertPool()
	require.True(t, clientPool.AppendCertsFromPEM(ca.CertPEM))

	rawListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listener := tls.NewListener(rawListener, &tls.Config{
		Certificates:     []tls.Certificate{serverCert.TLSCert},
		ClientCAs:        clientPool,
		ClientAuth:       tls.RequireAndVerifyClientCert,
		MinVersion:       tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{tls.X25519MLKEM768},
	})

	httpServer := &http.Server{Handler: handler}
	go httpServer.Serve(listener)
	t.Cleanup(func() { httpServer.Close() })

	_, port, err := net.SplitHostPort(rawListener.Addr().String())
	require.NoError(t, err)
	return "https://localhost:" + port
}

func newTestEnv(t *testing.T, backendHandler http.Handler) *testEnv {
	t.Helper()

	ca, err := testutil.GenerateTestCA()
	require.NoError(t, err)
	backendURL := startBackend(t, ca, backendHandler)

	clientCert, err := testutil.GenerateTestClientCert(ca, "gateway-test")
	require.NoError(t, err)

	dir := t.TempDir()
	certPath, err := testutil.WriteFile(dir, "client.crt", clientCert.CertPEM)
	require.NoError(t, err)
	keyPath, err := testutil.WriteFile(dir, "client.key", clientCert.KeyPEM)
	require.NoError(t, err)
	caPath, err := testutil.WriteFile(dir, "ca.crt", ca.CertPEM)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.WebAuthn.RPID = "example.com"
	cfg.WebAuthn.RPDisplayName = "Example Corp"
	cfg.WebAuthn.RPOrigins = []string{testOrigin}
	cfg.Token.Secret = "test-secret-0123456789abcdef"
	cfg.Proxy = proxy.Config{
		URL:            backendURL,
		ClientCertPath: certPath,
		ClientKeyPath:  keyPath,
		CACertPath:     caPath,
		Timeout:        5 * time.Second,
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	server, err := NewServer(cfg, nil, "test")
	require.NoError(t, err)

	return &testEnv{
		server: server,
		rp: virtualwebauthn.RelyingParty{
			Name:   cfg.WebAuthn.RPDisplayName,
			ID:     cfg.WebAuthn.RPID,
			Origin: testOrigin,
		},
	}
}

func defaultBackendHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"backend":"ok"}`))
	})
}

// do sends a request through the gateway router and decodes the JSON reply.
func (env *testEnv) do(t *testing.T, method, path string, body any, header http.Header) (*httptest.ResponseRecorder, []byte) {
	t.Helper()

	var reqBody *bytes.Reader
	if raw, ok := body.([]byte); ok {
		reqBody = bytes.NewReader(raw)
	} else if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec, rec.Body.Bytes()
}

// register runs the full registration flow over HTTP.
func (env *testEnv) register(t *testing.T, username string) (virtualwebauthn.Authenticator, *virtualwebauthn.Credential) {
	t.Helper()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	rec, body := env.do(t, http.MethodPost, "/auth/register", ChallengeRequest{Username: username}, nil)
	require.Equal(t, http.StatusOK, rec.Code, string(body))

	parsedOptions, err := virtualwebauthn.ParseAttestationOptions(string(body))
	require.NoError(t, err)
	attestation := virtualwebauthn.CreateAttestationResponse(env.rp, authenticator, credential, *parsedOptions)

	verifyBody, err := json.Marshal(map[string]any{
		"username":   username,
		"credential": json.RawMessage(attestation),
	})
	require.NoError(t, err)
	rec, body = env.do(t, http.MethodPost, "/auth/verify-register", verifyBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, string(body))

	authenticator.AddCredential(credential)
	return authenticator, &credential
}

// login runs the full authentication flow over HTTP and returns the token.
func (env *testEnv) login(t *testing.T, username string, authenticator virtualwebauthn.Authenticator, credential *virtualwebauthn.Credential) string {
	t.Helper()

	rec, body := env.do(t, http.MethodPost, "/auth/login", ChallengeRequest{Username: username}, nil)
	require.Equal(t, http.StatusOK, rec.Code, string(body))

	parsedOptions, err := virtualwebauthn.ParseAssertionOptions(string(body))
	require.NoError(t, err)
	credential.Counter++
	assertion := virtualwebauthn.CreateAssertionResponse(env.rp, authenticator, *credential, *parsedOptions)

	verifyBody, err := json.Marshal(map[string]any{
		"username":   username,
		"credential": json.RawMessage(assertion),
	})
	require.NoError(t, err)
	rec, body = env.do(t, http.MethodPost, "/auth/verify-login", verifyBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, string(body))

	var tokenResp TokenResponse
	require.NoError(t, json.Unmarshal(body, &tokenResp))
	require.NotEmpty(t, tokenResp.Token)
	return tokenResp.Token
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, defaultBackendHandler())

	rec, body := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
}

func TestServer_RegistrationAndLogin(t *testing.T) {
	env := newTestEnv(t, defaultBackendHandler())

	authenticator, credential := env.register(t, "alice")
	token := env.login(t, "alice", authenticator, credential)
	assert.NotEmpty(t, token)
}

func TestServer_APIVerify_GuestMode(t *testing.T) {
	env := newTestEnv(t, defaultBackendHandler())

	rec, body := env.do(t, http.MethodGet, "/api/auth/verify", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, string(body))

	var resp APIVerifyResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.False(t, resp.Authenticated)
	assert.Nil(t, resp.UserInfo)
	assert.Equal(t, http.StatusOK, resp.UpstreamStatus)
	assert.NotNil(t, resp.UpstreamResult)
	require.NotNil(t, resp.HandshakeInfo)
	assert.True(t, resp.HandshakeInfo.PQCActive)
	assert.Equal(t, "X25519MLKEM768", resp.HandshakeInfo.KeyExchange)
	assert.Equal(t, "TLS 1.3", resp.HandshakeInfo.Protocol)
}

func TestServer_APIVerify_WithValidToken(t *testing.T) {
	env := newTestEnv(t, defaultBackendHandler())

	authenticator, credential := env.register(t, "bob")
	token := env.login(t, "bob", authenticator, credential)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	rec, body := env.do(t, http.MethodGet, "/api/auth/verify", nil, header)
	require.Equal(t, http.StatusOK, rec.Code, string(body))

	var resp APIVerifyResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Authenticated)
	require.NotNil(t, resp.UserInfo)
	assert.Equal(t, "bob", *resp.UserInfo)
}

func TestServer_APIVerify_InvalidTokenDegradesToGuest(t *testing.T) {
	var sawAuthHeader string
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuthHeader = r.Header.Get("Authorization")
		w.Write([]byte(`{"backend":"ok"}`))
	}))

	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-token")
	rec, body := env.do(t, http.MethodGet, "/api/auth/verify", nil, header)
	require.Equal(t, http.StatusOK, rec.Code, string(body))

	var resp APIVerifyResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.False(t, resp.Authenticated)
	assert.Nil(t, resp.UserInfo)

	// The header is still forwarded; the backend decides for itself.
	assert.Equal(t, "Bearer not-a-token", sawAuthHeader)
}

func TestServer_APIVerify_ForcesUpstreamConsistency(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"authenticated":true,"user_info":"mallory"}`))
	}))

	rec, body := env.do(t, http.MethodGet, "/api/auth/verify", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, string(body))

	var resp APIVerifyResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.False(t, resp.Authenticated)

	upstream, ok := resp.UpstreamResult.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, upstream["authenticated"])
	assert.NotContains(t, upstream, "user_info")
}

func TestServer_APIVerify_UpstreamErrorPassesThrough(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))

	rec, body := env.do(t, http.MethodGet, "/api/auth/verify", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, string(body))

	var resp APIVerifyResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "upstream_error", resp.Status)
	assert.Equal(t, http.StatusInternalServerError, resp.UpstreamStatus)
}

func TestServer_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, defaultBackendHandler())

	// Login for a username nobody registered
	rec, body := env.do(t, http.MethodPost, "/auth/login", ChallengeRequest{Username: "nobody"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, KindUnknownUser, errResp.Kind)

	// Completing a ceremony that was never begun
	verifyBody, err := json.Marshal(map[string]any{
		"username":   "alice",
		"credential": map[string]any{"id": "zzz"},
	})
	require.NoError(t, err)
	rec, body = env.do(t, http.MethodPost, "/auth/verify-register", verifyBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, KindVerificationFailed, errResp.Kind)

	// Malformed JSON body
	rec, body = env.do(t, http.MethodPost, "/auth/register", []byte("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, KindInvalidRequest, errResp.Kind)
}

func TestServer_ChallengeConsumedOnFailedVerify(t *testing.T) {
	env := newTestEnv(t, defaultBackendHandler())

	rec, body := env.do(t, http.MethodPost, "/auth/register", ChallengeRequest{Username: "carol"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, string(body))

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	parsedOptions, err := virtualwebauthn.ParseAttestationOptions(string(body))
	require.NoError(t, err)
	attestation := virtualwebauthn.CreateAttestationResponse(env.rp, authenticator, credential, *parsedOptions)

	// First verify succeeds and consumes the challenge
	verifyBody, err := json.Marshal(map[string]any{
		"username":   "carol",
		"credential": json.RawMessage(attestation),
	})
	require.NoError(t, err)
	rec, _ = env.do(t, http.MethodPost, "/auth/verify-register", verifyBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Replaying the same attestation finds no pending challenge
	rec, respBody := env.do(t, http.MethodPost, "/auth/verify-register", verifyBody, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(respBody, &errResp))
	assert.Equal(t, KindNoPendingChallenge, errResp.Kind)
}

func TestServer_ProxyUnreachable(t *testing.T) {
	env := newTestEnv(t, defaultBackendHandler())

	// Point the proxy at a port nothing listens on
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	listener.Close()

	env.server.config.Proxy.URL = "https://localhost:" + port
	backend, err := proxy.NewClient(&env.server.config.Proxy, env.server.logger)
	require.NoError(t, err)
	env.server.handlers.backend = backend

	rec, body := env.do(t, http.MethodGet, "/api/auth/verify", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, KindProxyUnreachable, errResp.Kind)
}

func TestServer_CORS(t *testing.T) {
	env := newTestEnv(t, defaultBackendHandler())

	header := http.Header{}
	header.Set("Origin", testOrigin)
	rec, _ := env.do(t, http.MethodOptions, "/auth/register", nil, header)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))

	header.Set("Origin", "https://evil.example.net")
	rec, _ = env.do(t, http.MethodOptions, "/auth/register", nil, header)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
