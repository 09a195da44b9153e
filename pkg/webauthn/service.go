// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

package webauthn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/passkeymesh/gateway/pkg/logging"
)

// TokenIssuer mints a session token for an authenticated user.
type TokenIssuer interface {
	Issue(userHandle []byte, username string) (string, error)
}

// Service orchestrates WebAuthn registration and authentication ceremonies
// against a Store. A successful authentication yields a session token from
// the configured TokenIssuer.
type Service struct {
	webauthn *webauthn.WebAuthn
	config   *Config
	store    Store
	issuer   TokenIssuer
	logger   *logging.Logger
}

// ServiceParams contains dependencies for creating a Service.
type ServiceParams struct {
	// Config is the relying party configuration (required).
	Config *Config

	// Store is the user, credential and session persistence layer (required).
	Store Store

	// Issuer mints session tokens after successful authentication (required).
	Issuer TokenIssuer

	// Logger is optional; a default logger is used when nil.
	Logger *logging.Logger
}

// NewService creates a new ceremony service with the provided dependencies.
func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}

	params.Config.SetDefaults()
	if err := params.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	wa, err := webauthn.New(params.Config.ToWebAuthnConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn instance: %w", err)
	}

	logger := params.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Service{
		webauthn: wa,
		config:   params.Config,
		store:    params.Store,
		issuer:   params.Issuer,
		logger:   logger,
	}, nil
}

// BeginRegistration starts a registration ceremony for a username, creating
// the account on first sight. Any earlier pending registration challenge for
// the username is replaced.
func (s *Service) BeginRegistration(ctx context.Context, username, displayName string) (*protocol.CredentialCreation, error) {
	user, err := s.store.GetOrCreateUser(username, displayName)
	if err != nil {
		return nil, WrapError("get or create user", err)
	}

	// Exclude credentials already bound to this account so the browser
	// refuses to re-register the same authenticator.
	existing, err := s.store.ListCredentials(username)
	if err != nil {
		return nil, WrapError("list credentials", err)
	}
	excludeList := make([]protocol.CredentialDescriptor, len(existing))
	for i, cred := range existing {
		excludeList[i] = protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
		}
	}

	options, session, err := s.webauthn.BeginRegistration(user,
		webauthn.WithExclusions(excludeList),
	)
	if err != nil {
		s.logger.Error("begin registration rejected", "username", username, "error", err)
		return nil, WrapError("begin registration", ErrCryptoRejected)
	}

	if err := s.store.StartSession(&ChallengeSession{
		Username: username,
		Kind:     CeremonyRegistration,
		Data:     *session,
	}); err != nil {
		return nil, WrapError("save session", err)
	}

	return options, nil
}

// FinishRegistration completes a registration ceremony. The pending challenge
// is consumed whether or not verification succeeds.
func (s *Service) FinishRegistration(ctx context.Context, username string, response *protocol.ParsedCredentialCreationData) error {
	session, err := s.store.TakeSession(username, CeremonyRegistration)
	if err != nil {
		return err
	}

	user, err := s.store.GetUser(username)
	if err != nil {
		return WrapError("get user", err)
	}

	credential, err := s.webauthn.CreateCredential(user, session.Data, response)
	if err != nil {
		s.logger.Info("registration verification failed", "username", username, "error", err)
		return WrapError("create credential", ErrVerificationFailed)
	}

	cred := FromWebAuthnCredential(username, credential)
	if err := s.store.RegisterCredential(cred); err != nil {
		return WrapError("register credential", err)
	}

	s.logger.Info("credential registered", "username", username, "aaguid", fmt.Sprintf("%x", cred.Authenticator.AAGUID))
	return nil
}

// BeginAuthentication starts an authentication ceremony for a username. The
// username must have at least one registered credential. Any earlier pending
// authentication challenge for the username is replaced.
func (s *Service) BeginAuthentication(ctx context.Context, username string) (*protocol.CredentialAssertion, error) {
	user, err := s.store.GetUser(username)
	if err != nil {
		return nil, err
	}

	creds, err := s.store.ListCredentials(username)
	if err != nil {
		return nil, WrapError("list credentials", err)
	}
	if len(creds) == 0 {
		return nil, ErrUnknownUser
	}

	allowList := make([]protocol.CredentialDescriptor, len(creds))
	for i, cred := range creds {
		allowList[i] = protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
		}
	}

	options, session, err := s.webauthn.BeginLogin(
		userWithCredentials{user: user, service: s},
		webauthn.WithAllowedCredentials(allowList),
	)
	if err != nil {
		s.logger.Error("begin authentication rejected", "username", username, "error", err)
		return nil, WrapError("begin login", ErrCryptoRejected)
	}

	if err := s.store.StartSession(&ChallengeSession{
		Username: username,
		Kind:     CeremonyAuthentication,
		Data:     *session,
	}); err != nil {
		return nil, WrapError("save session", err)
	}

	return options, nil
}

// FinishAuthentication completes an authentication ceremony and returns a
// session token on success. The pending challenge is consumed whether or not
// verification succeeds.
func (s *Service) FinishAuthentication(ctx context.Context, username string, response *protocol.ParsedCredentialAssertionData) (string, error) {
	session, err := s.store.TakeSession(username, CeremonyAuthentication)
	if err != nil {
		return "", err
	}

	user, err := s.store.GetUser(username)
	if err != nil {
		return "", err
	}

	validated, err := s.webauthn.ValidateLogin(userWithCredentials{user: user, service: s}, session.Data, response)
	if err != nil {
		s.logger.Info("authentication verification failed", "username", username, "error", err)
		return "", WrapError("validate login", ErrVerificationFailed)
	}

	stored, err := s.findCredential(username, validated.ID)
	if err != nil {
		return "", WrapError("lookup credential", err)
	}

	if err := s.checkSignCount(stored, validated); err != nil {
		s.logger.Warn("assertion rejected",
			"username", username,
			"stored_count", stored.Authenticator.SignCount,
			"presented_count", validated.Authenticator.SignCount)
		return "", err
	}

	// The counter advance re-checks the stored value under the store lock;
	// a concurrent assertion that won the race leaves a stale expectation
	// here and this one is rejected.
	err = s.store.UpdateSignCount(stored.ID, stored.Authenticator.SignCount, validated.Authenticator.SignCount, time.Now())
	if err != nil {
		if errors.Is(err, ErrReplayDetected) {
			return "", ErrReplayDetected
		}
		return "", WrapError("update sign count", err)
	}

	token, err := s.issuer.Issue(user.Handle, username)
	if err != nil {
		return "", WrapError("issue token", err)
	}

	s.logger.Info("authentication succeeded", "username", username)
	return token, nil
}

// checkSignCount enforces sign counter monotonicity. Authenticators that do
// not implement a counter report zero forever; that case is allowed. Any
// other non-increasing counter, or a library clone warning, is a replay.
func (s *Service) checkSignCount(stored *Credential, validated *webauthn.Credential) error {
	if validated.Authenticator.CloneWarning {
		return ErrReplayDetected
	}
	newCount := validated.Authenticator.SignCount
	oldCount := stored.Authenticator.SignCount
	if newCount == 0 && oldCount == 0 {
		return nil
	}
	if newCount <= oldCount {
		return ErrReplayDetected
	}
	return nil
}

func (s *Service) findCredential(username string, credentialID []byte) (*Credential, error) {
	creds, err := s.store.ListCredentials(username)
	if err != nil {
		return nil, err
	}
	for _, cred := range creds {
		if string(cred.ID) == string(credentialID) {
			return cred, nil
		}
	}
	return nil, ErrVerificationFailed
}

// userWithCredentials adapts a stored user so the library sees the user's
// credentials during login validation.
type userWithCredentials struct {
	user    *User
	service *Service
}

func (u userWithCredentials) WebAuthnID() []byte          { return u.user.Handle }
func (u userWithCredentials) WebAuthnName() string        { return u.user.Name }
func (u userWithCredentials) WebAuthnDisplayName() string { return u.user.DisplayName }

func (u userWithCredentials) WebAuthnCredentials() []webauthn.Credential {
	creds, err := u.service.store.ListCredentials(u.user.Name)
	if err != nil {
		return nil
	}
	out := make([]webauthn.Credential, 0, len(creds))
	for _, cred := range creds {
		out = append(out, cred.ToWebAuthn())
	}
	return out
}
