// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

package webauthn

import (
	"hash/fnv"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// CeremonyKind distinguishes the two WebAuthn ceremony types. A pending
// challenge for one kind never satisfies a verify call of the other.
type CeremonyKind string

const (
	// CeremonyRegistration is the credential creation ceremony.
	CeremonyRegistration CeremonyKind = "registration"

	// CeremonyAuthentication is the assertion ceremony.
	CeremonyAuthentication CeremonyKind = "authentication"
)

// User is a gateway account identified by username. The Handle is a stable
// byte identifier derived from the username and is what authenticators see
// as the user handle.
type User struct {
	Handle      []byte
	Name        string
	DisplayName string
	CreatedAt   time.Time
}

// WebAuthnID returns the user handle.
func (u *User) WebAuthnID() []byte {
	return u.Handle
}

// WebAuthnName returns the username.
func (u *User) WebAuthnName() string {
	return u.Name
}

// WebAuthnDisplayName returns the display name.
func (u *User) WebAuthnDisplayName() string {
	return u.DisplayName
}

// WebAuthnCredentials returns nil; credential lookup goes through the store.
func (u *User) WebAuthnCredentials() []webauthn.Credential {
	return nil
}

// GenerateUserHandle derives a deterministic 8-byte handle from a username
// using FNV-1a. The same username always maps to the same handle, so repeat
// registrations attach to the same account.
func GenerateUserHandle(username string) []byte {
	h := fnv.New64a()
	h.Write([]byte(username))
	return h.Sum(nil)
}

// Credential is a stored public-key credential bound to a user.
type Credential struct {
	ID        []byte
	PublicKey []byte
	Username  string

	// AttestationType records how the credential attested at registration.
	AttestationType string

	// Transports lists the authenticator transports reported at registration.
	Transports []string

	// Flags captures the authenticator flags from the registration ceremony.
	Flags CredentialFlags

	// Authenticator holds AAGUID and the last verified sign counter.
	Authenticator AuthenticatorData

	CreatedAt  time.Time
	LastUsedAt time.Time
}

// CredentialFlags are the authenticator state bits recorded with a credential.
type CredentialFlags struct {
	UserPresent    bool
	UserVerified   bool
	BackupEligible bool
	BackupState    bool
}

// AuthenticatorData identifies the authenticator and tracks its sign counter.
type AuthenticatorData struct {
	AAGUID    []byte
	SignCount uint32
}

// ToWebAuthn converts the stored credential to the library representation.
func (c *Credential) ToWebAuthn() webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    c.Flags.UserPresent,
			UserVerified:   c.Flags.UserVerified,
			BackupEligible: c.Flags.BackupEligible,
			BackupState:    c.Flags.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.Authenticator.AAGUID,
			SignCount: c.Authenticator.SignCount,
		},
	}
}

// FromWebAuthnCredential builds a stored credential from a freshly verified
// library credential.
func FromWebAuthnCredential(username string, cred *webauthn.Credential) *Credential {
	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	now := time.Now()
	return &Credential{
		ID:              cred.ID,
		PublicKey:       cred.PublicKey,
		Username:        username,
		AttestationType: cred.AttestationType,
		Transports:      transports,
		Flags: CredentialFlags{
			UserPresent:    cred.Flags.UserPresent,
			UserVerified:   cred.Flags.UserVerified,
			BackupEligible: cred.Flags.BackupEligible,
			BackupState:    cred.Flags.BackupState,
		},
		Authenticator: AuthenticatorData{
			AAGUID:    cred.Authenticator.AAGUID,
			SignCount: cred.Authenticator.SignCount,
		},
		CreatedAt:  now,
		LastUsedAt: now,
	}
}

// ChallengeSession is a pending ceremony challenge. Sessions are single use:
// the store removes them on first retrieval regardless of outcome.
type ChallengeSession struct {
	ID        string
	Username  string
	Kind      CeremonyKind
	Data      webauthn.SessionData
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session TTL has elapsed.
func (s *ChallengeSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
