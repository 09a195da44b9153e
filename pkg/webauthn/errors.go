// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

package webauthn

import (
	"errors"
	"fmt"
)

// Sentinel errors for ceremony operations. These are the only failure kinds
// surfaced to callers; underlying library detail is wrapped and logged
// server-side, never returned to clients.
var (
	// ErrNoPendingChallenge is returned when a verify call arrives without a
	// matching pending challenge for the (username, kind) pair.
	ErrNoPendingChallenge = errors.New("no pending challenge")

	// ErrChallengeExpired is returned when the pending challenge outlived its TTL.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrUnknownUser is returned when the username has no usable account.
	ErrUnknownUser = errors.New("unknown user")

	// ErrVerificationFailed is returned when attestation or assertion
	// verification is rejected.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrReplayDetected is returned when an assertion presents a sign counter
	// that is not strictly greater than the stored one.
	ErrReplayDetected = errors.New("replay detected")

	// ErrCryptoRejected is returned when the WebAuthn library rejects the
	// inputs while building a ceremony.
	ErrCryptoRejected = errors.New("ceremony construction rejected")

	// ErrDuplicateCredential is returned when a credential ID is already
	// registered.
	ErrDuplicateCredential = errors.New("duplicate credential")
)

// WebAuthnError wraps an error with the operation that produced it.
type WebAuthnError struct {
	Op  string
	Err error
}

// Error returns the error message.
func (e *WebAuthnError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *WebAuthnError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with an operation name if it is not nil.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &WebAuthnError{Op: op, Err: err}
}
