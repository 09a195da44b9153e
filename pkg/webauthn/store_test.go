// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

package webauthn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetOrCreateUser(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	user, err := store.GetOrCreateUser("alice", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Name)
	assert.Equal(t, "Alice", user.DisplayName)
	assert.Equal(t, GenerateUserHandle("alice"), user.Handle)

	// Second call returns the same account
	again, err := store.GetOrCreateUser("alice", "Someone Else")
	require.NoError(t, err)
	assert.Same(t, user, again)
	assert.Equal(t, "Alice", again.DisplayName)
}

func TestMemoryStore_GetUser_Unknown(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	_, err := store.GetUser("nobody")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestGenerateUserHandle_Deterministic(t *testing.T) {
	a := GenerateUserHandle("alice")
	b := GenerateUserHandle("alice")
	c := GenerateUserHandle("bob")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 8)
}

func TestMemoryStore_RegisterCredential_DuplicateID(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	cred := &Credential{ID: []byte{1, 2, 3}, Username: "alice"}
	require.NoError(t, store.RegisterCredential(cred))

	// Same credential ID under a different user must be rejected
	dup := &Credential{ID: []byte{1, 2, 3}, Username: "bob"}
	err := store.RegisterCredential(dup)
	assert.ErrorIs(t, err, ErrDuplicateCredential)

	creds, err := store.ListCredentials("bob")
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestMemoryStore_ListCredentials(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	require.NoError(t, store.RegisterCredential(&Credential{ID: []byte{1}, Username: "alice"}))
	require.NoError(t, store.RegisterCredential(&Credential{ID: []byte{2}, Username: "alice"}))
	require.NoError(t, store.RegisterCredential(&Credential{ID: []byte{3}, Username: "bob"}))

	creds, err := store.ListCredentials("alice")
	require.NoError(t, err)
	assert.Len(t, creds, 2)

	creds, err = store.ListCredentials("bob")
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

func TestMemoryStore_ListCredentials_ReturnsSnapshots(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	require.NoError(t, store.RegisterCredential(&Credential{ID: []byte{9}, Username: "alice"}))

	creds, err := store.ListCredentials("alice")
	require.NoError(t, err)
	require.Len(t, creds, 1)

	// Mutating the returned record must not leak into the store
	creds[0].Authenticator.SignCount = 99

	again, err := store.ListCredentials("alice")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, uint32(0), again[0].Authenticator.SignCount)
}

func TestMemoryStore_UpdateSignCount(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	cred := &Credential{ID: []byte{9}, Username: "alice"}
	require.NoError(t, store.RegisterCredential(cred))

	usedAt := time.Now()
	require.NoError(t, store.UpdateSignCount([]byte{9}, 0, 42, usedAt))

	creds, err := store.ListCredentials("alice")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, uint32(42), creds[0].Authenticator.SignCount)
	assert.Equal(t, usedAt, creds[0].LastUsedAt)

	// A stale expectation means another assertion advanced the counter first
	err = store.UpdateSignCount([]byte{9}, 0, 43, time.Now())
	assert.ErrorIs(t, err, ErrReplayDetected)

	// Updating an unregistered credential fails
	err = store.UpdateSignCount([]byte{0xff}, 0, 1, time.Now())
	assert.Error(t, err)
}

func TestMemoryStore_TakeSession_SingleUse(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	require.NoError(t, store.StartSession(&ChallengeSession{
		Username: "alice",
		Kind:     CeremonyRegistration,
	}))

	session, err := store.TakeSession("alice", CeremonyRegistration)
	require.NoError(t, err)
	assert.Equal(t, "alice", session.Username)
	assert.NotEmpty(t, session.ID)

	// The session is gone after the first take
	_, err = store.TakeSession("alice", CeremonyRegistration)
	assert.ErrorIs(t, err, ErrNoPendingChallenge)
}

func TestMemoryStore_TakeSession_KindIsolation(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	require.NoError(t, store.StartSession(&ChallengeSession{
		Username: "alice",
		Kind:     CeremonyRegistration,
	}))

	// A registration challenge never satisfies an authentication verify
	_, err := store.TakeSession("alice", CeremonyAuthentication)
	assert.ErrorIs(t, err, ErrNoPendingChallenge)

	_, err = store.TakeSession("alice", CeremonyRegistration)
	assert.NoError(t, err)
}

func TestMemoryStore_TakeSession_Expired(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	require.NoError(t, store.StartSession(&ChallengeSession{
		Username:  "alice",
		Kind:      CeremonyAuthentication,
		ExpiresAt: time.Now().Add(-time.Second),
	}))

	_, err := store.TakeSession("alice", CeremonyAuthentication)
	assert.ErrorIs(t, err, ErrChallengeExpired)

	// The expired session was consumed too
	_, err = store.TakeSession("alice", CeremonyAuthentication)
	assert.ErrorIs(t, err, ErrNoPendingChallenge)
}

func TestMemoryStore_StartSession_ReplacesPending(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	first := &ChallengeSession{Username: "alice", Kind: CeremonyAuthentication}
	require.NoError(t, store.StartSession(first))
	second := &ChallengeSession{Username: "alice", Kind: CeremonyAuthentication}
	require.NoError(t, store.StartSession(second))

	session, err := store.TakeSession("alice", CeremonyAuthentication)
	require.NoError(t, err)
	assert.Equal(t, second.ID, session.ID)
	assert.NotEqual(t, first.ID, session.ID)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	require.NoError(t, store.StartSession(&ChallengeSession{
		Username:  "stale",
		Kind:      CeremonyRegistration,
		ExpiresAt: time.Now().Add(-time.Second),
	}))
	require.NoError(t, store.StartSession(&ChallengeSession{
		Username: "fresh",
		Kind:     CeremonyRegistration,
	}))

	removed := store.Cleanup()
	assert.Equal(t, 1, removed)

	_, err := store.TakeSession("fresh", CeremonyRegistration)
	assert.NoError(t, err)
}
