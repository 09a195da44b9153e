// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

package webauthn

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists users, credentials and pending challenge sessions.
type Store interface {
	// GetOrCreateUser returns the user for a username, creating the account
	// on first sight.
	GetOrCreateUser(username, displayName string) (*User, error)

	// GetUser returns the user for a username or ErrUnknownUser.
	GetUser(username string) (*User, error)

	// RegisterCredential stores a new credential. The credential ID must be
	// unique across all users; a collision returns ErrDuplicateCredential.
	RegisterCredential(cred *Credential) error

	// ListCredentials returns all credentials bound to a username. Returned
	// records are snapshots; mutating them does not affect the store.
	ListCredentials(username string) ([]*Credential, error)

	// UpdateSignCount atomically advances a credential's sign counter from
	// expected to count and stamps its last-use time. The compare and the
	// update happen under one lock; if another assertion advanced the
	// counter first the expectation no longer holds and the call fails
	// with ErrReplayDetected.
	UpdateSignCount(credentialID []byte, expected, count uint32, usedAt time.Time) error

	// StartSession stores a pending challenge for (username, kind), replacing
	// any earlier pending challenge for the same pair.
	StartSession(session *ChallengeSession) error

	// TakeSession removes and returns the pending challenge for
	// (username, kind). The session is removed whether or not it is still
	// valid; an expired session returns ErrChallengeExpired, a missing one
	// ErrNoPendingChallenge.
	TakeSession(username string, kind CeremonyKind) (*ChallengeSession, error)

	// Cleanup removes all expired pending challenges and returns the count.
	Cleanup() int
}

// MemoryStore is an in-memory Store. All maps are guarded by a single mutex;
// credential IDs are indexed by their hex encoding.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*User
	credentials map[string]*Credential        // hex(credential ID) -> credential
	byUser      map[string][]string           // username -> hex credential IDs
	sessions    map[string]*ChallengeSession  // username|kind -> pending session
	sessionTTL  time.Duration
}

// NewMemoryStore creates a MemoryStore whose pending challenges expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*User),
		credentials: make(map[string]*Credential),
		byUser:      make(map[string][]string),
		sessions:    make(map[string]*ChallengeSession),
		sessionTTL:  ttl,
	}
}

func sessionKey(username string, kind CeremonyKind) string {
	return username + "|" + string(kind)
}

// GetOrCreateUser returns the user for a username, creating it if needed.
func (s *MemoryStore) GetOrCreateUser(username, displayName string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user, ok := s.users[username]; ok {
		return user, nil
	}
	if displayName == "" {
		displayName = username
	}
	user := &User{
		Handle:      GenerateUserHandle(username),
		Name:        username,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
	}
	s.users[username] = user
	return user, nil
}

// GetUser returns the user for a username.
func (s *MemoryStore) GetUser(username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[username]
	if !ok {
		return nil, ErrUnknownUser
	}
	return user, nil
}

// RegisterCredential stores a new credential, enforcing global ID uniqueness.
func (s *MemoryStore) RegisterCredential(cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hex.EncodeToString(cred.ID)
	if _, ok := s.credentials[key]; ok {
		return ErrDuplicateCredential
	}
	s.credentials[key] = cred
	s.byUser[cred.Username] = append(s.byUser[cred.Username], key)
	return nil
}

// ListCredentials returns snapshots of all credentials bound to a username.
// Copies keep callers from mutating store state outside the lock.
func (s *MemoryStore) ListCredentials(username string) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byUser[username]
	creds := make([]*Credential, 0, len(keys))
	for _, key := range keys {
		if cred, ok := s.credentials[key]; ok {
			snapshot := *cred
			creds = append(creds, &snapshot)
		}
	}
	return creds, nil
}

// UpdateSignCount atomically advances a credential's sign counter. The
// expectation check makes concurrent assertions against the same credential
// serialize: the second one observes the advanced counter and is rejected.
func (s *MemoryStore) UpdateSignCount(credentialID []byte, expected, count uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hex.EncodeToString(credentialID)
	cred, ok := s.credentials[key]
	if !ok {
		return WrapError("update sign count", ErrUnknownUser)
	}
	if cred.Authenticator.SignCount != expected {
		return ErrReplayDetected
	}
	cred.Authenticator.SignCount = count
	cred.LastUsedAt = usedAt
	return nil
}

// StartSession stores a pending challenge, replacing any prior one for the
// same (username, kind) pair.
func (s *MemoryStore) StartSession(session *ChallengeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = now.Add(s.sessionTTL)
	}
	s.sessions[sessionKey(session.Username, session.Kind)] = session
	return nil
}

// TakeSession removes and returns the pending challenge for (username, kind).
func (s *MemoryStore) TakeSession(username string, kind CeremonyKind) (*ChallengeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(username, kind)
	session, ok := s.sessions[key]
	if !ok {
		return nil, ErrNoPendingChallenge
	}
	delete(s.sessions, key)
	if session.Expired(time.Now()) {
		return nil, ErrChallengeExpired
	}
	return session, nil
}

// Cleanup removes expired pending challenges and returns how many were removed.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine launches a goroutine that periodically removes expired
// sessions until stop is closed.
func (s *MemoryStore) StartCleanupRoutine(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}
