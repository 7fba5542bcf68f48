// Package memstore is an in-process CredentialStore used for tests and
// single-instance deployments without a database.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"entity-registry/internal/auth"
)

type Store struct {
	mu           sync.RWMutex
	byID         map[string]*auth.Credential
	byIdentifier map[string]string
	now          func() time.Time
}

func New() *Store {
	return &Store{
		byID:         make(map[string]*auth.Credential),
		byIdentifier: make(map[string]string),
		now:          time.Now,
	}
}

func (s *Store) FindByIdentifier(ctx context.Context, identifier string) (*auth.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byIdentifier[auth.NormalizeIdentifier(identifier)]
	if !ok {
		return nil, auth.ErrCredentialNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *Store) FindByField(ctx context.Context, field auth.Field, value string) (*auth.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !field.Valid() {
		return nil, auth.ErrInvalidArgument
	}
	if value == "" {
		return nil, auth.ErrCredentialNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if field == auth.FieldID {
		cred, ok := s.byID[value]
		if !ok {
			return nil, auth.ErrCredentialNotFound
		}
		return cred.Clone(), nil
	}

	for _, cred := range s.byID {
		if auth.TokenHashFor(cred, field) == value {
			return cred.Clone(), nil
		}
	}
	return nil, auth.ErrCredentialNotFound
}

func (s *Store) Create(ctx context.Context, credential *auth.Credential) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if credential == nil || credential.Identifier == "" {
		return "", auth.ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := auth.NormalizeIdentifier(credential.Identifier)
	if _, exists := s.byIdentifier[key]; exists {
		return "", auth.ErrDuplicateIdentity
	}

	stored := credential.Clone()
	if stored.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		stored.ID = id.String()
	}
	if _, exists := s.byID[stored.ID]; exists {
		return "", auth.ErrDuplicateIdentity
	}

	now := s.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Version = 1

	s.byID[stored.ID] = stored
	s.byIdentifier[key] = stored.ID
	return stored.ID, nil
}

func (s *Store) Update(ctx context.Context, id string, update auth.CredentialUpdate, pre auth.Precondition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := update.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[id]
	if !ok {
		return false, auth.ErrCredentialNotFound
	}
	if !pre.Matches(cred) {
		return false, nil
	}
	if update.Empty() {
		return true, nil
	}

	update.Apply(cred)
	cred.Version++
	cred.UpdatedAt = s.now().UTC()
	return true, nil
}

// Len reports how many credentials are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// CleanupStaleAuthData clears expired reset and verification grants and
// sessions whose refresh window has closed. The store keeps no per-IP state,
// so ipRetention and batchSize are ignored.
func (s *Store) CleanupStaleAuthData(ctx context.Context, now time.Time, _ time.Duration, _ int) (auth.CleanupResult, error) {
	if err := ctx.Err(); err != nil {
		return auth.CleanupResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result auth.CleanupResult
	for _, cred := range s.byID {
		dirty := false
		if cred.PasswordReset != nil && !cred.PasswordReset.Valid(now) {
			cred.PasswordReset = nil
			result.ClearedResetTokens++
			dirty = true
		}
		if cred.EmailVerification != nil && !cred.EmailVerification.Valid(now) {
			cred.EmailVerification = nil
			result.ClearedVerificationTokens++
			dirty = true
		}
		if cred.Session != nil && !now.Before(cred.Session.RefreshExpiresAt) {
			cred.Session = nil
			result.ClearedSessions++
			dirty = true
		}
		if dirty {
			cred.Version++
			cred.UpdatedAt = now.UTC()
		}
	}
	return result, nil
}
