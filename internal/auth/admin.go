package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/oops"
)

// SeedAdmin makes sure an administrator credential exists for the configured
// identifier. An existing credential only has its password rotated when the
// configured one no longer matches.
func (s *Service) SeedAdmin(ctx context.Context, identifier, password string) error {
	identifier = NormalizeIdentifier(identifier)
	password = strings.TrimSpace(password)

	if identifier == "" && password == "" {
		return nil
	}
	if identifier == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together: %w", ErrInvalidArgument)
	}
	if !ValidIdentifier(identifier) {
		return fmt.Errorf("admin identifier format is invalid: %w", ErrInvalidArgument)
	}
	if err := s.cfg.CheckPassword(password); err != nil {
		return err
	}

	existing, err := s.findByIdentifier(ctx, identifier)
	if err != nil && !errors.Is(err, ErrCredentialNotFound) {
		return err
	}

	if existing != nil {
		ok, err := s.hashes.Verify(ctx, password, existing.PasswordHash, existing.PasswordSalt)
		if err != nil {
			return oops.Code("AUTH_HASH_FAILED").With("operation", "verify admin password").Wrap(err)
		}
		if ok {
			return nil
		}
		hash, salt, err := s.hashes.Hash(ctx, password, "")
		if err != nil {
			return oops.Code("AUTH_HASH_FAILED").With("operation", "hash admin password").Wrap(err)
		}
		_, err = s.mutate(ctx, existing, func(*Credential) (CredentialUpdate, error) {
			return CredentialUpdate{PasswordHash: Set(hash), PasswordSalt: Set(salt)}, nil
		})
		if err == nil {
			s.logger.Info("admin_password_rotated", map[string]any{"credential_id": existing.ID})
		}
		return err
	}

	hash, salt, err := s.hashes.Hash(ctx, password, "")
	if err != nil {
		return oops.Code("AUTH_HASH_FAILED").With("operation", "hash admin password").Wrap(err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return oops.Code("AUTH_ID_FAILED").Wrap(err)
	}

	now := s.now()
	cred := &Credential{
		ID:              id.String(),
		Identifier:      identifier,
		DisplayName:     identifier,
		Role:            RoleAdmin,
		PasswordHash:    hash,
		PasswordSalt:    salt,
		IsActive:        true,
		IsEmailVerified: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	createdID, err := s.store.Create(storeCtx, cred)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdentity) {
			// Another instance seeded concurrently.
			return nil
		}
		return storeFailure("create admin", err)
	}

	s.logger.Info("admin_seeded", map[string]any{"credential_id": createdID})
	return nil
}

// SetActive activates or deactivates a credential. Deactivation also ends the
// current session.
func (s *Service) SetActive(ctx context.Context, credentialID string, active bool) error {
	cred, err := s.findForAdmin(ctx, credentialID)
	if err != nil {
		return err
	}

	_, err = s.mutate(ctx, cred, func(*Credential) (CredentialUpdate, error) {
		update := CredentialUpdate{IsActive: Set(active)}
		if !active {
			update.Session = Set[*SessionGrant](nil)
		}
		return update, nil
	})
	return err
}

// RequirePasswordChange flags a credential so clients force a password change
// after the next login.
func (s *Service) RequirePasswordChange(ctx context.Context, credentialID string) error {
	cred, err := s.findForAdmin(ctx, credentialID)
	if err != nil {
		return err
	}

	_, err = s.mutate(ctx, cred, func(*Credential) (CredentialUpdate, error) {
		return CredentialUpdate{MustChangePassword: Set(true)}, nil
	})
	return err
}

// Unlock clears failed attempts and any lock window.
func (s *Service) Unlock(ctx context.Context, credentialID string) error {
	cred, err := s.findForAdmin(ctx, credentialID)
	if err != nil {
		return err
	}

	_, err = s.mutate(ctx, cred, func(c *Credential) (CredentialUpdate, error) {
		cleared := s.policy.OnSuccess(c.lockState())
		return CredentialUpdate{
			FailedAttempts: Set(cleared.FailedAttempts),
			LockedUntil:    Set(cleared.LockedUntil),
		}, nil
	})
	return err
}

// ResendVerification issues a fresh verification token, replacing any earlier
// one. Like RequestPasswordReset it reveals nothing about the identifier.
func (s *Service) ResendVerification(ctx context.Context, identifier string) error {
	identifier = NormalizeIdentifier(identifier)
	if identifier == "" {
		return nil
	}

	cred, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil
		}
		return err
	}
	if !cred.IsActive || cred.IsEmailVerified {
		return nil
	}

	token, err := s.tokens.GenerateOneTimeToken()
	if err != nil {
		return oops.Code("AUTH_TOKEN_FAILED").With("operation", "generate verification token").Wrap(err)
	}
	grant := &TokenGrant{TokenHash: HashToken(token), ExpiresAt: s.now().Add(s.cfg.VerificationTokenTTL)}

	if _, err := s.update(ctx, cred.ID, CredentialUpdate{EmailVerification: Set(grant)}, Precondition{}); err != nil {
		return err
	}

	s.emit(ctx, Event{
		Name:         EventVerificationRequested,
		CredentialID: cred.ID,
		Identifier:   cred.Identifier,
		Token:        token,
		ExpiresAt:    grant.ExpiresAt,
	})
	return nil
}

func (s *Service) findForAdmin(ctx context.Context, credentialID string) (*Credential, error) {
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return nil, fmt.Errorf("credential id is required: %w", ErrInvalidArgument)
	}
	return s.find(ctx, FieldID, credentialID)
}
