package auth

import (
	"context"
	"time"
)

// Field names a lookup column for FindByField.
type Field string

const (
	FieldID                     Field = "id"
	FieldSessionToken           Field = "session_token_hash"
	FieldRefreshToken           Field = "refresh_token_hash"
	FieldPasswordResetToken     Field = "reset_token_hash"
	FieldEmailVerificationToken Field = "verification_token_hash"
)

// Valid reports whether f is a known lookup field.
func (f Field) Valid() bool {
	switch f {
	case FieldID, FieldSessionToken, FieldRefreshToken, FieldPasswordResetToken, FieldEmailVerificationToken:
		return true
	default:
		return false
	}
}

// CredentialStore is the persistence collaborator. Implementations must make
// Update a single atomic compare-and-set against the Precondition.
type CredentialStore interface {
	// FindByIdentifier looks up by username or email, case-insensitively.
	// Returns ErrCredentialNotFound when absent.
	FindByIdentifier(ctx context.Context, identifier string) (*Credential, error)

	// FindByField looks up by id or by one of the token digest columns.
	FindByField(ctx context.Context, field Field, value string) (*Credential, error)

	// Create stores a new credential and returns its id.
	// Returns ErrDuplicateIdentity when the identifier is taken.
	Create(ctx context.Context, credential *Credential) (string, error)

	// Update applies a partial update when the precondition holds. It returns
	// false without error when the precondition no longer matches.
	Update(ctx context.Context, id string, update CredentialUpdate, pre Precondition) (bool, error)
}

// Opt is an optional field in a partial update.
type Opt[T any] struct {
	set   bool
	value T
}

// Set returns an Opt holding value.
func Set[T any](value T) Opt[T] {
	return Opt[T]{set: true, value: value}
}

// Get returns the value and whether it was set.
func (o Opt[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether the field participates in the update.
func (o Opt[T]) IsSet() bool {
	return o.set
}

// CredentialUpdate is a typed partial update. Pointer-valued fields set to nil
// clear the column; paired token fields travel as one grant.
type CredentialUpdate struct {
	DisplayName        Opt[string]
	PasswordHash       Opt[string]
	PasswordSalt       Opt[string]
	FailedAttempts     Opt[int]
	LockedUntil        Opt[*time.Time]
	IsActive           Opt[bool]
	IsEmailVerified    Opt[bool]
	MustChangePassword Opt[bool]
	Session            Opt[*SessionGrant]
	PasswordReset      Opt[*TokenGrant]
	EmailVerification  Opt[*TokenGrant]
	LastLoginAt        Opt[*time.Time]
	LastIP             Opt[string]
}

// Empty reports whether no field is set.
func (u CredentialUpdate) Empty() bool {
	return !u.DisplayName.IsSet() &&
		!u.PasswordHash.IsSet() &&
		!u.PasswordSalt.IsSet() &&
		!u.FailedAttempts.IsSet() &&
		!u.LockedUntil.IsSet() &&
		!u.IsActive.IsSet() &&
		!u.IsEmailVerified.IsSet() &&
		!u.MustChangePassword.IsSet() &&
		!u.Session.IsSet() &&
		!u.PasswordReset.IsSet() &&
		!u.EmailVerification.IsSet() &&
		!u.LastLoginAt.IsSet() &&
		!u.LastIP.IsSet()
}

// Validate rejects updates that would break paired-field invariants.
func (u CredentialUpdate) Validate() error {
	if u.PasswordHash.IsSet() != u.PasswordSalt.IsSet() {
		return ErrInvalidArgument
	}
	if hash, ok := u.PasswordHash.Get(); ok && hash == "" {
		return ErrInvalidArgument
	}
	for _, grant := range []Opt[*TokenGrant]{u.PasswordReset, u.EmailVerification} {
		if g, ok := grant.Get(); ok && g != nil && (g.TokenHash == "" || g.ExpiresAt.IsZero()) {
			return ErrInvalidArgument
		}
	}
	if s, ok := u.Session.Get(); ok && s != nil && (s.TokenHash == "" || s.RefreshHash == "") {
		return ErrInvalidArgument
	}
	return nil
}

// Apply copies the set fields onto c. Stores use it to keep a single
// definition of the update semantics.
func (u CredentialUpdate) Apply(c *Credential) {
	if v, ok := u.DisplayName.Get(); ok {
		c.DisplayName = v
	}
	if v, ok := u.PasswordHash.Get(); ok {
		c.PasswordHash = v
	}
	if v, ok := u.PasswordSalt.Get(); ok {
		c.PasswordSalt = v
	}
	if v, ok := u.FailedAttempts.Get(); ok {
		c.FailedAttempts = v
	}
	if v, ok := u.LockedUntil.Get(); ok {
		c.LockedUntil = cloneTime(v)
	}
	if v, ok := u.IsActive.Get(); ok {
		c.IsActive = v
	}
	if v, ok := u.IsEmailVerified.Get(); ok {
		c.IsEmailVerified = v
	}
	if v, ok := u.MustChangePassword.Get(); ok {
		c.MustChangePassword = v
	}
	if v, ok := u.Session.Get(); ok {
		if v == nil {
			c.Session = nil
		} else {
			grant := *v
			c.Session = &grant
		}
	}
	if v, ok := u.PasswordReset.Get(); ok {
		c.PasswordReset = cloneGrant(v)
	}
	if v, ok := u.EmailVerification.Get(); ok {
		c.EmailVerification = cloneGrant(v)
	}
	if v, ok := u.LastLoginAt.Get(); ok {
		c.LastLoginAt = cloneTime(v)
	}
	if v, ok := u.LastIP.Get(); ok {
		c.LastIP = v
	}
}

// Precondition guards an Update. Zero values are not checked.
type Precondition struct {
	Version    int64
	TokenField Field
	TokenHash  string
}

// Matches evaluates the precondition against the current record.
func (p Precondition) Matches(c *Credential) bool {
	if p.Version != 0 && c.Version != p.Version {
		return false
	}
	if p.TokenField == "" {
		return true
	}
	return TokenHashFor(c, p.TokenField) == p.TokenHash && p.TokenHash != ""
}

// TokenHashFor returns the digest held in the given token field, or "".
func TokenHashFor(c *Credential, field Field) string {
	switch field {
	case FieldSessionToken:
		if c.Session != nil {
			return c.Session.TokenHash
		}
	case FieldRefreshToken:
		if c.Session != nil {
			return c.Session.RefreshHash
		}
	case FieldPasswordResetToken:
		if c.PasswordReset != nil {
			return c.PasswordReset.TokenHash
		}
	case FieldEmailVerificationToken:
		if c.EmailVerification != nil {
			return c.EmailVerification.TokenHash
		}
	case FieldID:
		return c.ID
	}
	return ""
}

// Clone returns a deep copy so callers never share pointers with a store.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	out.LockedUntil = cloneTime(c.LockedUntil)
	out.LastLoginAt = cloneTime(c.LastLoginAt)
	out.PasswordReset = cloneGrant(c.PasswordReset)
	out.EmailVerification = cloneGrant(c.EmailVerification)
	if c.Session != nil {
		session := *c.Session
		out.Session = &session
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := *t
	return &value
}

func cloneGrant(g *TokenGrant) *TokenGrant {
	if g == nil {
		return nil
	}
	value := *g
	return &value
}

// CleanupResult counts what a maintenance sweep cleared.
type CleanupResult struct {
	ClearedSessions           int64 `json:"cleared_sessions"`
	ClearedResetTokens        int64 `json:"cleared_reset_tokens"`
	ClearedVerificationTokens int64 `json:"cleared_verification_tokens"`
	DeletedIPLimits           int64 `json:"deleted_ip_limits"`
}
