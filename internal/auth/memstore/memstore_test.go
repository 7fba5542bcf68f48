package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-registry/internal/auth"
	"entity-registry/internal/auth/memstore"
)

func newCredential(identifier string) *auth.Credential {
	return &auth.Credential{
		Identifier:   identifier,
		Role:         auth.RoleUser,
		PasswordHash: "hash",
		PasswordSalt: "salt",
		IsActive:     true,
	}
}

func TestStoreCreateAndFind(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	id, err := store.Create(ctx, newCredential("Alice"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = store.Create(ctx, newCredential("alice"))
	assert.ErrorIs(t, err, auth.ErrDuplicateIdentity)

	cred, err := store.FindByIdentifier(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, id, cred.ID)
	assert.Equal(t, int64(1), cred.Version)

	byID, err := store.FindByField(ctx, auth.FieldID, id)
	require.NoError(t, err)
	assert.Equal(t, cred.Identifier, byID.Identifier)

	_, err = store.FindByIdentifier(ctx, "bob")
	assert.ErrorIs(t, err, auth.ErrCredentialNotFound)
	_, err = store.FindByField(ctx, auth.Field("password_hash"), "hash")
	assert.ErrorIs(t, err, auth.ErrInvalidArgument)
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	_, err := store.Create(ctx, newCredential("alice"))
	require.NoError(t, err)

	cred, err := store.FindByIdentifier(ctx, "alice")
	require.NoError(t, err)
	cred.FailedAttempts = 99

	again, err := store.FindByIdentifier(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, again.FailedAttempts)
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	id, err := store.Create(ctx, newCredential("alice"))
	require.NoError(t, err)

	expires := time.Now().Add(time.Hour)
	grant := &auth.TokenGrant{TokenHash: "reset-digest", ExpiresAt: expires}

	ok, err := store.Update(ctx, id, auth.CredentialUpdate{PasswordReset: auth.Set(grant)}, auth.Precondition{Version: 1})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Update(ctx, id, auth.CredentialUpdate{FailedAttempts: auth.Set(1)}, auth.Precondition{Version: 1})
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not apply")

	found, err := store.FindByField(ctx, auth.FieldPasswordResetToken, "reset-digest")
	require.NoError(t, err)
	assert.Equal(t, int64(2), found.Version)
	assert.Zero(t, found.FailedAttempts)

	consume := auth.CredentialUpdate{PasswordReset: auth.Set[*auth.TokenGrant](nil)}
	pre := auth.Precondition{TokenField: auth.FieldPasswordResetToken, TokenHash: "reset-digest"}
	ok, err = store.Update(ctx, id, consume, pre)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Update(ctx, id, consume, pre)
	require.NoError(t, err)
	assert.False(t, ok, "token precondition holds only once")

	_, err = store.Update(ctx, "missing", consume, auth.Precondition{})
	assert.ErrorIs(t, err, auth.ErrCredentialNotFound)

	_, err = store.Update(ctx, id, auth.CredentialUpdate{PasswordHash: auth.Set("only-hash")}, auth.Precondition{})
	assert.ErrorIs(t, err, auth.ErrInvalidArgument)
}

func TestStoreCleanup(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expired := newCredential("expired")
	expired.PasswordReset = &auth.TokenGrant{TokenHash: "r1", ExpiresAt: now.Add(-time.Minute)}
	expired.EmailVerification = &auth.TokenGrant{TokenHash: "v1", ExpiresAt: now.Add(-time.Minute)}
	expired.Session = &auth.SessionGrant{TokenHash: "s1", ExpiresAt: now.Add(-time.Hour), RefreshHash: "f1", RefreshExpiresAt: now}
	_, err := store.Create(ctx, expired)
	require.NoError(t, err)

	live := newCredential("live")
	live.PasswordReset = &auth.TokenGrant{TokenHash: "r2", ExpiresAt: now.Add(time.Minute)}
	live.Session = &auth.SessionGrant{TokenHash: "s2", ExpiresAt: now.Add(-time.Hour), RefreshHash: "f2", RefreshExpiresAt: now.Add(time.Hour)}
	_, err = store.Create(ctx, live)
	require.NoError(t, err)

	result, err := store.CleanupStaleAuthData(ctx, now, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, auth.CleanupResult{ClearedSessions: 1, ClearedResetTokens: 1, ClearedVerificationTokens: 1}, result)

	cred, err := store.FindByIdentifier(ctx, "live")
	require.NoError(t, err)
	assert.NotNil(t, cred.PasswordReset)
	assert.NotNil(t, cred.Session)
}
