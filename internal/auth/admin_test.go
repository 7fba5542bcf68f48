package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-registry/internal/auth"
)

func TestSeedAdmin(t *testing.T) {
	ctx := context.Background()

	t.Run("no configuration is a no-op", func(t *testing.T) {
		f := newFixture(t, auth.DefaultConfig())
		require.NoError(t, f.svc.SeedAdmin(ctx, "", ""))
		assert.Zero(t, f.store.Len())
	})

	t.Run("both values are required together", func(t *testing.T) {
		f := newFixture(t, auth.DefaultConfig())
		assert.ErrorIs(t, f.svc.SeedAdmin(ctx, "admin", ""), auth.ErrInvalidArgument)
		assert.ErrorIs(t, f.svc.SeedAdmin(ctx, "", "Str0ngPass!"), auth.ErrInvalidArgument)
	})

	t.Run("creates a verified admin", func(t *testing.T) {
		f := newFixture(t, auth.DefaultConfig())
		require.NoError(t, f.svc.SeedAdmin(ctx, "Admin", "Str0ngPass!"))

		cred := f.credential(t, "admin")
		assert.Equal(t, auth.RoleAdmin, cred.Role)
		assert.True(t, cred.IsActive)
		assert.True(t, cred.IsEmailVerified)

		result, err := f.svc.Login(ctx, "admin", "Str0ngPass!", "", false)
		require.NoError(t, err)
		assert.Equal(t, auth.RoleAdmin, result.View.Role)
	})

	t.Run("is idempotent for an unchanged password", func(t *testing.T) {
		f := newFixture(t, auth.DefaultConfig())
		require.NoError(t, f.svc.SeedAdmin(ctx, "admin", "Str0ngPass!"))
		before := f.credential(t, "admin")

		require.NoError(t, f.svc.SeedAdmin(ctx, "admin", "Str0ngPass!"))
		after := f.credential(t, "admin")
		assert.Equal(t, before.Version, after.Version)
		assert.Equal(t, before.PasswordHash, after.PasswordHash)
		assert.Equal(t, 1, f.store.Len())
	})

	t.Run("rotates a changed password", func(t *testing.T) {
		f := newFixture(t, auth.DefaultConfig())
		require.NoError(t, f.svc.SeedAdmin(ctx, "admin", "Str0ngPass!"))
		require.NoError(t, f.svc.SeedAdmin(ctx, "admin", "R0tatedPass!"))

		_, err := f.svc.Login(ctx, "admin", "Str0ngPass!", "", false)
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
		_, err = f.svc.Login(ctx, "admin", "R0tatedPass!", "", false)
		assert.NoError(t, err)
	})

	t.Run("rejects a weak password", func(t *testing.T) {
		f := newFixture(t, auth.DefaultConfig())
		assert.ErrorIs(t, f.svc.SeedAdmin(ctx, "admin", "short"), auth.ErrWeakPassword)
	})
}

func TestSetActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	view := f.register(t, "alice", "Str0ngPass!")
	login, err := f.svc.Login(ctx, "alice", "Str0ngPass!", "", false)
	require.NoError(t, err)

	require.NoError(t, f.svc.SetActive(ctx, view.ID, false))
	_, err = f.svc.ValidateSession(ctx, login.SessionToken)
	assert.ErrorIs(t, err, auth.ErrInvalidOrExpiredToken)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice"))
	assert.Empty(t, f.sink.named(auth.EventPasswordResetRequested))

	require.NoError(t, f.svc.SetActive(ctx, view.ID, true))
	_, err = f.svc.Login(ctx, "alice", "Str0ngPass!", "", false)
	assert.NoError(t, err)

	assert.ErrorIs(t, f.svc.SetActive(ctx, "", true), auth.ErrInvalidArgument)
	assert.ErrorIs(t, f.svc.SetActive(ctx, "missing", true), auth.ErrCredentialNotFound)
}

func TestUnlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	view := f.register(t, "bob", "Str0ngPass!")
	for i := 0; i < 5; i++ {
		_, _ = f.svc.Login(ctx, "bob", "wrong", "", false)
	}

	_, err := f.svc.Login(ctx, "bob", "Str0ngPass!", "", false)
	require.ErrorIs(t, err, auth.ErrAccountLocked)

	require.NoError(t, f.svc.Unlock(ctx, view.ID))
	_, err = f.svc.Login(ctx, "bob", "Str0ngPass!", "", false)
	assert.NoError(t, err)
}

func TestResendVerificationIsSilent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, auth.DefaultConfig())
	f.register(t, "erin@example.com", "Str0ngPass!")
	require.NoError(t, f.svc.VerifyEmail(ctx, f.sink.last(t, auth.EventRegistered).Token))

	require.NoError(t, f.svc.ResendVerification(ctx, "erin@example.com"))
	require.NoError(t, f.svc.ResendVerification(ctx, "nobody@example.com"))
	require.NoError(t, f.svc.ResendVerification(ctx, ""))
	assert.Empty(t, f.sink.named(auth.EventVerificationRequested))
	assert.Nil(t, f.credential(t, "erin@example.com").EmailVerification)
}
