package sqlstore_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-registry/internal/auth"
	"entity-registry/internal/auth/sqlstore"
	"entity-registry/internal/db"
)

func newMockStore(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return sqlstore.New(database, db.Postgres), mock
}

func TestFindByIdentifierNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM credentials")).
		WithArgs("alice@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := store.FindByIdentifier(context.Background(), " Alice@Example.com ")
	assert.ErrorIs(t, err, auth.ErrCredentialNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByFieldScansGrants(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	columns := []string{
		"id", "identity_ref", "identifier", "display_name", "role",
		"password_hash", "password_salt", "failed_attempts", "locked_until",
		"is_active", "is_email_verified", "must_change_password",
		"session_token_hash", "session_expires_at", "refresh_token_hash", "refresh_expires_at",
		"reset_token_hash", "reset_expires_at", "verification_token_hash", "verification_expires_at",
		"last_login_at", "last_ip", "version", "created_at", "updated_at", "session_remember_me",
	}
	rows := sqlmock.NewRows(columns).AddRow(
		"id-1", "", "alice", "Alice", auth.RoleUser,
		"hash", "salt", 2, nil,
		true, true, false,
		"session", now.Add(time.Hour), "refresh", now.Add(24*time.Hour),
		"reset", now.Add(time.Minute), nil, nil,
		now, "10.0.0.1", int64(7), now, now, true,
	)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE reset_token_hash = $1")).
		WithArgs("reset").
		WillReturnRows(rows)

	cred, err := store.FindByField(context.Background(), auth.FieldPasswordResetToken, "reset")
	require.NoError(t, err)
	assert.Equal(t, "id-1", cred.ID)
	assert.Equal(t, 2, cred.FailedAttempts)
	assert.Nil(t, cred.LockedUntil)
	require.NotNil(t, cred.Session)
	assert.Equal(t, "refresh", cred.Session.RefreshHash)
	assert.True(t, cred.Session.RememberMe)
	require.NotNil(t, cred.PasswordReset)
	assert.Equal(t, now.Add(time.Minute), cred.PasswordReset.ExpiresAt)
	assert.Nil(t, cred.EmailVerification)
	assert.Equal(t, int64(7), cred.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByFieldRejectsUnknownColumns(t *testing.T) {
	store, mock := newMockStore(t)
	_, err := store.FindByField(context.Background(), auth.Field("password_hash; --"), "x")
	assert.ErrorIs(t, err, auth.ErrInvalidArgument)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credentials")).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	_, err := store.Create(context.Background(), &auth.Credential{Identifier: "alice", PasswordHash: "h", PasswordSalt: "s"})
	assert.ErrorIs(t, err, auth.ErrDuplicateIdentity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateConditions(t *testing.T) {
	ctx := context.Background()

	t.Run("version and token land in the where clause", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec(regexp.QuoteMeta(
			"UPDATE credentials SET failed_attempts = $1, version = version + 1, updated_at = $2 WHERE id = $3 AND version = $4 AND reset_token_hash = $5",
		)).
			WithArgs(3, sqlmock.AnyArg(), "id-1", int64(4), "digest").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := store.Update(ctx, "id-1",
			auth.CredentialUpdate{FailedAttempts: auth.Set(3)},
			auth.Precondition{Version: 4, TokenField: auth.FieldPasswordResetToken, TokenHash: "digest"},
		)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("clearing a session nulls the grant columns", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec(regexp.QuoteMeta(
			"SET session_token_hash = $1, session_expires_at = $2, refresh_token_hash = $3, refresh_expires_at = $4, session_remember_me = $5",
		)).
			WithArgs(nil, nil, nil, nil, false, sqlmock.AnyArg(), "id-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := store.Update(ctx, "id-1", auth.CredentialUpdate{Session: auth.Set[*auth.SessionGrant](nil)}, auth.Precondition{})
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale precondition", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec(regexp.QuoteMeta("UPDATE credentials")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WithArgs("id-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		ok, err := store.Update(ctx, "id-1", auth.CredentialUpdate{FailedAttempts: auth.Set(1)}, auth.Precondition{Version: 2})
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec(regexp.QuoteMeta("UPDATE credentials")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := store.Update(ctx, "id-1", auth.CredentialUpdate{FailedAttempts: auth.Set(1)}, auth.Precondition{})
		assert.ErrorIs(t, err, auth.ErrCredentialNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty token precondition never matches", func(t *testing.T) {
		store, mock := newMockStore(t)

		ok, err := store.Update(ctx, "id-1", auth.CredentialUpdate{FailedAttempts: auth.Set(1)},
			auth.Precondition{TokenField: auth.FieldSessionToken})
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAllowLoginIP(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	t.Run("within the window", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO auth_login_ip_limits")).
			WithArgs("203.0.113.7", now, now.Add(-time.Minute)).
			WillReturnRows(sqlmock.NewRows([]string{"hits"}).AddRow(3))

		allowed, retryAfter, err := store.AllowLoginIP(context.Background(), "203.0.113.7", 5, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Zero(t, retryAfter)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("over the limit", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO auth_login_ip_limits")).
			WillReturnRows(sqlmock.NewRows([]string{"hits"}).AddRow(6))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT window_started_at")).
			WithArgs("203.0.113.7").
			WillReturnRows(sqlmock.NewRows([]string{"window_started_at"}).AddRow(now.Add(-30 * time.Second)))

		allowed, retryAfter, err := store.AllowLoginIP(context.Background(), "203.0.113.7", 5, time.Minute, now)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 30*time.Second, retryAfter)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCleanupStaleAuthData(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("WHERE refresh_expires_at IS NOT NULL")).
		WithArgs(now, 100).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("WHERE reset_expires_at IS NOT NULL")).
		WithArgs(now, 100).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE verification_expires_at IS NOT NULL")).
		WithArgs(now, 100).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM auth_login_ip_limits")).
		WithArgs(now.Add(-24*time.Hour), 100).
		WillReturnResult(sqlmock.NewResult(0, 4))

	result, err := store.CleanupStaleAuthData(context.Background(), now, 24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, auth.CleanupResult{
		ClearedSessions:    2,
		ClearedResetTokens: 1,
		DeletedIPLimits:    4,
	}, result)
	require.NoError(t, mock.ExpectationsWereMet())
}
