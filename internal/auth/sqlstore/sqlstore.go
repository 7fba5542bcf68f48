// Package sqlstore implements auth.CredentialStore on database/sql for
// PostgreSQL (pgx) and SQLite (modernc).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"entity-registry/internal/auth"
	"entity-registry/internal/db"
)

const credentialColumns = `id, identity_ref, identifier, display_name, role,
	password_hash, password_salt, failed_attempts, locked_until,
	is_active, is_email_verified, must_change_password,
	session_token_hash, session_expires_at, refresh_token_hash, refresh_expires_at,
	reset_token_hash, reset_expires_at, verification_token_hash, verification_expires_at,
	last_login_at, last_ip, version, created_at, updated_at, session_remember_me`

type Store struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

func New(database *sql.DB, dialect db.Dialect) *Store {
	return &Store{db: database, dialect: dialect, now: time.Now}
}

func (s *Store) q(query string) string {
	return db.Rebind(s.dialect, query)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*auth.Credential, error) {
	var (
		c                                 auth.Credential
		lockedUntil, lastLoginAt          sql.NullTime
		sessionHash, refreshHash          sql.NullString
		sessionExpires, refreshExpires    sql.NullTime
		rememberMe                        bool
		resetHash, verificationHash       sql.NullString
		resetExpires, verificationExpires sql.NullTime
	)

	err := row.Scan(
		&c.ID, &c.IdentityRef, &c.Identifier, &c.DisplayName, &c.Role,
		&c.PasswordHash, &c.PasswordSalt, &c.FailedAttempts, &lockedUntil,
		&c.IsActive, &c.IsEmailVerified, &c.MustChangePassword,
		&sessionHash, &sessionExpires, &refreshHash, &refreshExpires,
		&resetHash, &resetExpires, &verificationHash, &verificationExpires,
		&lastLoginAt, &c.LastIP, &c.Version, &c.CreatedAt, &c.UpdatedAt, &rememberMe,
	)
	if err != nil {
		return nil, err
	}

	c.LockedUntil = timePtr(lockedUntil)
	c.LastLoginAt = timePtr(lastLoginAt)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()

	if sessionHash.Valid && refreshHash.Valid {
		c.Session = &auth.SessionGrant{
			TokenHash:        sessionHash.String,
			ExpiresAt:        sessionExpires.Time.UTC(),
			RefreshHash:      refreshHash.String,
			RefreshExpiresAt: refreshExpires.Time.UTC(),
			RememberMe:       rememberMe,
		}
	}
	if resetHash.Valid {
		c.PasswordReset = &auth.TokenGrant{TokenHash: resetHash.String, ExpiresAt: resetExpires.Time.UTC()}
	}
	if verificationHash.Valid {
		c.EmailVerification = &auth.TokenGrant{TokenHash: verificationHash.String, ExpiresAt: verificationExpires.Time.UTC()}
	}

	return &c, nil
}

func (s *Store) FindByIdentifier(ctx context.Context, identifier string) (*auth.Credential, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE identifier = $1
	`), auth.NormalizeIdentifier(identifier))

	cred, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("query credential by identifier: %w", err)
	}
	return cred, nil
}

func (s *Store) FindByField(ctx context.Context, field auth.Field, value string) (*auth.Credential, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("lookup field %q: %w", field, auth.ErrInvalidArgument)
	}
	if value == "" {
		return nil, auth.ErrCredentialNotFound
	}

	// field is one of the fixed column names checked above.
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE `+string(field)+` = $1
	`), value)

	cred, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("query credential by %s: %w", field, err)
	}
	return cred, nil
}

func (s *Store) Create(ctx context.Context, c *auth.Credential) (string, error) {
	if c == nil || c.Identifier == "" {
		return "", auth.ErrInvalidArgument
	}

	id := c.ID
	if id == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate uuid v7: %w", err)
		}
		id = generated.String()
	}

	now := s.now().UTC()
	createdAt := c.CreatedAt.UTC()
	if c.CreatedAt.IsZero() {
		createdAt = now
	}

	var sessionHash, refreshHash any
	var sessionExpires, refreshExpires any
	rememberMe := false
	if c.Session != nil {
		sessionHash, sessionExpires = c.Session.TokenHash, c.Session.ExpiresAt.UTC()
		refreshHash, refreshExpires = c.Session.RefreshHash, c.Session.RefreshExpiresAt.UTC()
		rememberMe = c.Session.RememberMe
	}
	resetHash, resetExpires := grantArgs(c.PasswordReset)
	verificationHash, verificationExpires := grantArgs(c.EmailVerification)

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, 1, $23, $24, $25)
	`),
		id, c.IdentityRef, auth.NormalizeIdentifier(c.Identifier), c.DisplayName, c.Role,
		c.PasswordHash, c.PasswordSalt, c.FailedAttempts, timeArg(c.LockedUntil),
		c.IsActive, c.IsEmailVerified, c.MustChangePassword,
		sessionHash, sessionExpires, refreshHash, refreshExpires,
		resetHash, resetExpires, verificationHash, verificationExpires,
		timeArg(c.LastLoginAt), c.LastIP, createdAt, now, rememberMe,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", auth.ErrDuplicateIdentity
		}
		return "", fmt.Errorf("insert credential: %w", err)
	}

	return id, nil
}

// Update is one conditional UPDATE; the precondition lives in the WHERE
// clause so concurrent writers cannot both match.
func (s *Store) Update(ctx context.Context, id string, update auth.CredentialUpdate, pre auth.Precondition) (bool, error) {
	if err := update.Validate(); err != nil {
		return false, err
	}
	if pre.TokenField != "" && !pre.TokenField.Valid() {
		return false, fmt.Errorf("precondition field %q: %w", pre.TokenField, auth.ErrInvalidArgument)
	}

	b := &setBuilder{}
	buildSets(b, update)
	b.raw("version = version + 1")
	b.add("updated_at", s.now().UTC())

	where := []string{"id = " + b.arg(id)}
	if pre.Version != 0 {
		where = append(where, "version = "+b.arg(pre.Version))
	}
	if pre.TokenField != "" {
		if pre.TokenHash == "" {
			return false, nil
		}
		where = append(where, string(pre.TokenField)+" = "+b.arg(pre.TokenHash))
	}

	query := "UPDATE credentials SET " + strings.Join(b.sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	res, err := s.db.ExecContext(ctx, s.q(query), b.args...)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("update credential: token collision: %w", err)
		}
		return false, fmt.Errorf("update credential: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update credential rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT EXISTS(SELECT 1 FROM credentials WHERE id = $1)`), id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check credential exists: %w", err)
	}
	if !exists {
		return false, auth.ErrCredentialNotFound
	}
	return false, nil
}

type setBuilder struct {
	sets []string
	args []any
}

func (b *setBuilder) arg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *setBuilder) add(column string, value any) {
	b.sets = append(b.sets, column+" = "+b.arg(value))
}

func (b *setBuilder) raw(expr string) {
	b.sets = append(b.sets, expr)
}

func buildSets(b *setBuilder, u auth.CredentialUpdate) {
	if v, ok := u.DisplayName.Get(); ok {
		b.add("display_name", v)
	}
	if v, ok := u.PasswordHash.Get(); ok {
		b.add("password_hash", v)
	}
	if v, ok := u.PasswordSalt.Get(); ok {
		b.add("password_salt", v)
	}
	if v, ok := u.FailedAttempts.Get(); ok {
		b.add("failed_attempts", v)
	}
	if v, ok := u.LockedUntil.Get(); ok {
		b.add("locked_until", timeArg(v))
	}
	if v, ok := u.IsActive.Get(); ok {
		b.add("is_active", v)
	}
	if v, ok := u.IsEmailVerified.Get(); ok {
		b.add("is_email_verified", v)
	}
	if v, ok := u.MustChangePassword.Get(); ok {
		b.add("must_change_password", v)
	}
	if v, ok := u.Session.Get(); ok {
		if v == nil {
			b.add("session_token_hash", nil)
			b.add("session_expires_at", nil)
			b.add("refresh_token_hash", nil)
			b.add("refresh_expires_at", nil)
			b.add("session_remember_me", false)
		} else {
			b.add("session_token_hash", v.TokenHash)
			b.add("session_expires_at", v.ExpiresAt.UTC())
			b.add("refresh_token_hash", v.RefreshHash)
			b.add("refresh_expires_at", v.RefreshExpiresAt.UTC())
			b.add("session_remember_me", v.RememberMe)
		}
	}
	if v, ok := u.PasswordReset.Get(); ok {
		hash, expires := grantArgs(v)
		b.add("reset_token_hash", hash)
		b.add("reset_expires_at", expires)
	}
	if v, ok := u.EmailVerification.Get(); ok {
		hash, expires := grantArgs(v)
		b.add("verification_token_hash", hash)
		b.add("verification_expires_at", expires)
	}
	if v, ok := u.LastLoginAt.Get(); ok {
		b.add("last_login_at", timeArg(v))
	}
	if v, ok := u.LastIP.Get(); ok {
		b.add("last_ip", v)
	}
}

// AllowLoginIP counts a login attempt from ip in a fixed window shared by
// every instance using the database.
func (s *Store) AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	now = now.UTC()
	threshold := now.Add(-window)

	var hits int
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO auth_login_ip_limits (ip, window_started_at, hits, updated_at)
		VALUES ($1, $2, 1, $2)
		ON CONFLICT (ip) DO UPDATE
		SET
			hits = CASE
				WHEN auth_login_ip_limits.window_started_at <= $3 THEN 1
				ELSE auth_login_ip_limits.hits + 1
			END,
			window_started_at = CASE
				WHEN auth_login_ip_limits.window_started_at <= $3 THEN $2
				ELSE auth_login_ip_limits.window_started_at
			END,
			updated_at = $2
		RETURNING hits
	`), ip, now, threshold).Scan(&hits)
	if err != nil {
		return false, 0, fmt.Errorf("upsert login ip rate limit: %w", err)
	}

	if hits <= maxHits {
		return true, 0, nil
	}

	var windowStartedAt time.Time
	err = s.db.QueryRowContext(ctx, s.q(`
		SELECT window_started_at
		FROM auth_login_ip_limits
		WHERE ip = $1
	`), ip).Scan(&windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("read login ip rate limit window: %w", err)
	}

	retryAfter := windowStartedAt.UTC().Add(window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}

// CleanupStaleAuthData clears expired token grants in batches and drops
// per-IP counters idle for longer than ipRetention.
func (s *Store) CleanupStaleAuthData(ctx context.Context, now time.Time, ipRetention time.Duration, batchSize int) (auth.CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if ipRetention <= 0 {
		ipRetention = 30 * 24 * time.Hour
	}
	now = now.UTC()

	var result auth.CleanupResult
	var err error

	result.ClearedSessions, err = s.clearExpired(ctx, "refresh_expires_at",
		"session_token_hash = NULL, session_expires_at = NULL, refresh_token_hash = NULL, refresh_expires_at = NULL, session_remember_me = FALSE", now, batchSize)
	if err != nil {
		return auth.CleanupResult{}, err
	}

	result.ClearedResetTokens, err = s.clearExpired(ctx, "reset_expires_at",
		"reset_token_hash = NULL, reset_expires_at = NULL", now, batchSize)
	if err != nil {
		return auth.CleanupResult{}, err
	}

	result.ClearedVerificationTokens, err = s.clearExpired(ctx, "verification_expires_at",
		"verification_token_hash = NULL, verification_expires_at = NULL", now, batchSize)
	if err != nil {
		return auth.CleanupResult{}, err
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM auth_login_ip_limits
		WHERE ip IN (
			SELECT ip
			FROM auth_login_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
	`), now.Add(-ipRetention), batchSize)
	if err != nil {
		return auth.CleanupResult{}, fmt.Errorf("delete stale login ip limits: %w", err)
	}
	result.DeletedIPLimits, err = res.RowsAffected()
	if err != nil {
		return auth.CleanupResult{}, fmt.Errorf("stale login ip limits rows affected: %w", err)
	}

	return result, nil
}

func (s *Store) clearExpired(ctx context.Context, expiresColumn, assignments string, now time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE credentials
		SET `+assignments+`, version = version + 1, updated_at = $1
		WHERE id IN (
			SELECT id
			FROM credentials
			WHERE `+expiresColumn+` IS NOT NULL AND `+expiresColumn+` <= $1
			ORDER BY `+expiresColumn+` ASC
			LIMIT $2
		)
	`), now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("clear expired %s: %w", expiresColumn, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear expired %s rows affected: %w", expiresColumn, err)
	}
	return affected, nil
}

// Ping reports database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func grantArgs(g *auth.TokenGrant) (any, any) {
	if g == nil {
		return nil, nil
	}
	return g.TokenHash, g.ExpiresAt.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time.UTC()
	return &value
}
