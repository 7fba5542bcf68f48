package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"entity-registry/internal/observability"
)

const maxUpdateRetries = 5

// dummyPasswordHash/dummyPasswordSalt are well-formed but match no password.
// Unknown identifiers are verified against them so response time does not
// reveal whether an account exists.
var (
	dummyPasswordHash = strings.Repeat("0", derivedKeyBytes*2)
	dummyPasswordSalt = strings.Repeat("0", saltBytes*2)
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Service struct {
	store  CredentialStore
	cfg    Config
	policy LockPolicy
	hashes *HashPool
	tokens TokenIssuer
	clock  Clock
	events EventSink
	logger *observability.Logger
}

type Option func(*Service)

// WithHasher replaces the default PBKDF2 hasher. workers bounds concurrent
// derivations; <= 0 uses GOMAXPROCS.
func WithHasher(hasher CredentialHasher, workers int) Option {
	return func(s *Service) {
		s.hashes = NewHashPool(hasher, workers)
	}
}

func WithTokenIssuer(tokens TokenIssuer) Option {
	return func(s *Service) { s.tokens = tokens }
}

func WithClock(clock Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithEventSink(sink EventSink) Option {
	return func(s *Service) { s.events = sink }
}

func WithLogger(logger *observability.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(store CredentialStore, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("credential store is required")
	}

	cfg = cfg.withDefaults()
	s := &Service{
		store:  store,
		cfg:    cfg,
		policy: NewLockPolicy(cfg.LockThreshold, cfg.LockDuration),
		hashes: NewHashPool(NewPBKDF2Hasher(DefaultHashIterations), 0),
		tokens: NewRandomTokenIssuer(),
		clock:  systemClock{},
		events: discardSink{},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hashes == nil || s.tokens == nil || s.clock == nil || s.events == nil || s.logger == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("service options must not be nil")
	}

	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (PublicView, error) {
	identifier := NormalizeIdentifier(in.Identifier)
	if !ValidIdentifier(identifier) {
		return PublicView{}, fmt.Errorf("identifier format is invalid: %w", ErrInvalidArgument)
	}
	if err := s.cfg.CheckPassword(in.Password); err != nil {
		return PublicView{}, err
	}

	if _, err := s.findByIdentifier(ctx, identifier); err == nil {
		return PublicView{}, ErrDuplicateIdentity
	} else if !errors.Is(err, ErrCredentialNotFound) {
		return PublicView{}, err
	}

	hash, salt, err := s.hashes.Hash(ctx, in.Password, "")
	if err != nil {
		return PublicView{}, oops.Code("AUTH_HASH_FAILED").With("operation", "hash password").Wrap(err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return PublicView{}, oops.Code("AUTH_ID_FAILED").Wrap(err)
	}

	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = RoleUser
	}

	now := s.now()
	cred := &Credential{
		ID:              id.String(),
		IdentityRef:     strings.TrimSpace(in.IdentityRef),
		Identifier:      identifier,
		DisplayName:     strings.TrimSpace(in.DisplayName),
		Role:            role,
		PasswordHash:    hash,
		PasswordSalt:    salt,
		IsActive:        true,
		IsEmailVerified: !s.cfg.RequireEmailVerification,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var verificationToken string
	if s.cfg.RequireEmailVerification {
		verificationToken, err = s.tokens.GenerateOneTimeToken()
		if err != nil {
			return PublicView{}, oops.Code("AUTH_TOKEN_FAILED").With("operation", "generate verification token").Wrap(err)
		}
		cred.EmailVerification = &TokenGrant{
			TokenHash: HashToken(verificationToken),
			ExpiresAt: now.Add(s.cfg.VerificationTokenTTL),
		}
	}

	storeCtx, cancel := s.storeContext(ctx)
	createdID, err := s.store.Create(storeCtx, cred)
	cancel()
	if err != nil {
		if errors.Is(err, ErrDuplicateIdentity) {
			return PublicView{}, ErrDuplicateIdentity
		}
		return PublicView{}, storeFailure("create credential", err)
	}
	cred.ID = createdID

	event := Event{Name: EventRegistered, CredentialID: cred.ID, Identifier: cred.Identifier, Token: verificationToken}
	if cred.EmailVerification != nil {
		event.ExpiresAt = cred.EmailVerification.ExpiresAt
	}
	s.emit(ctx, event)

	return cred.View(), nil
}

func (s *Service) Login(ctx context.Context, identifier, password, clientIP string, rememberMe bool) (LoginResult, error) {
	identifier = NormalizeIdentifier(identifier)
	if identifier == "" || password == "" {
		return LoginResult{}, s.unknownIdentifierFailure()
	}

	cred, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			_, _ = s.hashes.Verify(ctx, password, dummyPasswordHash, dummyPasswordSalt)
			return LoginResult{}, s.unknownIdentifierFailure()
		}
		return LoginResult{}, err
	}

	if err := s.loginGate(cred, s.now()); err != nil {
		return LoginResult{}, err
	}

	ok, err := s.hashes.Verify(ctx, password, cred.PasswordHash, cred.PasswordSalt)
	if err != nil {
		return LoginResult{}, oops.Code("AUTH_HASH_FAILED").With("operation", "verify password").Wrap(err)
	}
	if !ok {
		return LoginResult{}, s.recordFailure(ctx, cred)
	}

	if s.cfg.RequireEmailVerification && !cred.IsEmailVerified {
		return LoginResult{}, ErrEmailVerificationRequired
	}

	return s.completeLogin(ctx, cred, strings.TrimSpace(clientIP), rememberMe)
}

func (s *Service) loginGate(cred *Credential, now time.Time) error {
	if !cred.IsActive {
		return ErrAccountDeactivated
	}
	if s.policy.IsLocked(cred.lockState(), now) {
		return ErrLoginLocked{Until: *cred.LockedUntil}
	}
	return nil
}

func (s *Service) recordFailure(ctx context.Context, cred *Credential) error {
	var next LockState
	updated, err := s.mutate(ctx, cred, func(c *Credential) (CredentialUpdate, error) {
		now := s.now()
		if err := s.loginGate(c, now); err != nil {
			return CredentialUpdate{}, err
		}
		next = s.policy.OnFailure(c.lockState(), now)
		return CredentialUpdate{
			FailedAttempts: Set(next.FailedAttempts),
			LockedUntil:    Set(next.LockedUntil),
		}, nil
	})
	if err != nil {
		return err
	}

	if next.LockedUntil != nil {
		s.emit(ctx, Event{Name: EventAccountLocked, CredentialID: updated.ID, Identifier: updated.Identifier, ExpiresAt: *next.LockedUntil})
	}

	remaining := s.policy.AttemptsRemaining(next)
	return invalidCredentials(&remaining)
}

// unknownIdentifierFailure is the error a first wrong password on a clean
// account produces, so a missing identifier reads the same to the caller.
func (s *Service) unknownIdentifierFailure() error {
	remaining := s.policy.AttemptsRemaining(s.policy.OnFailure(LockState{}, s.now()))
	return invalidCredentials(&remaining)
}

func (s *Service) completeLogin(ctx context.Context, cred *Credential, clientIP string, rememberMe bool) (LoginResult, error) {
	sessionToken, refreshToken, err := s.generatePair()
	if err != nil {
		return LoginResult{}, err
	}

	verifiedHash := cred.PasswordHash
	now := s.now()
	grant := s.sessionGrant(sessionToken, refreshToken, now, rememberMe)

	updated, err := s.mutate(ctx, cred, func(c *Credential) (CredentialUpdate, error) {
		if err := s.loginGate(c, now); err != nil {
			return CredentialUpdate{}, err
		}
		if c.PasswordHash != verifiedHash {
			return CredentialUpdate{}, s.unknownIdentifierFailure()
		}
		success := s.policy.OnSuccess(c.lockState())
		return CredentialUpdate{
			FailedAttempts: Set(success.FailedAttempts),
			LockedUntil:    Set(success.LockedUntil),
			Session:        Set(grant),
			LastLoginAt:    Set(&now),
			LastIP:         Set(clientIP),
		}, nil
	})
	if err != nil {
		return LoginResult{}, err
	}

	s.emit(ctx, Event{Name: EventLoggedIn, CredentialID: updated.ID, Identifier: updated.Identifier, IP: clientIP})

	return LoginResult{
		View:               updated.View(),
		SessionToken:       sessionToken,
		RefreshToken:       refreshToken,
		SessionExpiresAt:   grant.ExpiresAt,
		MustChangePassword: updated.MustChangePassword,
	}, nil
}

// Logout clears the session of the credential matching a session token or a
// credential id. Unknown or already cleared sessions succeed silently.
func (s *Service) Logout(ctx context.Context, sessionTokenOrCredentialID string) error {
	value := strings.TrimSpace(sessionTokenOrCredentialID)
	if value == "" {
		return nil
	}

	tokenHash := HashToken(value)
	pre := Precondition{TokenField: FieldSessionToken, TokenHash: tokenHash}
	cred, err := s.find(ctx, FieldSessionToken, tokenHash)
	if errors.Is(err, ErrCredentialNotFound) {
		if _, parseErr := uuid.Parse(value); parseErr != nil {
			return nil
		}
		pre = Precondition{}
		cred, err = s.find(ctx, FieldID, value)
	}
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil
		}
		return err
	}
	if cred.Session == nil {
		return nil
	}

	ok, err := s.update(ctx, cred.ID, CredentialUpdate{Session: Set[*SessionGrant](nil)}, pre)
	if err != nil {
		return err
	}
	if ok {
		s.emit(ctx, Event{Name: EventLoggedOut, CredentialID: cred.ID, Identifier: cred.Identifier})
	}
	return nil
}

// RefreshSession exchanges a refresh token for a rotated session/refresh pair.
func (s *Service) RefreshSession(ctx context.Context, refreshToken string) (SessionTokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return SessionTokens{}, ErrInvalidRefreshToken
	}

	oldHash := HashToken(refreshToken)
	cred, err := s.find(ctx, FieldRefreshToken, oldHash)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return SessionTokens{}, ErrInvalidRefreshToken
		}
		return SessionTokens{}, err
	}

	now := s.now()
	if !cred.IsActive || cred.Session == nil || !now.Before(cred.Session.RefreshExpiresAt) {
		return SessionTokens{}, ErrInvalidRefreshToken
	}

	sessionToken, newRefresh, err := s.generatePair()
	if err != nil {
		return SessionTokens{}, err
	}
	grant := s.sessionGrant(sessionToken, newRefresh, now, cred.Session.RememberMe)

	ok, err := s.update(ctx, cred.ID, CredentialUpdate{Session: Set(grant)}, Precondition{TokenField: FieldRefreshToken, TokenHash: oldHash})
	if err != nil {
		return SessionTokens{}, err
	}
	if !ok {
		return SessionTokens{}, ErrInvalidRefreshToken
	}

	return SessionTokens{
		SessionToken:     sessionToken,
		RefreshToken:     newRefresh,
		SessionExpiresAt: grant.ExpiresAt,
		CredentialID:     cred.ID,
		Role:             cred.Role,
	}, nil
}

// ValidateSession resolves a current, unexpired session token.
func (s *Service) ValidateSession(ctx context.Context, sessionToken string) (PublicView, error) {
	sessionToken = strings.TrimSpace(sessionToken)
	if sessionToken == "" {
		return PublicView{}, ErrInvalidOrExpiredToken
	}

	cred, err := s.find(ctx, FieldSessionToken, HashToken(sessionToken))
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return PublicView{}, ErrInvalidOrExpiredToken
		}
		return PublicView{}, err
	}
	if !cred.IsActive || cred.Session == nil || !s.now().Before(cred.Session.ExpiresAt) {
		return PublicView{}, ErrInvalidOrExpiredToken
	}

	return cred.View(), nil
}

// RequestPasswordReset always succeeds for well-formed input so callers cannot
// probe which identifiers exist.
func (s *Service) RequestPasswordReset(ctx context.Context, identifier string) error {
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
	if !cred.IsActive {
		return nil
	}

	token, err := s.tokens.GenerateOneTimeToken()
	if err != nil {
		return oops.Code("AUTH_TOKEN_FAILED").With("operation", "generate reset token").Wrap(err)
	}
	grant := &TokenGrant{TokenHash: HashToken(token), ExpiresAt: s.now().Add(s.cfg.ResetTokenTTL)}

	if _, err := s.update(ctx, cred.ID, CredentialUpdate{PasswordReset: Set(grant)}, Precondition{}); err != nil {
		return err
	}

	s.emit(ctx, Event{
		Name:         EventPasswordResetRequested,
		CredentialID: cred.ID,
		Identifier:   cred.Identifier,
		Token:        token,
		ExpiresAt:    grant.ExpiresAt,
	})
	return nil
}

// ResetPassword consumes a reset token. The write is conditioned on the token
// digest still being stored, so concurrent consumers see exactly one success.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	cred, tokenHash, err := s.consumableGrant(ctx, token, FieldPasswordResetToken)
	if err != nil {
		return err
	}

	if err := s.cfg.CheckPassword(newPassword); err != nil {
		return err
	}

	hash, salt, err := s.hashes.Hash(ctx, newPassword, "")
	if err != nil {
		return oops.Code("AUTH_HASH_FAILED").With("operation", "hash password").Wrap(err)
	}

	cleared := s.policy.OnSuccess(cred.lockState())
	update := CredentialUpdate{
		PasswordHash:       Set(hash),
		PasswordSalt:       Set(salt),
		PasswordReset:      Set[*TokenGrant](nil),
		FailedAttempts:     Set(cleared.FailedAttempts),
		LockedUntil:        Set(cleared.LockedUntil),
		MustChangePassword: Set(false),
		Session:            Set[*SessionGrant](nil),
	}
	ok, err := s.update(ctx, cred.ID, update, Precondition{TokenField: FieldPasswordResetToken, TokenHash: tokenHash})
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidOrExpiredToken
	}

	s.emit(ctx, Event{Name: EventPasswordReset, CredentialID: cred.ID, Identifier: cred.Identifier})
	return nil
}

// VerifyEmail consumes an email verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	cred, tokenHash, err := s.consumableGrant(ctx, token, FieldEmailVerificationToken)
	if err != nil {
		return err
	}

	update := CredentialUpdate{
		IsEmailVerified:   Set(true),
		EmailVerification: Set[*TokenGrant](nil),
	}
	ok, err := s.update(ctx, cred.ID, update, Precondition{TokenField: FieldEmailVerificationToken, TokenHash: tokenHash})
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidOrExpiredToken
	}

	s.emit(ctx, Event{Name: EventEmailVerified, CredentialID: cred.ID, Identifier: cred.Identifier})
	return nil
}

// consumableGrant finds the credential holding token in field. Expired grants
// are cleared before ErrInvalidOrExpiredToken is returned.
func (s *Service) consumableGrant(ctx context.Context, token string, field Field) (*Credential, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, "", ErrInvalidOrExpiredToken
	}

	tokenHash := HashToken(token)
	cred, err := s.find(ctx, field, tokenHash)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil, "", ErrInvalidOrExpiredToken
		}
		return nil, "", err
	}

	grant := cred.PasswordReset
	clearGrant := CredentialUpdate{PasswordReset: Set[*TokenGrant](nil)}
	if field == FieldEmailVerificationToken {
		grant = cred.EmailVerification
		clearGrant = CredentialUpdate{EmailVerification: Set[*TokenGrant](nil)}
	}

	if !grant.Valid(s.now()) {
		if _, err := s.update(ctx, cred.ID, clearGrant, Precondition{TokenField: field, TokenHash: tokenHash}); err != nil {
			return nil, "", err
		}
		return nil, "", ErrInvalidOrExpiredToken
	}

	return cred, tokenHash, nil
}

func (s *Service) ChangePassword(ctx context.Context, credentialID, currentPassword, newPassword string) error {
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return fmt.Errorf("credential id is required: %w", ErrInvalidArgument)
	}
	if currentPassword == "" {
		return ErrIncorrectCurrentPassword
	}

	cred, err := s.find(ctx, FieldID, credentialID)
	if err != nil {
		return err
	}
	if !cred.IsActive {
		return ErrAccountDeactivated
	}

	ok, err := s.hashes.Verify(ctx, currentPassword, cred.PasswordHash, cred.PasswordSalt)
	if err != nil {
		return oops.Code("AUTH_HASH_FAILED").With("operation", "verify password").Wrap(err)
	}
	if !ok {
		return ErrIncorrectCurrentPassword
	}

	if err := s.cfg.CheckPassword(newPassword); err != nil {
		return err
	}

	hash, salt, err := s.hashes.Hash(ctx, newPassword, "")
	if err != nil {
		return oops.Code("AUTH_HASH_FAILED").With("operation", "hash password").Wrap(err)
	}

	verifiedHash := cred.PasswordHash
	updated, err := s.mutate(ctx, cred, func(c *Credential) (CredentialUpdate, error) {
		if c.PasswordHash != verifiedHash {
			return CredentialUpdate{}, ErrIncorrectCurrentPassword
		}
		return CredentialUpdate{
			PasswordHash:       Set(hash),
			PasswordSalt:       Set(salt),
			MustChangePassword: Set(false),
		}, nil
	})
	if err != nil {
		return err
	}

	s.emit(ctx, Event{Name: EventPasswordChanged, CredentialID: updated.ID, Identifier: updated.Identifier})
	return nil
}

// mutate runs a version-checked read-modify-write, reloading and retrying
// when another writer got there first.
func (s *Service) mutate(ctx context.Context, cred *Credential, fn func(c *Credential) (CredentialUpdate, error)) (*Credential, error) {
	current := cred
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		update, err := fn(current)
		if err != nil {
			return nil, err
		}

		ok, err := s.update(ctx, current.ID, update, Precondition{Version: current.Version})
		if err != nil {
			return nil, err
		}
		if ok {
			next := current.Clone()
			update.Apply(next)
			next.Version++
			return next, nil
		}

		current, err = s.find(ctx, FieldID, current.ID)
		if err != nil {
			return nil, err
		}
	}

	return nil, oops.Code("AUTH_UPDATE_CONFLICT").
		With("credential_id", cred.ID).
		With("attempts", maxUpdateRetries).
		Errorf("credential kept changing during update")
}

func (s *Service) generatePair() (string, string, error) {
	sessionToken, err := s.tokens.GenerateSessionToken()
	if err != nil {
		return "", "", oops.Code("AUTH_TOKEN_FAILED").With("operation", "generate session token").Wrap(err)
	}
	refreshToken, err := s.tokens.GenerateSessionToken()
	if err != nil {
		return "", "", oops.Code("AUTH_TOKEN_FAILED").With("operation", "generate refresh token").Wrap(err)
	}
	return sessionToken, refreshToken, nil
}

func (s *Service) sessionGrant(sessionToken, refreshToken string, now time.Time, rememberMe bool) *SessionGrant {
	ttl := s.cfg.SessionTTL
	if rememberMe {
		ttl = s.cfg.RememberMeSessionTTL
	}
	refreshTTL := s.cfg.RefreshTTL
	if refreshTTL < ttl {
		refreshTTL = ttl
	}
	return &SessionGrant{
		TokenHash:        HashToken(sessionToken),
		ExpiresAt:        now.Add(ttl),
		RefreshHash:      HashToken(refreshToken),
		RefreshExpiresAt: now.Add(refreshTTL),
		RememberMe:       rememberMe,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) findByIdentifier(ctx context.Context, identifier string) (*Credential, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	cred, err := s.store.FindByIdentifier(storeCtx, identifier)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, storeFailure("find by identifier", err)
	}
	return cred, nil
}

func (s *Service) find(ctx context.Context, field Field, value string) (*Credential, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	cred, err := s.store.FindByField(storeCtx, field, value)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, storeFailure("find by "+string(field), err)
	}
	return cred, nil
}

func (s *Service) update(ctx context.Context, id string, update CredentialUpdate, pre Precondition) (bool, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	ok, err := s.store.Update(storeCtx, id, update, pre)
	if err != nil {
		return false, storeFailure("update credential", err)
	}
	return ok, nil
}

func (s *Service) emit(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = s.now()
	}
	if err := s.events.Emit(ctx, event); err != nil {
		s.logger.LogError("auth_event_delivery_failed", err, map[string]any{
			"event":         event.Name,
			"credential_id": event.CredentialID,
		})
	}
}

func storeFailure(operation string, err error) error {
	return oops.Code("AUTH_STORE_FAILED").With("operation", operation).Wrap(err)
}
