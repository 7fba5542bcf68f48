package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidArgument           = errors.New("invalid argument")
	ErrDuplicateIdentity         = errors.New("identity already registered")
	ErrWeakPassword              = errors.New("password does not meet policy")
	ErrInvalidCredentials        = errors.New("invalid credentials")
	ErrAccountDeactivated        = errors.New("account deactivated")
	ErrAccountLocked             = errors.New("account temporarily locked")
	ErrEmailVerificationRequired = errors.New("email verification required")
	ErrInvalidOrExpiredToken     = errors.New("invalid or expired token")
	ErrInvalidRefreshToken       = fmt.Errorf("invalid refresh token: %w", ErrInvalidOrExpiredToken)
	ErrIncorrectCurrentPassword  = errors.New("incorrect current password")

	// ErrCredentialNotFound is returned by stores; the service never surfaces
	// it from login or reset flows.
	ErrCredentialNotFound = errors.New("credential not found")
)

// ErrLoginLocked carries the unlock time of an active lockout window.
type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

func (e ErrLoginLocked) Is(target error) bool {
	return target == ErrAccountLocked
}

// InvalidCredentialsError is returned for unknown identifiers and wrong
// passwords alike. An unknown identifier reports the attempts a fresh account
// would have left after one failure.
type InvalidCredentialsError struct {
	AttemptsRemaining *int
}

func (e *InvalidCredentialsError) Error() string {
	return ErrInvalidCredentials.Error()
}

func (e *InvalidCredentialsError) Is(target error) bool {
	return target == ErrInvalidCredentials
}

// WeakPasswordError lists the unmet password rules.
type WeakPasswordError struct {
	Unmet []string
}

func (e *WeakPasswordError) Error() string {
	return fmt.Sprintf("%s: %s", ErrWeakPassword.Error(), strings.Join(e.Unmet, ", "))
}

func (e *WeakPasswordError) Is(target error) bool {
	return target == ErrWeakPassword
}

func invalidCredentials(remaining *int) error {
	return &InvalidCredentialsError{AttemptsRemaining: remaining}
}
