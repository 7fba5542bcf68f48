package auth

import (
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode"
)

const (
	defaultSessionTTL      = 24 * time.Hour
	defaultRememberMeTTL   = 7 * 24 * time.Hour
	defaultRefreshTTL      = 7 * 24 * time.Hour
	defaultResetTTL        = time.Hour
	defaultVerificationTTL = 24 * time.Hour
	defaultMinPassword     = 8
	defaultStoreTimeout    = 5 * time.Second
	maxPasswordLength      = 200
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const (
	RuleMinLength = "min_length"
	RuleMaxLength = "max_length"
	RuleUpper     = "uppercase"
	RuleLower     = "lowercase"
	RuleDigit     = "digit"
)

// Config holds the security knobs of the service.
type Config struct {
	LockThreshold              int
	LockDuration               time.Duration
	SessionTTL                 time.Duration
	RememberMeSessionTTL       time.Duration
	RefreshTTL                 time.Duration
	ResetTokenTTL              time.Duration
	VerificationTokenTTL       time.Duration
	RequireEmailVerification   bool
	MinPasswordLength          int
	PasswordComplexityRequired bool
	StoreTimeout               time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		LockThreshold:            DefaultLockThreshold,
		LockDuration:             DefaultLockDuration,
		SessionTTL:               defaultSessionTTL,
		RememberMeSessionTTL:     defaultRememberMeTTL,
		RefreshTTL:               defaultRefreshTTL,
		ResetTokenTTL:            defaultResetTTL,
		VerificationTokenTTL:     defaultVerificationTTL,
		RequireEmailVerification: true,
		MinPasswordLength:        defaultMinPassword,
		StoreTimeout:             defaultStoreTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LockThreshold <= 0 {
		c.LockThreshold = d.LockThreshold
	}
	if c.LockDuration <= 0 {
		c.LockDuration = d.LockDuration
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.RememberMeSessionTTL <= 0 {
		c.RememberMeSessionTTL = d.RememberMeSessionTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = d.RefreshTTL
	}
	if c.ResetTokenTTL <= 0 {
		c.ResetTokenTTL = d.ResetTokenTTL
	}
	if c.VerificationTokenTTL <= 0 {
		c.VerificationTokenTTL = d.VerificationTokenTTL
	}
	if c.MinPasswordLength <= 0 {
		c.MinPasswordLength = d.MinPasswordLength
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	return c
}

// CheckPassword returns a *WeakPasswordError listing every unmet rule.
func (c Config) CheckPassword(password string) error {
	var unmet []string
	length := len([]rune(password))
	if length < c.MinPasswordLength {
		unmet = append(unmet, RuleMinLength)
	}
	if length > maxPasswordLength {
		unmet = append(unmet, RuleMaxLength)
	}
	if c.PasswordComplexityRequired {
		var upper, lower, digit bool
		for _, r := range password {
			switch {
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsLower(r):
				lower = true
			case unicode.IsDigit(r):
				digit = true
			}
		}
		if !upper {
			unmet = append(unmet, RuleUpper)
		}
		if !lower {
			unmet = append(unmet, RuleLower)
		}
		if !digit {
			unmet = append(unmet, RuleDigit)
		}
	}
	if len(unmet) > 0 {
		return &WeakPasswordError{Unmet: unmet}
	}
	return nil
}

// NormalizeIdentifier lower-cases and trims a username or email.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// ValidIdentifier accepts a username or a bare email address.
func ValidIdentifier(identifier string) bool {
	if strings.Contains(identifier, "@") {
		addr, err := mail.ParseAddress(identifier)
		return err == nil && addr.Address == identifier && len(identifier) <= 254
	}
	return usernameRegex.MatchString(identifier)
}
