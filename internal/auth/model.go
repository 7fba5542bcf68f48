package auth

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Credential is the authenticatable record for one identity. Token fields hold
// sha256 digests; plaintext tokens never reach the store.
type Credential struct {
	ID                 string
	IdentityRef        string
	Identifier         string
	DisplayName        string
	Role               string
	PasswordHash       string
	PasswordSalt       string
	FailedAttempts     int
	LockedUntil        *time.Time
	IsActive           bool
	IsEmailVerified    bool
	MustChangePassword bool
	Session            *SessionGrant
	PasswordReset      *TokenGrant
	EmailVerification  *TokenGrant
	LastLoginAt        *time.Time
	LastIP             string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TokenGrant pairs a one-time token digest with its expiry.
type TokenGrant struct {
	TokenHash string
	ExpiresAt time.Time
}

// Valid reports whether the grant is still usable at now.
func (g *TokenGrant) Valid(now time.Time) bool {
	return g != nil && g.TokenHash != "" && now.Before(g.ExpiresAt)
}

// SessionGrant holds the current session and refresh token digests.
// RememberMe keeps the longer session lifetime across refreshes.
type SessionGrant struct {
	TokenHash        string
	ExpiresAt        time.Time
	RefreshHash      string
	RefreshExpiresAt time.Time
	RememberMe       bool
}

func (c *Credential) lockState() LockState {
	return LockState{FailedAttempts: c.FailedAttempts, LockedUntil: c.LockedUntil}
}

// PublicView is the response-facing shape of a credential.
type PublicView struct {
	ID                 string     `json:"id"`
	UsernameOrEmail    string     `json:"username_or_email"`
	DisplayName        string     `json:"display_name"`
	IsEmailVerified    bool       `json:"is_email_verified"`
	Role               string     `json:"role"`
	MustChangePassword bool       `json:"must_change_password"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// View returns the public view of the credential.
func (c *Credential) View() PublicView {
	var lastLogin *time.Time
	if c.LastLoginAt != nil {
		value := *c.LastLoginAt
		lastLogin = &value
	}
	return PublicView{
		ID:                 c.ID,
		UsernameOrEmail:    c.Identifier,
		DisplayName:        c.DisplayName,
		IsEmailVerified:    c.IsEmailVerified,
		Role:               c.Role,
		MustChangePassword: c.MustChangePassword,
		LastLoginAt:        lastLogin,
		CreatedAt:          c.CreatedAt,
	}
}

type RegisterInput struct {
	Identifier  string
	Password    string
	DisplayName string
	IdentityRef string
	Role        string
}

type LoginResult struct {
	View               PublicView
	SessionToken       string
	RefreshToken       string
	SessionExpiresAt   time.Time
	MustChangePassword bool
}

type SessionTokens struct {
	SessionToken     string
	RefreshToken     string
	SessionExpiresAt time.Time
	CredentialID     string
	Role             string
}
