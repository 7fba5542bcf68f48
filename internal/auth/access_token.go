package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const accessTokenType = "access"

var ErrInvalidAccessToken = errors.New("invalid or expired access token")

// AccessTokenSigner mints the short-lived HS256 bearer tokens handed out
// alongside a session. They expire with the session they were minted for.
type AccessTokenSigner struct {
	secret []byte
}

func NewAccessTokenSigner(secret string) (*AccessTokenSigner, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required: %w", ErrInvalidArgument)
	}
	return &AccessTokenSigner{secret: []byte(secret)}, nil
}

// Sign returns the encoded token and its lifetime in whole seconds.
func (s *AccessTokenSigner) Sign(credentialID, role string, now, expiresAt time.Time) (string, int64, error) {
	claims := jwt.MapClaims{
		"sub":  credentialID,
		"role": role,
		"iat":  now.Unix(),
		"exp":  expiresAt.Unix(),
		"typ":  accessTokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign jwt: %w", err)
	}

	expiresIn := int64(expiresAt.Sub(now).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return encoded, expiresIn, nil
}

type AccessClaims struct {
	CredentialID string
	Role         string
}

func (s *AccessTokenSigner) Parse(tokenStr string) (AccessClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return AccessClaims{}, ErrInvalidAccessToken
	}
	if tokenType, _ := claims["typ"].(string); tokenType != accessTokenType {
		return AccessClaims{}, ErrInvalidAccessToken
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return AccessClaims{}, ErrInvalidAccessToken
	}
	role, _ := claims["role"].(string)
	return AccessClaims{CredentialID: subject, Role: role}, nil
}
