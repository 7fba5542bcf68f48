package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const tokenBytes = 32

// TokenIssuer generates bearer and one-time tokens. Tokens carry no type; the
// field that stores their digest decides what they unlock.
type TokenIssuer interface {
	GenerateSessionToken() (string, error)
	GenerateOneTimeToken() (string, error)
}

// RandomTokenIssuer draws tokens from crypto/rand.
type RandomTokenIssuer struct{}

func NewRandomTokenIssuer() RandomTokenIssuer {
	return RandomTokenIssuer{}
}

func (RandomTokenIssuer) GenerateSessionToken() (string, error) {
	return randomToken(tokenBytes)
}

func (RandomTokenIssuer) GenerateOneTimeToken() (string, error) {
	return randomToken(tokenBytes)
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the digest under which a token is stored and looked up.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
