package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"runtime"

	"github.com/samber/oops"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultHashIterations = 210_000
	MinHashIterations     = 10_000
	saltBytes             = 16
	derivedKeyBytes       = 32
)

// CredentialHasher derives and checks salted password digests.
type CredentialHasher interface {
	// Hash derives a digest. An empty salt generates a fresh random one.
	Hash(password, salt string) (hash, usedSalt string, err error)

	// Verify recomputes the digest and compares in constant time. Malformed
	// stored values yield false; only an empty password is an error.
	Verify(password, hash, salt string) (bool, error)
}

// PBKDF2Hasher implements CredentialHasher with PBKDF2-HMAC-SHA256 and hex
// encoded output.
type PBKDF2Hasher struct {
	iterations int
}

// NewPBKDF2Hasher returns a hasher; iterations below MinHashIterations are
// raised to the minimum.
func NewPBKDF2Hasher(iterations int) *PBKDF2Hasher {
	if iterations < MinHashIterations {
		iterations = MinHashIterations
	}
	return &PBKDF2Hasher{iterations: iterations}
}

func (h *PBKDF2Hasher) Hash(password, salt string) (string, string, error) {
	if password == "" {
		return "", "", oops.Code("AUTH_EMPTY_PASSWORD").Wrapf(ErrInvalidArgument, "password cannot be empty")
	}

	var saltRaw []byte
	if salt == "" {
		saltRaw = make([]byte, saltBytes)
		if _, err := rand.Read(saltRaw); err != nil {
			return "", "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
		}
		salt = hex.EncodeToString(saltRaw)
	} else {
		decoded, err := hex.DecodeString(salt)
		if err != nil || len(decoded) == 0 {
			return "", "", oops.Code("AUTH_INVALID_SALT").Wrapf(ErrInvalidArgument, "salt must be non-empty hex")
		}
		saltRaw = decoded
	}

	key := pbkdf2.Key([]byte(password), saltRaw, h.iterations, derivedKeyBytes, sha256.New)
	return hex.EncodeToString(key), salt, nil
}

func (h *PBKDF2Hasher) Verify(password, hash, salt string) (bool, error) {
	if password == "" {
		return false, oops.Code("AUTH_EMPTY_PASSWORD").Wrapf(ErrInvalidArgument, "password cannot be empty")
	}

	expected, err := hex.DecodeString(hash)
	if err != nil || len(expected) != derivedKeyBytes {
		return false, nil
	}
	saltRaw, err := hex.DecodeString(salt)
	if err != nil || len(saltRaw) == 0 {
		return false, nil
	}

	computed := pbkdf2.Key([]byte(password), saltRaw, h.iterations, derivedKeyBytes, sha256.New)
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// HashPool bounds concurrent key derivations so CPU-heavy hashing cannot
// starve unrelated requests.
type HashPool struct {
	hasher CredentialHasher
	sem    *semaphore.Weighted
}

// NewHashPool wraps hasher with at most workers concurrent derivations.
// workers <= 0 defaults to GOMAXPROCS.
func NewHashPool(hasher CredentialHasher, workers int) *HashPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &HashPool{hasher: hasher, sem: semaphore.NewWeighted(int64(workers))}
}

func (p *HashPool) Hash(ctx context.Context, password, salt string) (string, string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", "", oops.Code("AUTH_HASH_FAILED").With("operation", "acquire hash worker").Wrap(err)
	}
	defer p.sem.Release(1)
	return p.hasher.Hash(password, salt)
}

func (p *HashPool) Verify(ctx context.Context, password, hash, salt string) (bool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, oops.Code("AUTH_HASH_FAILED").With("operation", "acquire hash worker").Wrap(err)
	}
	defer p.sem.Release(1)
	return p.hasher.Verify(password, hash, salt)
}
