package api

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenHashPrefix            = "pbkdf2"
	tokenSaltLength            = 16
	tokenKeyLength             = 32
	DefaultTokenHashIterations = 120000
)

// ErrInvalidToken is returned when a presented bearer token does not match.
var ErrInvalidToken = errors.New("invalid token")

// HashToken derives a pbkdf2$sha256$<iter>$<salt>$<key> hash for token.
// A non-positive iterations count selects DefaultTokenHashIterations.
func HashToken(token string, iterations int) (string, error) {
	if token == "" {
		return "", errors.New("hash token: token is empty")
	}
	if iterations <= 0 {
		iterations = DefaultTokenHashIterations
	}
	salt := make([]byte, tokenSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("hash token: generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(token), salt, iterations, tokenKeyLength, sha256.New)
	return strings.Join([]string{
		tokenHashPrefix,
		"sha256",
		strconv.Itoa(iterations),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	}, "$"), nil
}

// IsTokenHash reports whether configured looks like a HashToken result
// rather than a plain-text token.
func IsTokenHash(configured string) bool {
	return strings.HasPrefix(configured, tokenHashPrefix+"$")
}

// tokenVerifier checks presented bearer tokens against the configured value.
type tokenVerifier struct {
	plain      []byte
	salt       []byte
	key        []byte
	iterations int
}

func newTokenVerifier(configured string) (*tokenVerifier, error) {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return nil, nil
	}
	if !IsTokenHash(configured) {
		return &tokenVerifier{plain: []byte(configured)}, nil
	}

	parts := strings.Split(configured, "$")
	if len(parts) != 5 {
		return nil, errors.New("token hash: invalid format")
	}
	if parts[1] != "sha256" {
		return nil, fmt.Errorf("token hash: unsupported digest %q", parts[1])
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return nil, errors.New("token hash: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("token hash: decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return nil, errors.New("token hash: invalid key")
	}
	return &tokenVerifier{salt: salt, key: key, iterations: iterations}, nil
}

func (v *tokenVerifier) verify(candidate string) error {
	if v.plain != nil {
		if subtle.ConstantTimeCompare([]byte(candidate), v.plain) != 1 {
			return ErrInvalidToken
		}
		return nil
	}
	derived := pbkdf2.Key([]byte(candidate), v.salt, v.iterations, len(v.key), sha256.New)
	if subtle.ConstantTimeCompare(derived, v.key) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// VerifyToken checks candidate against a configured plain token or hash.
func VerifyToken(configured, candidate string) error {
	v, err := newTokenVerifier(configured)
	if err != nil {
		return err
	}
	if v == nil {
		return errors.New("no token configured")
	}
	return v.verify(candidate)
}
