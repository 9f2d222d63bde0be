package api

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenHashIterations = 210_000
	tokenHashSaltLength = 16
	tokenHashKeyLength  = 32
)

// ErrInvalidToken is returned when a control token does not match.
var ErrInvalidToken = errors.New("invalid control token")

// HashToken derives the PBKDF2-SHA256 hash stored in configuration for a
// control token.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("token is required")
	}
	salt := make([]byte, tokenHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", tokenHashIterations, encodedSalt, encodedKey), nil
}

// VerifyToken checks candidate against an encoded hash from HashToken.
func VerifyToken(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify token: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify token: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify token: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify token: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify token: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// tokenGuard verifies bearer tokens against one encoded hash. The digest of
// the last accepted token is remembered so steady traffic from the gateway
// does not pay for PBKDF2 on every request.
type tokenGuard struct {
	encodedHash string

	mu       sync.Mutex
	accepted [sha256.Size]byte
	hasCache bool
}

func newTokenGuard(encodedHash string) (*tokenGuard, error) {
	encodedHash = strings.TrimSpace(encodedHash)
	if encodedHash == "" {
		return nil, nil
	}
	// Reject malformed hashes at startup rather than on the first request.
	if err := VerifyToken(encodedHash, ""); err != nil && !errors.Is(err, ErrInvalidToken) {
		return nil, err
	}
	return &tokenGuard{encodedHash: encodedHash}, nil
}

func (g *tokenGuard) allow(candidate string) bool {
	if candidate == "" {
		return false
	}
	digest := sha256.Sum256([]byte(candidate))
	g.mu.Lock()
	if g.hasCache && subtle.ConstantTimeCompare(digest[:], g.accepted[:]) == 1 {
		g.mu.Unlock()
		return true
	}
	g.mu.Unlock()

	if err := VerifyToken(g.encodedHash, candidate); err != nil {
		return false
	}
	g.mu.Lock()
	g.accepted = digest
	g.hasCache = true
	g.mu.Unlock()
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
