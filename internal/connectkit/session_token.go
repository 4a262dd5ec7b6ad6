package connectkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/vitrin/pkg/sessionvalidator"
)

const sessionKeyByteLength = 32

var errEmptySessionKey = errors.New("session_token.empty_key")

// MintSessionToken signs an HS256 token that carries the browser's opaque session key.
func MintSessionToken(clock Clock, sessionKey string, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(sessionKey) == "" {
		return "", time.Time{}, fmt.Errorf("session_token.mint: %w", errEmptySessionKey)
	}
	issuedAt := clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		SessionKey: sessionKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session_token.mint: %w", err)
	}
	return signed, expiresAt, nil
}

func generateSessionKey() (string, string, error) {
	randomBytes := make([]byte, sessionKeyByteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("session_token.random: %w", err)
	}
	sessionKey := base64.RawURLEncoding.EncodeToString(randomBytes)
	return sessionKey, HashSessionKey(sessionKey), nil
}

// HashSessionKey returns the stored form of an opaque session key.
func HashSessionKey(sessionKey string) string {
	if sessionKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sessionKey))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
