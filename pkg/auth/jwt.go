package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTManager signs and validates relay API keys.
type JWTManager struct {
	secretKey []byte
}

// APIKeyClaims are the claims embedded in a relay API key. Permissions gate
// which upstream families the key may dispatch to; Models, when non-empty,
// restricts which model names the key may request.
type APIKeyClaims struct {
	Permissions []string `json:"permissions"`
	Models      []string `json:"models,omitempty"`
	jwt.RegisteredClaims
}

func NewJWTManager(secretKey string) *JWTManager {
	return &JWTManager{secretKey: []byte(secretKey)}
}

// GenerateAPIKey mints a signed API key for keyID. A zero ttl produces a
// non-expiring key.
func (j *JWTManager) GenerateAPIKey(keyID string, permissions, models []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &APIKeyClaims{
		Permissions: permissions,
		Models:      models,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  keyID,
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign API key: %w", err)
	}
	return signed, nil
}

// ValidateAPIKey parses and verifies an API key, returning its claims.
func (j *JWTManager) ValidateAPIKey(tokenString string) (*APIKeyClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &APIKeyClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse API key: %w", err)
	}

	claims, ok := token.Claims.(*APIKeyClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid API key")
	}
	return claims, nil
}
