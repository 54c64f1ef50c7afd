// Package auth issues and validates the storefront's bearer tokens and
// guards API routes with them.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stonearbor/stonearbor/internal/models"
)

const defaultTokenTTL = 24 * time.Hour

// Identity is the authenticated caller extracted from a token.
type Identity struct {
	UserID uuid.UUID
	Email  string
	Name   string
	Admin  bool
}

type claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for the user. A zero ttl uses the
// default; a negative ttl issues an already-expired token.
func IssueToken(secret string, user *models.User, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("token secret is required")
	}
	if ttl == 0 {
		ttl = defaultTokenTTL
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: user.Email,
		Name:  user.Name,
		Admin: user.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

// ParseToken validates the token signature and expiry and returns the
// caller's identity.
func ParseToken(secret, tokenString string) (*Identity, error) {
	var parsed claims
	_, err := jwt.ParseWithClaims(tokenString, &parsed, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	userID, err := uuid.Parse(parsed.Subject)
	if err != nil {
		return nil, fmt.Errorf("invalid token subject: %w", err)
	}

	return &Identity{
		UserID: userID,
		Email:  parsed.Email,
		Name:   parsed.Name,
		Admin:  parsed.Admin,
	}, nil
}
