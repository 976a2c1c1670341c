package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenRequest describes a token minted by IssueToken.
type TokenRequest struct {
	Principal Principal
	Issuer    string
	Audience  string
	TTL       time.Duration
}

// IssueToken signs an HS256 token for p. It backs the operator CLI; end users
// obtain tokens from the external authentication service.
func IssueToken(req TokenRequest, key []byte) (string, error) {
	if len(key) == 0 {
		return "", errors.New("signing key is required")
	}
	if req.Principal.UserID == "" {
		return "", errors.New("principal user id is required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Principal.UserID,
			Issuer:    req.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: req.Principal.Username,
		Hospital: req.Principal.Hospital,
		Roles:    req.Principal.Roles,
	}
	if req.Audience != "" {
		claims.Audience = jwt.ClaimStrings{req.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
