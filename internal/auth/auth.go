// Package auth derives tenant identities from API keys and issues the
// team-scoped internal tokens agent containers use to call back into the
// manager.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	tokenIssuer = "crewnet"
	teamScope   = "team"
)

// ErrInvalidToken is returned for internal tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// HashAPIKey returns the tenant id for an API key. The same key always maps
// to the same id; the key cannot be recovered from it.
func HashAPIKey(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// LooksLikeToken reports whether a credential has the three-segment shape of
// an internal token. API keys are opaque and never contain two dots.
func LooksLikeToken(credential string) bool {
	return strings.Count(credential, ".") == 2
}

// Credential extracts the caller credential from an Authorization header
// ("Bearer <cred>") or an X-API-Key header value. Returns "" if neither is set.
func Credential(authorization, apiKey string) string {
	if v := strings.TrimSpace(authorization); v != "" {
		if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			return strings.TrimSpace(v[7:])
		}
		return ""
	}
	return strings.TrimSpace(apiKey)
}

type teamClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies team-scoped internal tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. The secret must be non-empty.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret must not be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// IssueTeamToken returns a token granting access to teamID's agent endpoints,
// and its expiry.
func (i *Issuer) IssueTeamToken(teamID string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := teamClaims{
		Scope: teamScope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    tokenIssuer,
			Subject:   teamID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing team token: %w", err)
	}
	return signed, exp, nil
}

// VerifyTeamToken validates a token and returns the team id it is scoped to.
func (i *Issuer) VerifyTeamToken(token string) (string, error) {
	var claims teamClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Scope != teamScope || claims.Subject == "" {
		return "", fmt.Errorf("%w: not a team token", ErrInvalidToken)
	}
	return claims.Subject, nil
}
