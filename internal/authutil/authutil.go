// Package authutil provides a reference token Validator for the bearer
// tokens transport/httpserver accepts on the Authorization header. Real
// deployments are expected to plug in their own delegation-token issuer;
// this package exists so the server and its tests have something concrete
// to wire against. Modeled on the teacher's oidc/auth0 verifier: parse,
// look up the signing key, verify, check standard claims.
package authutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validator resolves a bearer token to the ASAP agent URN it authenticates,
// with the same method set as transport/httpserver's Authenticator.
type Validator interface {
	Validate(tokenString string) (agentURN string, err error)
}

// HS256Validator verifies tokens signed with a single shared HMAC secret,
// expecting a "sub" claim carrying the agent's URN.
type HS256Validator struct {
	secret []byte
	leeway time.Duration
}

// NewHS256Validator builds a validator around secret, allowing the given
// clock-skew leeway on exp/nbf/iat (0 uses a 60s default).
func NewHS256Validator(secret []byte, leeway time.Duration) *HS256Validator {
	if leeway == 0 {
		leeway = 60 * time.Second
	}
	return &HS256Validator{secret: secret, leeway: leeway}
}

// Validate parses and verifies tokenString, returning the agent URN from
// its "sub" claim.
func (v *HS256Validator) Validate(tokenString string) (string, error) {
	parser := jwt.NewParser(jwt.WithLeeway(v.leeway))
	token, err := parser.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("authutil: unexpected signing method %s", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("authutil: parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("authutil: token failed validation")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("authutil: unexpected claims type")
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return "", fmt.Errorf("authutil: token is missing sub claim")
	}
	return sub, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. Returns ("", false) when the header is absent or
// malformed.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// IssueHS256 mints a token signed with secret for agentURN, expiring after
// ttl. Intended for tests and local development wiring, not production
// token issuance.
func IssueHS256(secret []byte, agentURN string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": agentURN,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
