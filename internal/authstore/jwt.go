package authstore

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// JWT validates a bearer token presented as the protocol's api_key field,
// for deployments fronting sellia with an existing JWT-issuing identity
// provider instead of a flat key table. account_id is taken from the
// token's "sub" claim.
type JWT struct {
	keyFunc jwt.Keyfunc
	methods []string
}

// NewJWT builds a JWT provider. keyFunc resolves the verification key for
// a given token (HMAC secret, RSA/ECDSA public key, ...); methods
// restricts the accepted signing algorithms (e.g. []string{"HS256"}).
func NewJWT(keyFunc jwt.Keyfunc, methods []string) *JWT {
	return &JWT{keyFunc: keyFunc, methods: methods}
}

// Validate implements gateway.AuthProvider.
func (j *JWT) Validate(_ context.Context, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods(j.methods))
	token, err := parser.ParseWithClaims(apiKey, claims, j.keyFunc)
	if err != nil || !token.Valid {
		return "", false
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}
