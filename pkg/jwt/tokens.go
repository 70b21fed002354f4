package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// ErrNoTenant indicates a structurally valid token that does not name a tenant.
var ErrNoTenant = errors.New("jwt: token carries no tenant")

// Claims defines the session token payload.
type Claims struct {
	Tenant string `json:"tenant"`
	jwtlib.RegisteredClaims
}

// GenerateToken issues a signed session token bound to a tenant slug.
func GenerateToken(tenant, secret string, ttl time.Duration) (string, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return "", ErrNoTenant
	}
	now := time.Now()
	claims := Claims{
		Tenant: tenant,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "tenantops",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	if strings.TrimSpace(claims.Tenant) == "" {
		return nil, ErrNoTenant
	}
	return claims, nil
}
