package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"kasku/internal/core"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey string

const tenantContextKey contextKey = "tenant"

// Verifier checks bearer tokens and resolves the tenant they belong to.
// Token issuance lives elsewhere; this side only verifies HS256 signatures
// and reads the subject claim.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// TenantFromAuthHeader extracts and verifies the Authorization header value,
// returning the tenant identifier from the token subject.
func (v *Verifier) TenantFromAuthHeader(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}

	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", ErrMissingToken
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return sub, nil
}

// WithTenant attaches a tenant ID to the context
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenant)
}

// TenantFromContext returns the tenant set by the auth middleware. Falls back
// to the legacy tenant so code paths without middleware stay usable.
func TenantFromContext(ctx context.Context) string {
	if tenant, ok := ctx.Value(tenantContextKey).(string); ok && tenant != "" {
		return tenant
	}
	return core.LegacyTenant
}
