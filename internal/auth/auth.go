// package auth verifies bearer tokens and enforces role requirements on the
// HTTP surface. Tokens are HMAC-signed JWTs carrying a "roles" claim.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Roles understood by the control plane. Founder outranks operator; auditor is
// read-only access to audit surfaces.
const (
	RoleFounder  = "founder"
	RoleOperator = "operator"
	RoleAuditor  = "auditor"
)

type contextKey string

const principalKey contextKey = "auth.principal"

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the principal carries the role. Founders implicitly
// satisfy every role check.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == RoleFounder {
			return true
		}
	}
	return false
}

// FromContext returns the principal attached by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Verifier validates bearer tokens. An empty secret disables verification
// entirely; DevAllowLocal additionally trusts the X-Local-Dev-Principal
// header, both for local development only.
type Verifier struct {
	secret        []byte
	devAllowLocal bool
}

func NewVerifier(secret string, devAllowLocal bool) *Verifier {
	return &Verifier{secret: []byte(secret), devAllowLocal: devAllowLocal}
}

// Enabled reports whether token verification is active.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// VerifyRequest extracts and validates the caller's principal.
func (v *Verifier) VerifyRequest(r *http.Request) (Principal, error) {
	if v.devAllowLocal {
		if dev := r.Header.Get("X-Local-Dev-Principal"); dev != "" {
			return Principal{Subject: dev, Roles: []string{RoleFounder}}, nil
		}
	}
	if !v.Enabled() {
		return Principal{Subject: "anonymous", Roles: []string{RoleFounder}}, nil
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Principal{}, errors.New("authentication required: bearer token")
	}
	return v.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
}

func (v *Verifier) verifyToken(tokenStr string) (Principal, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return Principal{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.New("invalid claims")
	}

	p := Principal{}
	if sub, err := claims.GetSubject(); err == nil {
		p.Subject = sub
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				p.Roles = append(p.Roles, s)
			}
		}
	}
	if len(p.Roles) == 0 {
		return Principal{}, errors.New("missing roles claim")
	}
	return p, nil
}

// Middleware authenticates every request and attaches the principal.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := v.VerifyRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// RequireRole guards a route subtree with a role check.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if !p.HasRole(role) {
				http.Error(w, fmt.Sprintf("role %s required", role), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MintToken issues a signed token for the subject and roles. Used by tests and
// the dev bootstrap.
func (v *Verifier) MintToken(subject string, roles []string) (string, error) {
	if !v.Enabled() {
		return "", errors.New("verifier has no secret")
	}
	claims := jwt.MapClaims{"sub": subject, "roles": roles}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
