// Package auth resolves the calling user from a bearer token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

const (
	// DevCallerHeader carries the caller id when token verification is disabled.
	DevCallerHeader = "X-Caller-ID"
	// DevRoleHeader carries the caller role when token verification is disabled.
	DevRoleHeader = "X-Caller-Role"
)

// RoleEvaluator is the service role allowed to record evaluation verdicts.
const RoleEvaluator = "evaluator"

type callerKey struct{}

type roleKey struct{}

// Claims is the token payload. The subject is the caller id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Identity is a verified caller.
type Identity struct {
	Subject string
	Role    string
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier constructs a Verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for subject, valid for ttl.
func (v *Verifier) Issue(subject string, ttl time.Duration, now time.Time) (string, error) {
	return v.IssueRole(subject, "", ttl, now)
}

// IssueRole signs a token for subject carrying role.
func (v *Verifier) IssueRole(subject, role string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenString and returns the caller identity.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", report.ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, report.ErrUnauthenticated
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", report.ErrUnauthenticated)
	}
	return Identity{Subject: subject, Role: strings.TrimSpace(claims.Role)}, nil
}

// Middleware attaches the caller and its role to the request context. With a
// nil verifier both are read from DevCallerHeader and DevRoleHeader instead. Requests without a caller
// pass through unauthenticated; handlers decide whether that is acceptable.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := identityFromRequest(v, r)
			if err != nil || id.Subject == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := WithCaller(r.Context(), id.Subject)
			if id.Role != "" {
				ctx = WithRole(ctx, id.Role)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identityFromRequest(v *Verifier, r *http.Request) (Identity, error) {
	if v == nil {
		return Identity{
			Subject: strings.TrimSpace(r.Header.Get(DevCallerHeader)),
			Role:    strings.TrimSpace(r.Header.Get(DevRoleHeader)),
		}, nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return Identity{}, report.ErrUnauthenticated
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return Identity{}, errors.New("invalid authorization header format")
	}
	return v.Verify(strings.TrimSpace(parts[1]))
}

// WithCaller stores the caller id on ctx.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller returns the caller id stored on ctx, or ErrUnauthenticated.
func Caller(ctx context.Context) (string, error) {
	caller, ok := ctx.Value(callerKey{}).(string)
	if !ok || caller == "" {
		return "", report.ErrUnauthenticated
	}
	return caller, nil
}

// WithRole stores the caller role on ctx.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RequireRole returns ErrUnauthenticated without a caller and ErrForbidden
// when the caller does not hold role.
func RequireRole(ctx context.Context, role string) error {
	if _, err := Caller(ctx); err != nil {
		return err
	}
	if got, _ := ctx.Value(roleKey{}).(string); got != role {
		return fmt.Errorf("%w: requires role %q", report.ErrForbidden, role)
	}
	return nil
}
