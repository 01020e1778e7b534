// Package auth validates bearer tokens and guards driver-scoped operations.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleDriver    = "DRIVER"
	RolePassenger = "PASSENGER"
	RoleAdmin     = "ADMIN"
	RoleService   = "SERVICE"
)

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Role    string
}

type Kind int

const (
	Unauthenticated Kind = iota + 1
	Forbidden
)

// Error is returned by validators and guards. Kind drives the HTTP status.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func unauthenticated(format string, args ...any) *Error {
	return &Error{Kind: Unauthenticated, Msg: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) *Error {
	return &Error{Kind: Forbidden, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the auth error kind in err, or 0.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTValidator accepts HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

func (v *JWTValidator) Validate(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, unauthenticated("missing token")
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, unauthenticated("invalid token: %v", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Identity{}, unauthenticated("invalid token claims")
	}
	return Identity{Subject: claims.Subject, Role: strings.ToUpper(claims.Role)}, nil
}

// Sign issues a token for id. Used by tooling and tests.
func (v *JWTValidator) Sign(id Identity, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = id.Subject
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{Role: id.Role, RegisteredClaims: claims}).SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Require passes when the identity holds one of roles.
func Require(id Identity, roles ...string) error {
	if id.Subject == "" {
		return unauthenticated("authentication required")
	}
	for _, r := range roles {
		if id.Role == r {
			return nil
		}
	}
	return forbidden("role %q not permitted", id.Role)
}

// RequireDriverSelf lets a driver act only on its own record. Admins and
// services may act on any driver.
func RequireDriverSelf(id Identity, driverID string) error {
	if err := Require(id, RoleDriver, RoleAdmin, RoleService); err != nil {
		return err
	}
	if id.Role == RoleDriver && id.Subject != driverID {
		return forbidden("driver %s cannot act for %s", id.Subject, driverID)
	}
	return nil
}
