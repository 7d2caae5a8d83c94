// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller identity. An Authenticator turns a request
// into a domain.Identity; Authenticate installs it in the Gin context or
// rejects the request with 401.
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tbourn/persona-chat-backend/internal/domain"
)

// Identity headers read by HeaderAuthenticator.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

const (
	ctxKeyIdentity = "identity"
	ctxKeyUserID   = "userID"
)

// Authentication failures.
var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.Identity, error)
}

// HeaderAuthenticator trusts X-User-ID / X-User-Role. It is meant for local
// development and for deployments behind a gateway that sets those headers.
type HeaderAuthenticator struct{}

// Authenticate implements Authenticator.
func (HeaderAuthenticator) Authenticate(r *http.Request) (domain.Identity, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	role := domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole))))
	if id == "" && role == "" {
		return domain.Identity{}, ErrMissingCredentials
	}
	ident := domain.Identity{ID: id, Role: role}
	if ident.Anonymous() {
		return domain.Identity{}, ErrInvalidCredentials
	}
	return ident, nil
}

// Claims is the JWT payload: the subject is the caller id.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 bearer tokens.
type JWTAuthenticator struct {
	Secret []byte
	Issuer string // checked when non-empty
	Now    func() time.Time
}

func (a JWTAuthenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Issue signs a token for sub with the given role and lifetime.
func (a JWTAuthenticator) Issue(sub string, role domain.Role, ttl time.Duration) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("jwt: unknown role %q", role)
	}
	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    a.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

// Authenticate implements Authenticator.
func (a JWTAuthenticator) Authenticate(r *http.Request) (domain.Identity, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return domain.Identity{}, ErrMissingCredentials
	}
	scheme, tok, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return domain.Identity{}, ErrInvalidCredentials
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(tok), &claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	ident := domain.Identity{ID: claims.Subject, Role: claims.Role}
	if ident.Anonymous() {
		return domain.Identity{}, ErrInvalidCredentials
	}
	return ident, nil
}

// Authenticate rejects requests without a valid identity and stores the
// identity for handlers (IdentityFrom) and downstream middleware.
func Authenticate(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, err := a.Authenticate(c.Request)
		if err != nil {
			LoggerFrom(c).Debug().Err(err).Msg("authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.GetString(requestIDKey),
				"code":       "unauthorized",
				"message":    "authentication required",
			})
			return
		}
		c.Set(ctxKeyIdentity, ident)
		c.Set(ctxKeyUserID, ident.ID)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Authenticate. The zero value
// (anonymous) is returned when none is present.
func IdentityFrom(c *gin.Context) domain.Identity {
	if v, ok := c.Get(ctxKeyIdentity); ok {
		if id, ok := v.(domain.Identity); ok {
			return id
		}
	}
	return domain.Identity{}
}
