package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller. It carries no role: roles exist only
// inside a tenant membership.
type Identity struct {
	UserID uuid.UUID
	Email  string
	Name   string

	// TokenID, IssuedAt and ExpiresAt describe the bearer token the
	// identity was read from. They are zero for identities built in code.
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// SigningKey enables HS256 for both issuing and verifying tokens.
	SigningKey []byte
	// PublicKey enables RS256 verification of tokens minted elsewhere.
	PublicKey *rsa.PublicKey
	// TTL is the lifetime of tokens issued by IssueToken.
	TTL time.Duration
}

func (cfg JWTConfig) keyFunc(t *jwt.Token) (interface{}, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(cfg.SigningKey) == 0 {
			return nil, errors.New("HS256 tokens are not accepted")
		}
		return cfg.SigningKey, nil
	case *jwt.SigningMethodRSA:
		if cfg.PublicKey == nil {
			return nil, errors.New("RS256 tokens are not accepted")
		}
		return cfg.PublicKey, nil
	}
	return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
}

// ParseToken validates a bearer token and returns the identity it carries.
func ParseToken(cfg JWTConfig, tokenStr string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, cfg.keyFunc, opts...)
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	uid, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("subject is not a user id: %w", err)
	}
	id := Identity{UserID: uid, Email: claims.Email, Name: claims.Name, TokenID: claims.ID}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// TokenTTL is the lifetime applied by IssueToken.
func (cfg JWTConfig) TokenTTL() time.Duration {
	if cfg.TTL <= 0 {
		return 8 * time.Hour
	}
	return cfg.TTL
}

// IssueToken mints an HS256 token for id with a fresh token id.
func IssueToken(cfg JWTConfig, id Identity, now time.Time) (string, error) {
	if len(cfg.SigningKey) == 0 {
		return "", errors.New("no signing key configured")
	}
	ttl := cfg.TokenTTL()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID.String(),
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: id.Email,
		Name:  id.Name,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
}

// RevocationChecker reports whether a parsed token has been withdrawn.
// *Revocations satisfies it.
type RevocationChecker interface {
	Revoked(id Identity) bool
}

type identityOptions struct {
	revocations RevocationChecker
}

type IdentityOption func(*identityOptions)

// WithRevocations rejects tokens the checker reports as revoked.
func WithRevocations(r RevocationChecker) IdentityOption {
	return func(o *identityOptions) { o.revocations = r }
}

// IdentityMiddleware authenticates the bearer token and stores the Identity
// on the request context.
func IdentityMiddleware(cfg JWTConfig, opts ...IdentityOption) echo.MiddlewareFunc {
	var o identityOptions
	for _, opt := range opts {
		opt(&o)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			id, err := ParseToken(cfg, strings.TrimSpace(parts[1]))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if o.revocations != nil && o.revocations.Revoked(id) {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has been revoked")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && id.UserID != uuid.Nil
}
