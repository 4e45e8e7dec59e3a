package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-hailing/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   models.Role
	Name   string
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

type Claims struct {
	jwt.RegisteredClaims
	Role   string `json:"role"` // rider | driver | system
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// JWTAuthenticator validates HS256 access tokens issued by the account
// service. Issue exists for tooling and tests.
type JWTAuthenticator struct {
	signingKey []byte
	ttl        time.Duration
}

func NewJWTAuthenticator(signingKey string, ttl time.Duration) *JWTAuthenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTAuthenticator{signingKey: []byte(signingKey), ttl: ttl}
}

func (a *JWTAuthenticator) Issue(id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Role:   string(id.Role),
		UserID: id.UserID,
		Name:   id.Name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, tokenStr string) (Identity, error) {
	if tokenStr == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	tok, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.signingKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return Identity{}, ErrInvalidToken
	}
	id := Identity{UserID: claims.UserID, Role: models.Role(claims.Role), Name: claims.Name}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	switch id.Role {
	case models.RoleRider, models.RoleDriver, models.RoleSystem:
	default:
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return id, nil
}
