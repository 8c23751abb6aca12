// Package auth verifies bearer credentials. Tokens are HS256 JWTs carrying the
// user id and role; revoked token ids are remembered until they expire.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"chatcore/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	DefaultRole        = "user"
)

type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
	Issuer      string        `json:"issuer"`
}

type AuthService struct {
	Config
	revoked geche.Geche[string, struct{}]
	now     func() time.Time
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:  config,
		revoked: geche.NewMapTTLCache[string, struct{}](ctx, config.TokenExpiry, time.Minute),
		now:     time.Now,
	}, nil
}

// Issue mints a token for the user. Identity issuance belongs to the account
// service; this exists for tooling and tests.
func (as *AuthService) Issue(userID, role string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	if role == "" {
		role = DefaultRole
	}
	now := as.now()
	expiry := now.Add(as.TokenExpiry)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    as.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(as.secretBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiry, nil
}

func (as *AuthService) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(as.now),
		jwt.WithExpirationRequired(),
	}
	if as.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(as.Issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return as.secretBytes, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAuthentication, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid token", models.ErrAuthentication)
	}
	return claims, nil
}

// Verify decodes a bearer credential into an identity.
func (as *AuthService) Verify(_ context.Context, token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, fmt.Errorf("%w: missing token", models.ErrAuthentication)
	}
	claims, err := as.parse(token)
	if err != nil {
		return models.Identity{}, err
	}
	if _, err := as.revoked.Get(claims.ID); err == nil {
		return models.Identity{}, fmt.Errorf("%w: token revoked", models.ErrAuthentication)
	}
	role := claims.Role
	if role == "" {
		role = DefaultRole
	}
	return models.Identity{ID: claims.Subject, Role: role}, nil
}

// Revoke rejects the token from now until it would have expired anyway.
func (as *AuthService) Revoke(token string) error {
	claims, err := as.parse(token)
	if err != nil {
		return err
	}
	as.revoked.Set(claims.ID, struct{}{})
	return nil
}
