package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenExpiry = 12 * time.Hour

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

type Config struct {
	// Secret is the base64-encoded HMAC key shared with the identity
	// issuer. This service only verifies tokens; issuance lives outside.
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
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

// AuthService verifies bearer tokens minted by the external identity
// issuer. Verified tokens are cached with a TTL so the hot path
// (one check per connection or request) does not re-parse the JWT.
type AuthService struct {
	Config
	verified geche.Geche[string, string]
	now      func() time.Time
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:   config,
		verified: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:      time.Now,
	}, nil
}

// GetUserID returns the user ID the token was issued for.
func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	if userID, err := as.verified.Get(token); err == nil {
		return userID, nil
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) { return as.secretBytes, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		slog.Debug("token verification failed", "error", err)
		return "", ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	as.verified.Set(token, claims.Subject)
	return claims.Subject, nil
}

// Mint signs a token for the given user. Used by the add-user
// provisioning command and by tests; production tokens come from
// the identity issuer.
func (as *AuthService) Mint(userID string) (string, int64, error) {
	now := as.now()
	expiry := now.Add(as.TokenExpiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	})

	signed, err := token.SignedString(as.secretBytes)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiry.Unix(), nil
}
