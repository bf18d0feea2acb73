package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/notify/pkg/sessionvalidator"
)

const refreshTokenUse = "refresh"

// TokenCodecConfig configures the signing secrets and issuer for access and refresh tokens.
type TokenCodecConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	Clock         Clock
}

// TokenCodec signs and verifies HS256 access and refresh tokens with independent secrets.
type TokenCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	clock         Clock
	validator     *sessionvalidator.Validator
}

type refreshClaims struct {
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// NewTokenCodec validates the configuration and builds a codec.
func NewTokenCodec(configuration TokenCodecConfig) (*TokenCodec, error) {
	if len(configuration.AccessSecret) == 0 || len(configuration.RefreshSecret) == 0 {
		return nil, fmt.Errorf("token_codec.new: %w: signing secrets are required", ErrInvalidInput)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("token_codec.new: %w: issuer is required", ErrInvalidInput)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.AccessSecret,
		Issuer:     configuration.Issuer,
		Clock:      clock,
	})
	if err != nil {
		return nil, fmt.Errorf("token_codec.new: %w", err)
	}
	return &TokenCodec{
		accessSecret:  configuration.AccessSecret,
		refreshSecret: configuration.RefreshSecret,
		issuer:        configuration.Issuer,
		clock:         clock,
		validator:     validator,
	}, nil
}

// IssueAccess signs an access token carrying the identity id and role.
func (codec *TokenCodec) IssueAccess(identityID string, role Role, ttl time.Duration) (string, time.Time, error) {
	issuedAt := codec.clock.Now()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		UserID:   identityID,
		UserRole: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    codec.issuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(codec.accessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token_codec.issue_access: %w", err)
	}
	return signed, expiresAt, nil
}

// IssueRefresh signs a refresh token. Each token carries a random jti so two tokens never collide.
func (codec *TokenCodec) IssueRefresh(identityID string, ttl time.Duration) (string, time.Time, error) {
	tokenID, err := newIdentifier()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token_codec.issue_refresh: %w", err)
	}
	issuedAt := codec.clock.Now()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims{
		TokenUse: refreshTokenUse,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    codec.issuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, signErr := token.SignedString(codec.refreshSecret)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("token_codec.issue_refresh: %w", signErr)
	}
	return signed, expiresAt, nil
}

// VerifyAccess checks signature, issuer, and expiry of an access token.
func (codec *TokenCodec) VerifyAccess(tokenString string) (Principal, error) {
	claims, err := codec.validator.ValidateToken(tokenString)
	if err != nil {
		if errors.Is(err, sessionvalidator.ErrTokenExpired) {
			return Principal{}, fmt.Errorf("token_codec.verify_access: %w", ErrTokenExpired)
		}
		return Principal{}, fmt.Errorf("token_codec.verify_access: %w: %v", ErrTokenMalformed, err)
	}
	role, roleErr := ParseRole(claims.GetUserRole())
	if roleErr != nil {
		return Principal{}, fmt.Errorf("token_codec.verify_access: %w", ErrTokenMalformed)
	}
	return Principal{
		IdentityID: claims.GetUserID(),
		Role:       role,
		ExpiresAt:  claims.GetExpiresAt(),
	}, nil
}

// VerifyRefresh checks a refresh token and returns its subject.
func (codec *TokenCodec) VerifyRefresh(tokenString string) (string, error) {
	if strings.TrimSpace(tokenString) == "" {
		return "", fmt.Errorf("token_codec.verify_refresh: %w", ErrTokenMalformed)
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &refreshClaims{}, func(*jwt.Token) (interface{}, error) {
		return codec.refreshSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(codec.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(codec.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("token_codec.verify_refresh: %w", ErrTokenExpired)
		}
		return "", fmt.Errorf("token_codec.verify_refresh: %w: %v", ErrTokenMalformed, err)
	}
	claims, ok := parsed.Claims.(*refreshClaims)
	if !ok || !parsed.Valid || claims.TokenUse != refreshTokenUse || claims.Subject == "" {
		return "", fmt.Errorf("token_codec.verify_refresh: %w", ErrTokenMalformed)
	}
	return claims.Subject, nil
}
