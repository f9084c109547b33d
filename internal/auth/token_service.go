package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/velomart/storefront/backend/internal/repository"
)

// TokenType represents the type of JWT token
type TokenType string

const (
	AccessTokenType  TokenType = "access"
	RefreshTokenType TokenType = "refresh"
)

// Token codec errors. Callers branch on these to tell a token that was
// once valid (Expired) from one that never was (Invalid).
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims represents the JWT claims structure. Access tokens carry enough
// identity to authorize requests without a database round-trip; refresh
// tokens carry only the subject and actor since they are always checked
// against the session table on use.
type Claims struct {
	DisplayName string           `json:"name,omitempty"`
	Email       string           `json:"email,omitempty"`
	Actor       repository.Actor `json:"actor"`
	Type        TokenType        `json:"type"`
	jwt.RegisteredClaims
}

// AccountID returns the account ID from the Subject claim
func (c *Claims) AccountID() string {
	return c.Subject
}

// TokenService handles JWT token generation and validation
type TokenService struct {
	accessSecret       string
	refreshSecret      string
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
	issuer             string
}

// TokenServiceConfig holds configuration for TokenService
type TokenServiceConfig struct {
	AccessSecret       string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// NewTokenService creates a new TokenService instance. When no dedicated
// refresh secret is configured the access secret signs both kinds.
func NewTokenService(cfg TokenServiceConfig) *TokenService {
	refreshSecret := cfg.RefreshSecret
	if refreshSecret == "" {
		refreshSecret = cfg.AccessSecret
	}
	accessExpiry := cfg.AccessTokenExpiry
	if accessExpiry <= 0 {
		accessExpiry = 15 * time.Minute
	}
	refreshExpiry := cfg.RefreshTokenExpiry
	if refreshExpiry <= 0 {
		refreshExpiry = 30 * 24 * time.Hour
	}
	return &TokenService{
		accessSecret:       cfg.AccessSecret,
		refreshSecret:      refreshSecret,
		accessTokenExpiry:  accessExpiry,
		refreshTokenExpiry: refreshExpiry,
		issuer:             cfg.Issuer,
	}
}

// TokenPair represents a pair of access and refresh tokens
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // Access token expiry in seconds
}

// GenerateAccessToken generates a new access token for the given account
func (s *TokenService) GenerateAccessToken(account *repository.Account) (string, error) {
	now := time.Now()

	claims := Claims{
		DisplayName: account.DisplayName,
		Email:       account.Email,
		Actor:       account.Actor,
		Type:        AccessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   account.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.accessSecret))
}

// GenerateRefreshToken generates a new refresh token for the given account
func (s *TokenService) GenerateRefreshToken(account *repository.Account) (string, error) {
	now := time.Now()

	claims := Claims{
		Actor: account.Actor,
		Type:  RefreshTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   account.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTokenExpiry)),
			ID:        uuid.New().String(), // Unique ID so rotated tokens never collide
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.refreshSecret))
}

// GenerateTokenPair generates both access and refresh tokens
func (s *TokenService) GenerateTokenPair(account *repository.Account) (*TokenPair, error) {
	accessToken, err := s.GenerateAccessToken(account)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.GenerateRefreshToken(account)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTokenExpiry.Seconds()),
	}, nil
}

// ValidateAccessToken validates an access token and returns the claims
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, s.accessSecret, AccessTokenType)
}

// ValidateRefreshToken validates a refresh token and returns the claims
func (s *TokenService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, s.refreshSecret, RefreshTokenType)
}

// validateToken validates a JWT token with the given secret and expected
// type. Verification has no side effects; expiry is checked against
// wall-clock time by the jwt library.
func (s *TokenService) validateToken(tokenString, secret string, expectedType TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Type != expectedType {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// HashRefreshToken creates a SHA-256 hash of the refresh token for storage
func (s *TokenService) HashRefreshToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// GetAccessTokenExpiry returns the access token expiry duration
func (s *TokenService) GetAccessTokenExpiry() time.Duration {
	return s.accessTokenExpiry
}

// GetRefreshTokenExpiry returns the refresh token expiry duration
func (s *TokenService) GetRefreshTokenExpiry() time.Duration {
	return s.refreshTokenExpiry
}
