package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenTypeBearer = "Bearer"

var (
	// ErrMissingToken indicates that no credential was presented.
	ErrMissingToken = errors.New("auth: token required")
	// ErrInvalidToken indicates a malformed, mis-signed or foreign token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken indicates a well-formed token past its expiry.
	ErrExpiredToken = errors.New("auth: token expired")
	// ErrInvalidIssuerConfig indicates missing token issuer configuration.
	ErrInvalidIssuerConfig = errors.New("auth: invalid token issuer config")

	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errNonPositiveTTL       = errors.New("token ttl must be positive")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures the backend JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// IssuedToken is a signed backend access token.
type IssuedToken struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int64
}

// TokenIssuer issues and validates the HS256 access tokens handed out by the auth endpoints.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with validated configuration.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIssuerConfig, errMissingSigningSecret)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIssuerConfig, errMissingIssuer)
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIssuerConfig, errMissingAudience)
	}
	if cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIssuerConfig, errNonPositiveTTL)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           cfg.TokenTTL,
		clock:         clock,
	}, nil
}

// IssueToken signs an access token for the canonical user identifier.
func (i *TokenIssuer) IssueToken(_ context.Context, userID string) (IssuedToken, error) {
	subject := strings.TrimSpace(userID)
	if subject == "" {
		return IssuedToken{}, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)

	registered := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		Audience:  jwt.ClaimStrings{i.audience},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, registered).SignedString(i.signingSecret)
	if err != nil {
		return IssuedToken{}, err
	}

	return IssuedToken{
		AccessToken: signed,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(i.ttl.Seconds()),
	}, nil
}

// ValidateToken verifies signature, issuer, audience and expiry and returns the subject.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithTimeFunc(i.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, errMissingSubjectClaim)
	}
	return claims.Subject, nil
}
