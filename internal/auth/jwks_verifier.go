package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const defaultJWKSCacheTTL = 10 * time.Minute

var (
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errKeyNotFound           = errors.New("signing key not found in JWKS")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errMissingSubject        = errors.New("token missing subject claim")
	errMissingAudienceConfig = errors.New("audience configuration required")
	errMissingJWKSURL        = errors.New("jwks url configuration required")
	errNoAllowedIssuers      = errors.New("no allowed issuers configured")
	errJWKSUnavailable       = errors.New("jwks document unavailable")
	errNoUsableKeys          = errors.New("jwks document contained no usable keys")
	errEmptyKeyComponent     = errors.New("empty key component")
	errInvalidKeyExponent    = errors.New("invalid key exponent")
	// ErrInvalidVerifierConfig indicates missing identity provider configuration.
	ErrInvalidVerifierConfig = errors.New("auth: invalid jwks verifier config")
)

// JWKSVerifierConfig bundles configuration required to instantiate a JWKSVerifier.
type JWKSVerifierConfig struct {
	Audience       string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// ExternalClaims exposes the validated identity provider claims used for account linking.
// EmailVerified reports whether the provider vouches for Email; only verified
// addresses may link a new subject to an existing account.
type ExternalClaims struct {
	Subject       string
	Issuer        string
	Email         string
	EmailVerified bool
	DisplayName   string
	Expiry        time.Time
}

type idpTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	jwt.RegisteredClaims
}

// JWKSVerifier verifies RS256 identity provider tokens offline using a cached JWKS document.
type JWKSVerifier struct {
	audience   string
	jwksURL    string
	logger     *zap.Logger
	httpClient *http.Client
	clock      func() time.Time
	keys       *keySet
	issuers    map[string]struct{}
}

// NewJWKSVerifier constructs a verifier with validated configuration.
func NewJWKSVerifier(cfg JWKSVerifierConfig) (*JWKSVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingAudienceConfig)
	}

	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingJWKSURL)
	}

	issuers := make(map[string]struct{})
	for _, issuer := range cfg.AllowedIssuers {
		normalized := strings.TrimSpace(issuer)
		if normalized == "" {
			continue
		}
		issuers[normalized] = struct{}{}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errNoAllowedIssuers)
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &JWKSVerifier{
		audience:   audience,
		jwksURL:    jwksURL,
		logger:     logger,
		httpClient: httpClient,
		clock:      clock,
		keys:       &keySet{ttl: cacheTTL},
		issuers:    issuers,
	}, nil
}

// Verify validates the provided identity provider token and returns its identity claims.
func (v *JWKSVerifier) Verify(ctx context.Context, rawToken string) (ExternalClaims, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return ExternalClaims{}, ErrMissingToken
	}

	claims := &idpTokenClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.signingKey(ctx, keyID)
		},
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ExternalClaims{}, ErrExpiredToken
		}
		return ExternalClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return ExternalClaims{}, ErrInvalidToken
	}

	if _, allowed := v.issuers[claims.Issuer]; !allowed {
		return ExternalClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, errUntrustedIssuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return ExternalClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, errMissingSubject)
	}

	expiry := time.Time{}
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}

	return ExternalClaims{
		Subject:       claims.Subject,
		Issuer:        claims.Issuer,
		Email:         strings.TrimSpace(claims.Email),
		EmailVerified: claims.EmailVerified,
		DisplayName:   strings.TrimSpace(claims.Name),
		Expiry:        expiry,
	}, nil
}

// signingKey returns the key for keyID, refetching the JWKS document when the
// cached set is stale or does not know the key. Fetches are serialised.
func (v *JWKSVerifier) signingKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	v.keys.mu.Lock()
	defer v.keys.mu.Unlock()

	now := v.clock()
	if key, ok := v.keys.byID[keyID]; ok && now.Sub(v.keys.fetchedAt) < v.keys.ttl {
		return key, nil
	}

	fetched, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, err
	}
	v.keys.byID = fetched
	v.keys.fetchedAt = now

	key, ok := fetched[keyID]
	if !ok {
		return nil, errKeyNotFound
	}
	return key, nil
}

func (v *JWKSVerifier) fetchKeySet(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	response, err := v.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", errJWKSUnavailable, response.StatusCode)
	}

	var document struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return nil, fmt.Errorf("%w: %v", errJWKSUnavailable, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, candidate := range document.Keys {
		if !candidate.signsRSA() {
			continue
		}
		publicKey, err := candidate.publicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", candidate.KeyID), zap.Error(err))
			continue
		}
		keys[candidate.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return nil, errNoUsableKeys
	}
	return keys, nil
}

type keySet struct {
	mu        sync.Mutex
	byID      map[string]*rsa.PublicKey
	fetchedAt time.Time
	ttl       time.Duration
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jsonWebKey) signsRSA() bool {
	return k.KeyType == "RSA" && (k.Use == "" || k.Use == "sig")
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	modulus, err := decodeKeyComponent(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	exponent, err := decodeKeyComponent(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if !exponent.IsInt64() || exponent.Int64() < 3 || exponent.Int64() > math.MaxInt32 {
		return nil, errInvalidKeyExponent
	}
	return &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}, nil
}

func decodeKeyComponent(encoded string) (*big.Int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errEmptyKeyComponent
	}
	return new(big.Int).SetBytes(raw), nil
}
