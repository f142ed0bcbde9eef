package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidGatewayConfig indicates a missing token issuer or identity linker.
	ErrInvalidGatewayConfig = errors.New("auth: invalid gateway config")
	// ErrExchangeDisabled indicates that no identity provider is configured.
	ErrExchangeDisabled = errors.New("auth: identity provider exchange disabled")
)

// ExternalVerifier verifies identity provider tokens.
type ExternalVerifier interface {
	Verify(ctx context.Context, rawToken string) (ExternalClaims, error)
}

// IdentityLinker maps verified provider claims onto a canonical user identifier.
type IdentityLinker interface {
	ResolveExternalIdentity(ctx context.Context, provider string, claims ExternalClaims) (string, error)
}

// GatewayConfig wires the credential sources accepted by the API.
type GatewayConfig struct {
	Tokens   *TokenIssuer
	Verifier ExternalVerifier
	Provider string
	Linker   IdentityLinker
}

// Gateway resolves bearer credentials to canonical user identifiers.
type Gateway struct {
	tokens   *TokenIssuer
	verifier ExternalVerifier
	provider string
	linker   IdentityLinker
}

// NewGateway validates the configuration. The verifier is optional.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("%w: token issuer required", ErrInvalidGatewayConfig)
	}
	provider := strings.TrimSpace(cfg.Provider)
	if cfg.Verifier != nil {
		if cfg.Linker == nil {
			return nil, fmt.Errorf("%w: identity linker required with a verifier", ErrInvalidGatewayConfig)
		}
		if provider == "" {
			return nil, fmt.Errorf("%w: provider name required with a verifier", ErrInvalidGatewayConfig)
		}
	}
	return &Gateway{
		tokens:   cfg.Tokens,
		verifier: cfg.Verifier,
		provider: provider,
		linker:   cfg.Linker,
	}, nil
}

// ResolveIdentity accepts a backend access token, or an identity provider token when one is configured.
func (g *Gateway) ResolveIdentity(ctx context.Context, credential string) (string, error) {
	userID, err := g.tokens.ValidateToken(credential)
	if err == nil {
		return userID, nil
	}
	if g.verifier == nil || !errors.Is(err, ErrInvalidToken) {
		return "", err
	}

	claims, verifyErr := g.verifier.Verify(ctx, credential)
	if verifyErr != nil {
		return "", verifyErr
	}
	return g.linker.ResolveExternalIdentity(ctx, g.provider, claims)
}

// Exchange trades an identity provider token for a backend access token.
func (g *Gateway) Exchange(ctx context.Context, idToken string) (string, IssuedToken, error) {
	if g.verifier == nil {
		return "", IssuedToken{}, ErrExchangeDisabled
	}
	claims, err := g.verifier.Verify(ctx, idToken)
	if err != nil {
		return "", IssuedToken{}, err
	}
	userID, err := g.linker.ResolveExternalIdentity(ctx, g.provider, claims)
	if err != nil {
		return "", IssuedToken{}, err
	}
	issued, err := g.tokens.IssueToken(ctx, userID)
	if err != nil {
		return "", IssuedToken{}, err
	}
	return userID, issued, nil
}

// Issue signs a backend access token for an already authenticated user.
func (g *Gateway) Issue(ctx context.Context, userID string) (IssuedToken, error) {
	return g.tokens.IssueToken(ctx, userID)
}
