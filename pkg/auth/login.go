package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/carehub/pkg/principals"
)

// ErrLoginFailed is returned when upstream credentials cannot be mapped to a principal
var ErrLoginFailed = errors.New("login failed")

// DefaultPrincipalHeader is set by an authenticating gateway in front of carehub
const DefaultPrincipalHeader = "X-Authenticated-Principal"

// DefaultUsernameClaim is the ID token claim mapped to principals.username
const DefaultUsernameClaim = "preferred_username"

// LoginVerifier establishes which principal is starting a session. Credential
// checking itself belongs to the upstream identity provider.
type LoginVerifier interface {
	VerifyLogin(ctx context.Context, r *http.Request) (*principals.Principal, error)
}

// PrincipalLookup resolves the username asserted by the identity provider
type PrincipalLookup interface {
	GetPrincipalByUsername(ctx context.Context, username string) (*principals.Principal, error)
}

// HeaderVerifier trusts a username header injected by a reverse proxy. Only deploy it
// behind a gateway that strips the header from client requests.
type HeaderVerifier struct {
	header string
	lookup PrincipalLookup
}

// NewHeaderVerifier creates a verifier reading header (DefaultPrincipalHeader when empty)
func NewHeaderVerifier(header string, lookup PrincipalLookup) *HeaderVerifier {
	if header == "" {
		header = DefaultPrincipalHeader
	}
	return &HeaderVerifier{header: header, lookup: lookup}
}

// VerifyLogin implements LoginVerifier
func (v *HeaderVerifier) VerifyLogin(ctx context.Context, r *http.Request) (*principals.Principal, error) {
	username := strings.TrimSpace(r.Header.Get(v.header))
	if username == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrLoginFailed, v.header)
	}
	return lookupPrincipal(ctx, v.lookup, username)
}

// OIDCConfig configures ID token verification and the optional code exchange
type OIDCConfig struct {
	IssuerURL     string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	Scopes        []string
	UsernameClaim string
}

// Validate checks the configuration is usable
func (c *OIDCConfig) Validate() error {
	if c.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	return nil
}

// OIDCVerifier maps a verified OpenID Connect ID token to a principal. The token is
// presented as the bearer credential of the login request.
type OIDCVerifier struct {
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
	claim        string
	lookup       PrincipalLookup
}

// NewOIDCVerifier discovers the issuer and builds a verifier for its signing keys
func NewOIDCVerifier(ctx context.Context, config OIDCConfig, lookup PrincipalLookup) (*OIDCVerifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	v := newOIDCVerifier(provider.Verifier(&oidc.Config{ClientID: config.ClientID}), config, lookup)
	if config.ClientSecret != "" && config.RedirectURL != "" {
		v.oauth2Config = oauth2ConfigFor(config, provider.Endpoint())
	}
	return v, nil
}

// NewStaticOIDCVerifier builds a verifier for a fixed key set, skipping discovery.
// When tokenURL is non-empty the authorization code exchange is enabled against it.
func NewStaticOIDCVerifier(config OIDCConfig, keySet oidc.KeySet, tokenURL string, lookup PrincipalLookup) (*OIDCVerifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	verifier := oidc.NewVerifier(config.IssuerURL, keySet, &oidc.Config{ClientID: config.ClientID})
	v := newOIDCVerifier(verifier, config, lookup)
	if tokenURL != "" {
		v.oauth2Config = oauth2ConfigFor(config, oauth2.Endpoint{TokenURL: tokenURL})
	}
	return v, nil
}

func newOIDCVerifier(verifier *oidc.IDTokenVerifier, config OIDCConfig, lookup PrincipalLookup) *OIDCVerifier {
	claim := config.UsernameClaim
	if claim == "" {
		claim = DefaultUsernameClaim
	}
	return &OIDCVerifier{verifier: verifier, claim: claim, lookup: lookup}
}

func oauth2ConfigFor(config OIDCConfig, endpoint oauth2.Endpoint) *oauth2.Config {
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile"}
	}
	return &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  config.RedirectURL,
		Scopes:       scopes,
	}
}

// VerifyLogin implements LoginVerifier using the Authorization bearer as the ID token
func (v *OIDCVerifier) VerifyLogin(ctx context.Context, r *http.Request) (*principals.Principal, error) {
	auth := r.Header.Get("Authorization")
	rawIDToken, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: missing bearer ID token", ErrLoginFailed)
	}
	return v.VerifyIDToken(ctx, rawIDToken)
}

// VerifyIDToken verifies rawIDToken and resolves the principal named by its username claim
func (v *OIDCVerifier) VerifyIDToken(ctx context.Context, rawIDToken string) (*principals.Principal, error) {
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to verify ID token: %v", ErrLoginFailed, err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %v", ErrLoginFailed, err)
	}

	username, _ := claims[v.claim].(string)
	if username == "" {
		return nil, fmt.Errorf("%w: claim %q missing from ID token", ErrLoginFailed, v.claim)
	}
	return lookupPrincipal(ctx, v.lookup, username)
}

// AuthCodeURL returns the provider login URL for a browser-based flow
func (v *OIDCVerifier) AuthCodeURL(state string) (string, error) {
	if v.oauth2Config == nil {
		return "", fmt.Errorf("authorization code flow is not configured")
	}
	return v.oauth2Config.AuthCodeURL(state), nil
}

// ExchangeCode redeems an authorization code and verifies the returned ID token
func (v *OIDCVerifier) ExchangeCode(ctx context.Context, code string) (*principals.Principal, error) {
	if v.oauth2Config == nil {
		return nil, fmt.Errorf("authorization code flow is not configured")
	}
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrLoginFailed)
	}

	token, err := v.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to exchange code: %v", ErrLoginFailed, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing id_token in response", ErrLoginFailed)
	}
	return v.VerifyIDToken(ctx, rawIDToken)
}

func lookupPrincipal(ctx context.Context, lookup PrincipalLookup, username string) (*principals.Principal, error) {
	p, err := lookup.GetPrincipalByUsername(ctx, username)
	if errors.Is(err, principals.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown principal %q", ErrLoginFailed, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up principal: %w", err)
	}
	return p, nil
}
