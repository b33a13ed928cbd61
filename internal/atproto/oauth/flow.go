package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"atmarket/internal/atproto/identity"
)

// AuthRequest is a pending authorization flow, persisted between the
// redirect to the authorization server and the callback.
type AuthRequest struct {
	ID                    string
	State                 string
	DID                   string
	Handle                string
	PDSURL                string
	AuthServerIss         string
	AuthorizationEndpoint string
	TokenEndpoint         string
	PKCEVerifier          string
	CreatedAt             time.Time
}

// AuthRequestStore persists pending authorization requests keyed by state.
type AuthRequestStore interface {
	SaveAuthRequest(ctx context.Context, req *AuthRequest) error
	// GetAuthRequestByState returns ErrAuthRequestNotFound for unknown state.
	GetAuthRequestByState(ctx context.Context, state string) (*AuthRequest, error)
	DeleteAuthRequest(ctx context.Context, state string) error
}

// Grant is the outcome of a completed OAuth flow: a sender-constrained token
// pair bound to the client's DPoP key.
type Grant struct {
	DID             string
	Handle          string
	PDSURL          string
	AccessToken     string
	RefreshToken    string
	Scope           string
	AuthServerIss   string
	TokenEndpoint   string
	ExpiresAt       time.Time
	AuthServerNonce string
}

// Config holds OAuth client configuration.
type Config struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
}

// Flow drives the authorization-code flow:
// anonymous -> authorizing (Start) -> exchanging (Exchange) -> authenticated,
// with authenticated -> refreshing -> authenticated on expiry (Refresh).
// Any unrecoverable error drops the caller back to anonymous; the persisted
// DPoP key pair survives.
type Flow struct {
	resolver   identity.Resolver
	keys       *KeyManager
	store      AuthRequestStore
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

// NewFlow creates an OAuth flow.
func NewFlow(resolver identity.Resolver, keys *KeyManager, store AuthRequestStore, httpClient *http.Client, cfg Config, logger *slog.Logger) (*Flow, error) {
	if resolver == nil || keys == nil || store == nil {
		return nil, fmt.Errorf("resolver, keys and store are required")
	}
	if cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, fmt.Errorf("client_id and redirect_uri are required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"atproto"}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		resolver:   resolver,
		keys:       keys,
		store:      store,
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Start begins an authorization flow for the given handle. It resolves the
// handle to its PDS, discovers the authorization server, generates PKCE and
// state values, persists the pending request, and returns the URL the user
// must be sent to.
func (f *Flow) Start(ctx context.Context, handle string) (authorizeURL string, err error) {
	ident, err := f.resolver.Resolve(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", handle, err)
	}
	if ident.PDSURL == "" {
		return "", fmt.Errorf("identity %s declares no PDS", handle)
	}

	meta, err := DiscoverAuthServer(ctx, f.httpClient, ident.PDSURL)
	if err != nil {
		return "", err
	}

	pkce, err := GeneratePKCEChallenge()
	if err != nil {
		return "", err
	}
	state, err := GenerateState()
	if err != nil {
		return "", err
	}

	req := &AuthRequest{
		ID:                    uuid.New().String(),
		State:                 state,
		DID:                   ident.DID,
		Handle:                ident.Handle,
		PDSURL:                ident.PDSURL,
		AuthServerIss:         meta.Issuer,
		AuthorizationEndpoint: meta.AuthorizationEndpoint,
		TokenEndpoint:         meta.TokenEndpoint,
		PKCEVerifier:          pkce.Verifier,
		CreatedAt:             time.Now().UTC(),
	}
	if err := f.store.SaveAuthRequest(ctx, req); err != nil {
		return "", fmt.Errorf("failed to persist auth request: %w", err)
	}

	params := url.Values{}
	params.Set("client_id", f.cfg.ClientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", f.cfg.RedirectURI)
	params.Set("state", state)
	params.Set("scope", strings.Join(f.cfg.Scopes, " "))
	params.Set("code_challenge", pkce.Challenge)
	params.Set("code_challenge_method", pkce.Method)
	params.Set("login_hint", handle)

	f.logger.Info("starting oauth flow",
		"did", ident.DID, "auth_server", meta.Issuer)

	return meta.AuthorizationEndpoint + "?" + params.Encode(), nil
}

// Exchange completes the flow on callback: looks up the pending request by
// state, exchanges the authorization code at the token endpoint with a DPoP
// proof (retrying once on a nonce demand), and returns the resulting grant.
func (f *Flow) Exchange(ctx context.Context, state, code string) (*Grant, error) {
	req, err := f.store.GetAuthRequestByState(ctx, state)
	if err != nil {
		return nil, err
	}
	// One-shot: the request is consumed whether or not the exchange succeeds
	defer func() {
		if delErr := f.store.DeleteAuthRequest(ctx, state); delErr != nil {
			f.logger.Warn("failed to delete auth request", "error", delErr)
		}
	}()

	key, err := f.keys.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", f.cfg.ClientID)
	form.Set("redirect_uri", f.cfg.RedirectURI)
	form.Set("code_verifier", req.PKCEVerifier)

	tokens, nonce, err := requestToken(ctx, f.httpClient, key, req.TokenEndpoint, form, "")
	if err != nil {
		return nil, err
	}

	// The issued subject must match the identity the flow started from,
	// otherwise a malicious auth server could fixate a different account.
	if tokens.Sub != "" && tokens.Sub != req.DID {
		return nil, fmt.Errorf("token subject %s does not match requested DID %s", tokens.Sub, req.DID)
	}

	return &Grant{
		DID:             req.DID,
		Handle:          req.Handle,
		PDSURL:          req.PDSURL,
		AccessToken:     tokens.AccessToken,
		RefreshToken:    tokens.RefreshToken,
		Scope:           tokens.Scope,
		AuthServerIss:   req.AuthServerIss,
		TokenEndpoint:   req.TokenEndpoint,
		ExpiresAt:       expiry(tokens.ExpiresIn),
		AuthServerNonce: nonce,
	}, nil
}

// Refresh exchanges the grant's refresh token for a new token pair, applying
// the same single nonce retry as the code exchange.
func (f *Flow) Refresh(ctx context.Context, g *Grant) (*Grant, error) {
	if g.RefreshToken == "" {
		return nil, fmt.Errorf("grant has no refresh token")
	}

	key, err := f.keys.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", g.RefreshToken)
	form.Set("client_id", f.cfg.ClientID)

	tokens, nonce, err := requestToken(ctx, f.httpClient, key, g.TokenEndpoint, form, g.AuthServerNonce)
	if err != nil {
		return nil, err
	}

	refreshed := *g
	refreshed.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}
	refreshed.ExpiresAt = expiry(tokens.ExpiresIn)
	if nonce != "" {
		refreshed.AuthServerNonce = nonce
	}

	return &refreshed, nil
}

func expiry(expiresIn int64) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}
	return time.Now().UTC().Add(time.Duration(expiresIn) * time.Second)
}
