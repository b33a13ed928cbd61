package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	indigoxrpc "github.com/bluesky-social/indigo/xrpc"

	"atmarket/internal/atproto/identity"
	"atmarket/internal/atproto/oauth"
	"atmarket/internal/atproto/pds"
	"atmarket/internal/atproto/xrpc"
)

// Service owns the session lifecycle. The OAuth flow is optional; when nil,
// only password sessions are available.
type Service struct {
	resolver   identity.Resolver
	store      Store
	flow       *oauth.Flow
	keys       *oauth.KeyManager
	httpClient *http.Client
	logger     *slog.Logger
}

func NewService(resolver identity.Resolver, store Store, flow *oauth.Flow, keys *oauth.KeyManager, httpClient *http.Client, logger *slog.Logger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		resolver:   resolver,
		store:      store,
		flow:       flow,
		keys:       keys,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Login authenticates with a handle (or DID) and an app password, creating a
// Bearer-token session on the user's own PDS.
func (s *Service) Login(ctx context.Context, identifier, password string) (*Session, error) {
	if identifier == "" || password == "" {
		return nil, fmt.Errorf("identifier and password are required")
	}

	ident, err := s.resolver.Resolve(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", identifier, err)
	}

	client := &indigoxrpc.Client{
		Host:   ident.PDSURL,
		Client: s.httpClient,
	}

	output, err := comatproto.ServerCreateSession(ctx, client, &comatproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if output.AccessJwt == "" || output.RefreshJwt == "" {
		return nil, fmt.Errorf("createSession response missing tokens")
	}

	now := time.Now()
	session := &Session{
		DID:          output.Did,
		Handle:       output.Handle,
		PDSURL:       ident.PDSURL,
		Kind:         KindPassword,
		AccessToken:  output.AccessJwt,
		RefreshToken: output.RefreshJwt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	return session, nil
}

// StartOAuth resolves the handle and returns the authorization URL the user
// must visit. The flow state is persisted for the later callback.
func (s *Service) StartOAuth(ctx context.Context, handle string) (string, error) {
	if s.flow == nil {
		return "", fmt.Errorf("oauth is not configured")
	}
	return s.flow.Start(ctx, handle)
}

// CompleteOAuth exchanges the authorization callback for tokens and persists
// the resulting sender-constrained session.
func (s *Service) CompleteOAuth(ctx context.Context, state, code string) (*Session, error) {
	if s.flow == nil {
		return nil, fmt.Errorf("oauth is not configured")
	}

	grant, err := s.flow.Exchange(ctx, state, code)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &Session{
		DID:           grant.DID,
		Handle:        grant.Handle,
		PDSURL:        grant.PDSURL,
		Kind:          KindOAuth,
		AccessToken:   grant.AccessToken,
		RefreshToken:  grant.RefreshToken,
		AuthServerIss: grant.AuthServerIss,
		TokenEndpoint: grant.TokenEndpoint,
		DPoPNonces:    map[string]string{},
		ExpiresAt:     grant.ExpiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if host := endpointHost(grant.TokenEndpoint); host != "" && grant.AuthServerNonce != "" {
		session.DPoPNonces[host] = grant.AuthServerNonce
	}

	if err := s.store.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	return session, nil
}

// Resume loads the stored session and verifies it is still accepted by the
// PDS, refreshing once if the access token has gone stale. A refresh failure
// surfaces as ErrSessionExpired so callers can prompt for re-authentication.
func (s *Service) Resume(ctx context.Context) (*Session, error) {
	session, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.checkLiveness(ctx, session); err != nil {
		if !isUnauthorized(err) {
			return nil, fmt.Errorf("session liveness check failed: %w", err)
		}

		if refreshErr := s.Refresh(ctx, session); refreshErr != nil {
			return nil, &ErrSessionExpired{DID: session.DID, Reason: refreshErr.Error()}
		}
		if err := s.checkLiveness(ctx, session); err != nil {
			return nil, &ErrSessionExpired{DID: session.DID, Reason: err.Error()}
		}
	}

	s.refreshProfile(ctx, session)
	return session, nil
}

// Refresh exchanges the refresh token for new tokens, in place, and persists
// the updated session. Refresh tokens are single use on both paths.
func (s *Service) Refresh(ctx context.Context, session *Session) error {
	switch session.Kind {
	case KindOAuth:
		if err := s.refreshOAuth(ctx, session); err != nil {
			return err
		}
	default:
		if err := s.refreshPassword(ctx, session); err != nil {
			return err
		}
	}

	session.UpdatedAt = time.Now()
	if err := s.store.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to persist refreshed session: %w", err)
	}
	return nil
}

// Logout drops the stored session. The DPoP key pair is deliberately kept;
// it identifies this client installation, not the session.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.store.Delete(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}

// PDSClient builds an authenticated repository client for the session,
// choosing the transport that matches how the tokens were issued.
func (s *Service) PDSClient(ctx context.Context, session *Session) (*pds.Client, error) {
	var transport http.RoundTripper

	switch session.Kind {
	case KindOAuth:
		if s.keys == nil {
			return nil, fmt.Errorf("oauth session requires a key manager")
		}
		key, err := s.keys.GetOrCreate(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load DPoP key: %w", err)
		}
		transport = xrpc.NewDPoPTransport(s.httpClient.Transport, key, session.AccessToken, session.DPoPNonces, func(host, nonce string) {
			if session.DPoPNonces == nil {
				session.DPoPNonces = map[string]string{}
			}
			session.DPoPNonces[host] = nonce
			if err := s.store.Save(context.Background(), session); err != nil {
				s.logger.Warn("failed to persist rotated DPoP nonce", "host", host, "error", err)
			}
		})
	default:
		transport = xrpc.NewBearerTransport(s.httpClient.Transport, session.AccessToken)
	}

	client := xrpc.NewClient(&http.Client{Transport: transport, Timeout: s.httpClient.Timeout})
	return pds.NewClient(client, session.DID, session.PDSURL), nil
}

func (s *Service) checkLiveness(ctx context.Context, session *Session) error {
	if session.Kind == KindOAuth {
		client, err := s.PDSClient(ctx, session)
		if err != nil {
			return err
		}
		return client.GetSession(ctx)
	}

	client := &indigoxrpc.Client{
		Host:   session.PDSURL,
		Client: s.httpClient,
		Auth: &indigoxrpc.AuthInfo{
			AccessJwt:  session.AccessToken,
			RefreshJwt: session.RefreshToken,
			Did:        session.DID,
			Handle:     session.Handle,
		},
	}
	_, err := comatproto.ServerGetSession(ctx, client)
	return err
}

func (s *Service) refreshPassword(ctx context.Context, session *Session) error {
	client := &indigoxrpc.Client{
		Host:   session.PDSURL,
		Client: s.httpClient,
		Auth: &indigoxrpc.AuthInfo{
			AccessJwt:  session.AccessToken,
			RefreshJwt: session.RefreshToken, // authenticates the refresh call
			Did:        session.DID,
		},
	}

	output, err := comatproto.ServerRefreshSession(ctx, client)
	if err != nil {
		if isUnauthorized(err) {
			return fmt.Errorf("refresh token expired or revoked: %w", err)
		}
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	if output.AccessJwt == "" || output.RefreshJwt == "" {
		return fmt.Errorf("refresh response missing tokens")
	}

	session.AccessToken = output.AccessJwt
	session.RefreshToken = output.RefreshJwt
	return nil
}

func (s *Service) refreshOAuth(ctx context.Context, session *Session) error {
	if s.flow == nil {
		return fmt.Errorf("oauth is not configured")
	}

	grant := &oauth.Grant{
		DID:             session.DID,
		Handle:          session.Handle,
		PDSURL:          session.PDSURL,
		AccessToken:     session.AccessToken,
		RefreshToken:    session.RefreshToken,
		AuthServerIss:   session.AuthServerIss,
		TokenEndpoint:   session.TokenEndpoint,
		AuthServerNonce: session.DPoPNonces[endpointHost(session.TokenEndpoint)],
	}

	refreshed, err := s.flow.Refresh(ctx, grant)
	if err != nil {
		return err
	}

	session.AccessToken = refreshed.AccessToken
	session.RefreshToken = refreshed.RefreshToken
	session.ExpiresAt = refreshed.ExpiresAt
	if host := endpointHost(session.TokenEndpoint); host != "" && refreshed.AuthServerNonce != "" {
		if session.DPoPNonces == nil {
			session.DPoPNonces = map[string]string{}
		}
		session.DPoPNonces[host] = refreshed.AuthServerNonce
	}
	return nil
}

// refreshProfile updates the cached handle from the network. Best effort; a
// failure never blocks resuming the session.
func (s *Service) refreshProfile(ctx context.Context, session *Session) {
	if session.Kind != KindPassword {
		return
	}

	client := &indigoxrpc.Client{
		Host:   session.PDSURL,
		Client: s.httpClient,
		Auth: &indigoxrpc.AuthInfo{
			AccessJwt: session.AccessToken,
			Did:       session.DID,
		},
	}

	profile, err := appbsky.ActorGetProfile(ctx, client, session.DID)
	if err != nil {
		s.logger.Debug("profile refresh failed", "did", session.DID, "error", err)
		return
	}
	if profile.Handle != "" && profile.Handle != session.Handle {
		session.Handle = profile.Handle
		if err := s.store.Save(ctx, session); err != nil {
			s.logger.Warn("failed to persist updated handle", "error", err)
		}
	}
}

func isUnauthorized(err error) bool {
	if errors.Is(err, xrpc.ErrUnauthorized) {
		return true
	}
	var indigoErr *indigoxrpc.Error
	if errors.As(err, &indigoErr) && indigoErr.StatusCode == http.StatusUnauthorized {
		return true
	}
	return false
}

func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}
