package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// AuthServerMetadata is the subset of RFC 8414 authorization-server metadata
// this client needs.
type AuthServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`
}

// protectedResourceMetadata is the PDS's declaration of which authorization
// servers protect it (RFC 9728).
type protectedResourceMetadata struct {
	AuthorizationServers []string `json:"authorization_servers"`
}

// DiscoverAuthServer finds the authorization server protecting pdsURL and
// fetches its metadata. When the PDS declares no separate authorization
// server, the PDS itself is used.
func DiscoverAuthServer(ctx context.Context, httpClient *http.Client, pdsURL string) (*AuthServerMetadata, error) {
	authServer := pdsURL

	if declared, err := fetchProtectedResource(ctx, httpClient, pdsURL); err == nil && declared != "" {
		authServer = declared
	}

	meta, err := FetchAuthServerMetadata(ctx, httpClient, authServer)
	if err != nil {
		return nil, fmt.Errorf("auth server discovery for %s: %w", pdsURL, err)
	}
	return meta, nil
}

func fetchProtectedResource(ctx context.Context, httpClient *http.Client, pdsURL string) (string, error) {
	u := strings.TrimSuffix(pdsURL, "/") + "/.well-known/oauth-protected-resource"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("protected resource metadata returned %d", resp.StatusCode)
	}

	var meta protectedResourceMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("malformed protected resource metadata: %w", err)
	}

	if len(meta.AuthorizationServers) == 0 {
		return "", nil
	}
	return meta.AuthorizationServers[0], nil
}

// FetchAuthServerMetadata fetches and validates RFC 8414 metadata from an
// authorization server.
func FetchAuthServerMetadata(ctx context.Context, httpClient *http.Client, authServerURL string) (*AuthServerMetadata, error) {
	u := strings.TrimSuffix(authServerURL, "/") + "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch auth server metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth server metadata returned %d", resp.StatusCode)
	}

	var meta AuthServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("malformed auth server metadata: %w", err)
	}

	if meta.TokenEndpoint == "" || meta.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("auth server metadata missing required endpoints")
	}

	return &meta, nil
}
