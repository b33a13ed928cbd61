package xrpc

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"atmarket/internal/atproto/oauth"
)

// DPoPTransport is an http.RoundTripper that makes every request
// sender-constrained:
//  1. Adds Authorization: DPoP <access_token>
//  2. Signs a fresh DPoP proof for the request's exact method and URL
//  3. Rotates per-host nonces, retrying once on a 401 carrying a new nonce
//
// Tokens issued through the OAuth flow are only accepted by servers when
// accompanied by such a proof from the key used at token issuance.
type DPoPTransport struct {
	base        http.RoundTripper
	key         jwk.Key
	accessToken string
	onNonce     func(host, nonce string)

	mu     sync.Mutex
	nonces map[string]string
}

// NewDPoPTransport wraps base with DPoP signing. initialNonces seeds the
// per-host nonce map (e.g. from a persisted session); onNonce, when non-nil,
// is invoked whenever a server rotates its nonce so callers can persist it.
func NewDPoPTransport(base http.RoundTripper, key jwk.Key, accessToken string, initialNonces map[string]string, onNonce func(host, nonce string)) *DPoPTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	nonces := make(map[string]string, len(initialNonces))
	for host, nonce := range initialNonces {
		nonces[host] = nonce
	}
	return &DPoPTransport{
		base:        base,
		key:         key,
		accessToken: accessToken,
		onNonce:     onNonce,
		nonces:      nonces,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *DPoPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())

	resp, err := t.attempt(req, t.getNonce(req.URL.Host))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if newNonce := resp.Header.Get("DPoP-Nonce"); newNonce != "" {
			t.setNonce(req.URL.Host, newNonce)
			_ = resp.Body.Close()

			retry := req.Clone(req.Context())
			if req.GetBody != nil {
				body, bodyErr := req.GetBody()
				if bodyErr != nil {
					return nil, fmt.Errorf("failed to rewind request body for nonce retry: %w", bodyErr)
				}
				retry.Body = body
			}
			return t.attempt(retry, newNonce)
		}
	}

	// Servers may rotate nonces on successful responses too
	if newNonce := resp.Header.Get("DPoP-Nonce"); newNonce != "" {
		t.setNonce(req.URL.Host, newNonce)
	}

	return resp, nil
}

func (t *DPoPTransport) attempt(req *http.Request, nonce string) (*http.Response, error) {
	req.Header.Set("Authorization", "DPoP "+t.accessToken)

	proof, err := oauth.CreateDPoPProof(t.key, req.Method, req.URL.String(), nonce, t.accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create DPoP proof: %w", err)
	}
	req.Header.Set("DPoP", proof)

	return t.base.RoundTrip(req)
}

func (t *DPoPTransport) getNonce(host string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nonces[host]
}

func (t *DPoPTransport) setNonce(host, nonce string) {
	t.mu.Lock()
	if t.nonces[host] == nonce {
		t.mu.Unlock()
		return
	}
	t.nonces[host] = nonce
	t.mu.Unlock()

	if t.onNonce != nil {
		t.onNonce(host, nonce)
	}
}
