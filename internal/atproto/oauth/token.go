package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// TokenResponse is a successful response from the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
}

// requestToken posts a grant to the token endpoint with a DPoP proof.
//
// The atProto OAuth profile requires servers to reject the first proof from
// an unknown key with {"error": "use_dpop_nonce"} and a DPoP-Nonce response
// header; the request is then retried exactly once with a fresh proof
// embedding that nonce. Any other error is fatal to the calling flow.
//
// Returns the token response and the last DPoP nonce supplied by the server,
// which callers should persist for subsequent requests.
func requestToken(ctx context.Context, httpClient *http.Client, key jwk.Key, tokenEndpoint string, form url.Values, nonce string) (*TokenResponse, string, error) {
	resp, body, err := postWithProof(ctx, httpClient, key, tokenEndpoint, form, nonce)
	if err != nil {
		return nil, "", err
	}

	serverNonce := resp.Header.Get("DPoP-Nonce")

	if resp.StatusCode != http.StatusOK {
		tokenErr := parseTokenError(resp.StatusCode, body)
		if tokenErr.useDPoPNonce() && serverNonce != "" && serverNonce != nonce {
			// Single retry with the server-supplied nonce
			retryResp, retryBody, retryErr := postWithProof(ctx, httpClient, key, tokenEndpoint, form, serverNonce)
			if retryErr != nil {
				return nil, "", retryErr
			}
			if n := retryResp.Header.Get("DPoP-Nonce"); n != "" {
				serverNonce = n
			}
			if retryResp.StatusCode != http.StatusOK {
				return nil, "", parseTokenError(retryResp.StatusCode, retryBody)
			}
			body = retryBody
		} else {
			return nil, "", tokenErr
		}
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, "", fmt.Errorf("malformed token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, "", fmt.Errorf("token response missing access_token")
	}

	return &tokens, serverNonce, nil
}

func postWithProof(ctx context.Context, httpClient *http.Client, key jwk.Key, tokenEndpoint string, form url.Values, nonce string) (*http.Response, []byte, error) {
	proof, err := CreateDPoPProof(key, http.MethodPost, tokenEndpoint, nonce, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create DPoP proof: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", proof)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read token response: %w", err)
	}

	return resp, body, nil
}

func parseTokenError(statusCode int, body []byte) *TokenError {
	tokenErr := &TokenError{StatusCode: statusCode}
	if err := json.Unmarshal(body, tokenErr); err != nil {
		tokenErr.Code = "invalid_response"
		tokenErr.Description = string(body)
	}
	return tokenErr
}
