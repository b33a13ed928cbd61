// Package xrpc provides a minimal JSON client for XRPC endpoints plus an
// http.RoundTripper that makes requests sender-constrained with DPoP proofs.
package xrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for XRPC status classes, checkable with errors.Is.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
)

// Error is a structured XRPC error response.
type Error struct {
	StatusCode int
	Kind       string `json:"error"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("xrpc error %d %s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("xrpc error %d %s", e.StatusCode, e.Kind)
}

// Unwrap maps the status code onto a sentinel so callers can errors.Is.
func (e *Error) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

// Client performs unauthenticated or transport-authenticated XRPC calls
// against arbitrary hosts. Authentication, when needed, comes from the
// injected http.Client's transport (Bearer or DPoP).
type Client struct {
	HTTPClient *http.Client
	UserAgent  string
}

// NewClient creates an XRPC client with a default timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		HTTPClient: httpClient,
		UserAgent:  "atmarket/1.0",
	}
}

// Get calls a query endpoint: GET <host>/xrpc/<nsid>?<params>.
func (c *Client) Get(ctx context.Context, host, nsid string, params url.Values, out any) error {
	u := endpointURL(host, nsid)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	return c.do(req, out)
}

// Post calls a procedure endpoint: POST <host>/xrpc/<nsid> with a JSON body.
func (c *Client) Post(ctx context.Context, host, nsid string, input any, out any) error {
	var body io.Reader
	if input != nil {
		payload, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(host, nsid), body)
	if err != nil {
		return err
	}
	if input != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("xrpc request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("failed to read xrpc response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		xe := &Error{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, xe); jsonErr != nil {
			xe.Kind = "InvalidResponse"
			xe.Message = strings.TrimSpace(string(body))
		}
		return xe
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("malformed xrpc response: %w", err)
	}
	return nil
}

func endpointURL(host, nsid string) string {
	return strings.TrimSuffix(host, "/") + "/xrpc/" + nsid
}
