package xrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"atmarket/internal/atproto/oauth"
)

func TestClient_GetDecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.repo.listRecords" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("repo") != "did:plc:abc123" {
			t.Errorf("missing repo param")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"cursor": "next"})
	}))
	defer server.Close()

	client := NewClient(server.Client())

	params := url.Values{}
	params.Set("repo", "did:plc:abc123")

	var out struct {
		Cursor string `json:"cursor"`
	}
	if err := client.Get(context.Background(), server.URL, "com.atproto.repo.listRecords", params, &out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out.Cursor != "next" {
		t.Errorf("expected decoded cursor, got %q", out.Cursor)
	}
}

func TestClient_StatusErrors(t *testing.T) {
	cases := []struct {
		status   int
		sentinel error
	}{
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrRateLimited},
	}

	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Oops", "message": "nope"})
		}))

		err := NewClient(server.Client()).Get(context.Background(), server.URL, "com.example.op", nil, nil)
		if !errors.Is(err, tc.sentinel) {
			t.Errorf("status %d: expected sentinel %v, got %v", tc.status, tc.sentinel, err)
		}

		var xe *Error
		if !errors.As(err, &xe) || xe.Kind != "Oops" {
			t.Errorf("status %d: expected structured error, got %v", tc.status, err)
		}

		server.Close()
	}
}

func TestDPoPTransport_SignsAndRetriesOnNonce(t *testing.T) {
	key, err := oauth.GenerateDPoPKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") != "DPoP secret-token" {
			t.Errorf("missing DPoP authorization header")
		}
		if r.Header.Get("DPoP") == "" {
			t.Errorf("missing DPoP proof")
		}
		if calls == 1 {
			w.Header().Set("DPoP-Nonce", "fresh-nonce")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var savedHost, savedNonce string
	transport := NewDPoPTransport(http.DefaultTransport, key, "secret-token", nil, func(host, nonce string) {
		savedHost, savedNonce = host, nonce
	})

	client := &http.Client{Transport: transport}
	resp, err := client.Get(server.URL + "/xrpc/com.atproto.server.getSession")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected retried request to succeed, got %d", resp.StatusCode)
	}
	if calls != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", calls)
	}
	if savedNonce != "fresh-nonce" || savedHost == "" {
		t.Errorf("nonce rotation not persisted: host=%q nonce=%q", savedHost, savedNonce)
	}
}
