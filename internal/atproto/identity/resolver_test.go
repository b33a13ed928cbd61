package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeBase is a Resolver that counts calls and serves a fixed identity
type fakeBase struct {
	calls int
	ident *Identity
	err   error
}

func (f *fakeBase) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := *f.ident
	return &out, nil
}

func (f *fakeBase) ResolveDID(ctx context.Context, did string) (string, error) {
	ident, err := f.Resolve(ctx, did)
	if err != nil {
		return "", err
	}
	return ident.PDSURL, nil
}

func (f *fakeBase) Purge(ctx context.Context, identifier string) error { return nil }

func TestCachingResolver_HitAvoidsBase(t *testing.T) {
	base := &fakeBase{ident: &Identity{
		DID:        "did:plc:abc123",
		Handle:     "alice.example",
		PDSURL:     "https://pds.example.com",
		ResolvedAt: time.Now().UTC(),
		Method:     MethodDirectory,
	}}
	resolver := newCachingResolver(base, NewMemoryCache(16, time.Minute))

	ctx := context.Background()

	first, err := resolver.Resolve(ctx, "did:plc:abc123")
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if first.Method != MethodDirectory {
		t.Errorf("expected first resolution from directory, got %s", first.Method)
	}

	second, err := resolver.Resolve(ctx, "did:plc:abc123")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if second.Method != MethodCache {
		t.Errorf("expected second resolution from cache, got %s", second.Method)
	}
	if base.calls != 1 {
		t.Errorf("expected exactly 1 base resolution, got %d", base.calls)
	}
}

func TestCachingResolver_BidirectionalKeys(t *testing.T) {
	base := &fakeBase{ident: &Identity{
		DID:    "did:plc:abc123",
		Handle: "alice.example",
		PDSURL: "https://pds.example.com",
	}}
	resolver := newCachingResolver(base, NewMemoryCache(16, time.Minute))

	ctx := context.Background()
	if _, err := resolver.Resolve(ctx, "alice.example"); err != nil {
		t.Fatalf("resolve by handle failed: %v", err)
	}

	// Resolving the DID should now be served from cache
	ident, err := resolver.Resolve(ctx, "did:plc:abc123")
	if err != nil {
		t.Fatalf("resolve by DID failed: %v", err)
	}
	if ident.Method != MethodCache {
		t.Errorf("expected cache hit by DID after handle resolution, got %s", ident.Method)
	}
	if base.calls != 1 {
		t.Errorf("expected 1 base call, got %d", base.calls)
	}
}

func TestCachingResolver_PurgeForcesReresolution(t *testing.T) {
	base := &fakeBase{ident: &Identity{DID: "did:plc:abc123", Handle: "alice.example", PDSURL: "https://pds.example.com"}}
	resolver := newCachingResolver(base, NewMemoryCache(16, time.Minute))

	ctx := context.Background()
	if _, err := resolver.Resolve(ctx, "did:plc:abc123"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := resolver.Purge(ctx, "did:plc:abc123"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if _, err := resolver.Resolve(ctx, "alice.example"); err != nil {
		t.Fatalf("resolve after purge failed: %v", err)
	}
	if base.calls != 2 {
		t.Errorf("expected 2 base calls after purge, got %d", base.calls)
	}
}

func TestDirectoryResolver_ResolveDID(t *testing.T) {
	doc := map[string]any{
		"id":          "did:plc:abc123",
		"alsoKnownAs": []string{"at://alice.example"},
		"service": []map[string]any{
			{
				"id":              "#atproto_pds",
				"type":            "AtprotoPersonalDataServer",
				"serviceEndpoint": "https://pds.example.com",
			},
		},
	}

	plc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/did:plc:abc123" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	defer plc.Close()

	resolver := newDirectoryResolver(plc.URL, "atmarket-test", plc.Client())

	pdsURL, err := resolver.ResolveDID(context.Background(), "did:plc:abc123")
	if err != nil {
		t.Fatalf("ResolveDID failed: %v", err)
	}
	if pdsURL != "https://pds.example.com" {
		t.Errorf("expected PDS endpoint from service array, got %q", pdsURL)
	}
}

func TestDirectoryResolver_NotFound(t *testing.T) {
	plc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer plc.Close()

	resolver := newDirectoryResolver(plc.URL, "atmarket-test", plc.Client())

	_, err := resolver.ResolveDID(context.Background(), "did:plc:missing")
	if err == nil {
		t.Fatal("expected error for unknown DID")
	}
}

func TestDirectoryResolver_RejectsMalformedIdentifier(t *testing.T) {
	resolver := newDirectoryResolver("http://127.0.0.1:1", "atmarket-test", &http.Client{Timeout: time.Second})

	if _, err := resolver.Resolve(context.Background(), ""); err == nil {
		t.Error("expected error for empty identifier")
	}
	if _, err := resolver.ResolveDID(context.Background(), "not a did"); err == nil {
		t.Error("expected error for malformed DID")
	}
}
