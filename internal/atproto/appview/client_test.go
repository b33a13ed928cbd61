package appview

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/app.bsky.feed.searchPosts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("q"); got != "selling" {
			t.Errorf("q = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "25" {
			t.Errorf("limit = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"posts": []map[string]any{
				{
					"uri":    "at://did:plc:carol/net.atmarket.listing/1",
					"cid":    "cid1",
					"author": map[string]string{"did": "did:plc:carol"},
					"record": map[string]any{"$type": "net.atmarket.listing", "title": "Lamp"},
				},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(nil, srv.URL)

	hits, err := client.Search(context.Background(), "selling", 25)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].AuthorDID != "did:plc:carol" {
		t.Errorf("author = %q", hits[0].AuthorDID)
	}
	if len(hits[0].Record) == 0 {
		t.Error("expected raw record bytes to be carried through")
	}
}

func TestClient_Follows(t *testing.T) {
	cases := []struct {
		name      string
		following string
		want      bool
	}{
		{"follow exists", "at://did:plc:a/app.bsky.graph.follow/1", true},
		{"no follow", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/xrpc/app.bsky.graph.getRelationships" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				if got := r.URL.Query().Get("actor"); got != "did:plc:a" {
					t.Errorf("actor = %q", got)
				}
				_ = json.NewEncoder(w).Encode(map[string]any{
					"relationships": []map[string]any{
						{"did": "did:plc:b", "following": tc.following, "followedBy": ""},
					},
				})
			}))
			defer srv.Close()

			client := NewClient(nil, srv.URL)

			got, err := client.Follows(context.Background(), "did:plc:a", "did:plc:b")
			if err != nil {
				t.Fatalf("Follows: %v", err)
			}
			if got != tc.want {
				t.Errorf("Follows = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClient_FollowsUnknownSubject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"relationships": []map[string]any{}})
	}))
	defer srv.Close()

	client := NewClient(nil, srv.URL)

	got, err := client.Follows(context.Background(), "did:plc:a", "did:plc:b")
	if err != nil {
		t.Fatalf("Follows: %v", err)
	}
	if got {
		t.Error("expected false when the subject is absent from the response")
	}
}
