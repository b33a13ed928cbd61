// Package appview queries a network-wide AppView index. The aggregator uses
// it for content discovery (searchPosts) and for social-graph visibility
// checks (getRelationships); neither call requires authentication.
package appview

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"atmarket/internal/atproto/xrpc"
	"atmarket/internal/core/listings"
)

// DefaultHost is the public Bluesky AppView.
const DefaultHost = "https://public.api.bsky.app"

type Client struct {
	xrpc *xrpc.Client
	host string
}

var (
	_ listings.SearchSource = (*Client)(nil)
	_ listings.SocialGraph  = (*Client)(nil)
)

func NewClient(client *xrpc.Client, host string) *Client {
	if client == nil {
		client = xrpc.NewClient(nil)
	}
	if host == "" {
		host = DefaultHost
	}
	return &Client{xrpc: client, host: host}
}

// Search runs app.bsky.feed.searchPosts for a term. The index returns posts
// of every record type; callers filter on the type discriminator.
func (c *Client) Search(ctx context.Context, term string, limit int) ([]listings.SearchHit, error) {
	params := url.Values{"q": {term}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var result struct {
		Posts []struct {
			URI    string `json:"uri"`
			CID    string `json:"cid"`
			Author struct {
				DID string `json:"did"`
			} `json:"author"`
			Record json.RawMessage `json:"record"`
		} `json:"posts"`
	}

	if err := c.xrpc.Get(ctx, c.host, "app.bsky.feed.searchPosts", params, &result); err != nil {
		return nil, fmt.Errorf("searchPosts %q: %w", term, err)
	}

	hits := make([]listings.SearchHit, 0, len(result.Posts))
	for _, post := range result.Posts {
		hits = append(hits, listings.SearchHit{
			URI:       post.URI,
			CID:       post.CID,
			AuthorDID: post.Author.DID,
			Record:    post.Record,
		})
	}
	return hits, nil
}

// Follows reports whether actorDID follows subjectDID, per
// app.bsky.graph.getRelationships. The AppView encodes an existing follow as
// a non-empty follow record URI on the relationship.
func (c *Client) Follows(ctx context.Context, actorDID, subjectDID string) (bool, error) {
	params := url.Values{
		"actor":  {actorDID},
		"others": {subjectDID},
	}

	var result struct {
		Relationships []struct {
			DID        string `json:"did"`
			Following  string `json:"following"`
			FollowedBy string `json:"followedBy"`
		} `json:"relationships"`
	}

	if err := c.xrpc.Get(ctx, c.host, "app.bsky.graph.getRelationships", params, &result); err != nil {
		return false, fmt.Errorf("getRelationships %s -> %s: %w", actorDID, subjectDID, err)
	}

	for _, rel := range result.Relationships {
		if rel.DID == subjectDID {
			return rel.Following != "", nil
		}
	}
	return false, nil
}
