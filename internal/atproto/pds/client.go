// Package pds provides clients for AT Protocol personal data servers: an
// unauthenticated Reader for public repository listings across arbitrary
// hosts, and an authenticated Client bound to a single user's repository.
// The Client stays agnostic of the authentication mechanism; Bearer or DPoP
// headers come from the transport of the injected http.Client.
package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"atmarket/internal/atproto/xrpc"
	"atmarket/internal/core/listings"
)

const listRecordsPageSize = 100

// Reader lists public repository contents. No authentication required.
type Reader struct {
	xrpc *xrpc.Client
}

var _ listings.RecordSource = (*Reader)(nil)

func NewReader(client *xrpc.Client) *Reader {
	if client == nil {
		client = xrpc.NewClient(nil)
	}
	return &Reader{xrpc: client}
}

// ListRecords pages through com.atproto.repo.listRecords on the given PDS
// until limit records are collected or the cursor runs out.
func (r *Reader) ListRecords(ctx context.Context, pdsURL, repoDID, collection string, limit int) ([]listings.RemoteRecord, error) {
	var (
		out    []listings.RemoteRecord
		cursor string
	)

	for limit <= 0 || len(out) < limit {
		pageSize := listRecordsPageSize
		if limit > 0 && limit-len(out) < pageSize {
			pageSize = limit - len(out)
		}

		params := url.Values{
			"repo":       {repoDID},
			"collection": {collection},
			"limit":      {strconv.Itoa(pageSize)},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var result struct {
			Cursor  string `json:"cursor"`
			Records []struct {
				URI   string          `json:"uri"`
				CID   string          `json:"cid"`
				Value json.RawMessage `json:"value"`
			} `json:"records"`
		}

		if err := r.xrpc.Get(ctx, pdsURL, "com.atproto.repo.listRecords", params, &result); err != nil {
			return nil, fmt.Errorf("listRecords %s: %w", repoDID, err)
		}

		for _, rec := range result.Records {
			out = append(out, listings.RemoteRecord{
				URI:   rec.URI,
				CID:   rec.CID,
				Value: rec.Value,
			})
		}

		if result.Cursor == "" || len(result.Records) == 0 {
			break
		}
		cursor = result.Cursor
	}

	return out, nil
}

// BlobRef references an uploaded blob, in the shape records embed it.
type BlobRef struct {
	Type     string            `json:"$type"`
	Ref      map[string]string `json:"ref"`
	MimeType string            `json:"mimeType"`
	Size     int64             `json:"size"`
}

// Client performs authenticated writes against one user's repository.
type Client struct {
	xrpc *xrpc.Client
	did  string
	host string
}

var _ listings.RecordWriter = (*Client)(nil)

// NewClient binds an authenticated XRPC client to a repository. The
// httpClient's transport must attach credentials (Bearer or DPoP).
func NewClient(client *xrpc.Client, did, host string) *Client {
	return &Client{xrpc: client, did: did, host: host}
}

// DID returns the authenticated user's DID.
func (c *Client) DID() string {
	return c.did
}

// HostURL returns the PDS host URL.
func (c *Client) HostURL() string {
	return c.host
}

// GetSession verifies the transport's credentials are still accepted by the
// PDS and that they belong to the expected account.
func (c *Client) GetSession(ctx context.Context) error {
	var result struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	}
	if err := c.xrpc.Get(ctx, c.host, "com.atproto.server.getSession", nil, &result); err != nil {
		return fmt.Errorf("getSession: %w", err)
	}
	if result.DID != "" && result.DID != c.did {
		return fmt.Errorf("getSession: server session belongs to %s, expected %s", result.DID, c.did)
	}
	return nil
}

// CreateRecord creates a record in the user's repository and returns the
// record's URI and CID. The repoDID must match the authenticated DID; an
// empty repoDID defaults to it.
func (c *Client) CreateRecord(ctx context.Context, repoDID, collection string, record any) (string, string, error) {
	if repoDID == "" {
		repoDID = c.did
	}
	if repoDID != c.did {
		return "", "", fmt.Errorf("createRecord: cannot write to %s with credentials for %s", repoDID, c.did)
	}

	payload := map[string]any{
		"repo":       repoDID,
		"collection": collection,
		"record":     record,
	}

	var result struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}

	if err := c.xrpc.Post(ctx, c.host, "com.atproto.repo.createRecord", payload, &result); err != nil {
		return "", "", fmt.Errorf("createRecord: %w", err)
	}

	return result.URI, result.CID, nil
}

// UploadBlob uploads binary data to the user's repository and returns the
// reference to embed in records. The PDS detects the MIME type itself; the
// caller-provided one is only a hint on the request.
func (c *Client) UploadBlob(ctx context.Context, data []byte, mimeType string) (*BlobRef, error) {
	u := strings.TrimSuffix(c.host, "/") + "/xrpc/com.atproto.repo.uploadBlob"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}

	resp, err := c.xrpc.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploadBlob: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("uploadBlob: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		xe := &xrpc.Error{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, xe); jsonErr != nil {
			xe.Kind = "InvalidResponse"
		}
		return nil, fmt.Errorf("uploadBlob: %w", xe)
	}

	var result struct {
		Blob BlobRef `json:"blob"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("uploadBlob: malformed response: %w", err)
	}
	return &result.Blob, nil
}

// DeleteRecord removes a record from the user's repository.
func (c *Client) DeleteRecord(ctx context.Context, collection, rkey string) error {
	payload := map[string]any{
		"repo":       c.did,
		"collection": collection,
		"rkey":       rkey,
	}

	if err := c.xrpc.Post(ctx, c.host, "com.atproto.repo.deleteRecord", payload, nil); err != nil {
		return fmt.Errorf("deleteRecord: %w", err)
	}
	return nil
}
