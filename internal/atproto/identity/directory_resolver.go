package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	indigoIdentity "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// directoryResolver implements Resolver against the PLC directory and
// handle-resolution DNS/HTTPS rules, using Indigo's identity machinery.
type directoryResolver struct {
	directory indigoIdentity.Directory
}

func newDirectoryResolver(plcURL, userAgent string, httpClient *http.Client) Resolver {
	dir := &indigoIdentity.BaseDirectory{
		PLCURL:     plcURL,
		HTTPClient: *httpClient,
		UserAgent:  userAgent,
	}
	return &directoryResolver{directory: dir}
}

func (r *directoryResolver) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, &ErrInvalidIdentifier{Identifier: identifier, Reason: "identifier cannot be empty"}
	}

	atID, err := syntax.ParseAtIdentifier(identifier)
	if err != nil {
		return nil, &ErrInvalidIdentifier{
			Identifier: identifier,
			Reason:     fmt.Sprintf("invalid identifier format: %v", err),
		}
	}

	ident, err := r.directory.Lookup(ctx, *atID)
	if err != nil {
		// Indigo doesn't expose structured not-found errors from every
		// resolution path, so fall back to string matching.
		errStr := err.Error()
		if strings.Contains(errStr, "not found") ||
			strings.Contains(errStr, "NoRecordsFound") ||
			strings.Contains(errStr, "404") {
			return nil, &ErrNotFound{Identifier: identifier, Reason: errStr}
		}
		return nil, &ErrResolutionFailed{Identifier: identifier, Reason: errStr}
	}

	return &Identity{
		DID:        ident.DID.String(),
		Handle:     ident.Handle.String(),
		PDSURL:     ident.PDSEndpoint(),
		ResolvedAt: time.Now().UTC(),
		Method:     MethodDirectory,
	}, nil
}

func (r *directoryResolver) ResolveDID(ctx context.Context, didStr string) (string, error) {
	did, err := syntax.ParseDID(didStr)
	if err != nil {
		return "", &ErrInvalidIdentifier{
			Identifier: didStr,
			Reason:     fmt.Sprintf("invalid DID format: %v", err),
		}
	}

	ident, err := r.directory.LookupDID(ctx, did)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "not found") || strings.Contains(errStr, "404") {
			return "", &ErrNotFound{Identifier: didStr, Reason: errStr}
		}
		return "", &ErrResolutionFailed{Identifier: didStr, Reason: errStr}
	}

	// PDSEndpoint scans the DID document's service list for the entry
	// declaring itself an AtprotoPersonalDataServer.
	pdsURL := ident.PDSEndpoint()
	if pdsURL == "" {
		return "", &ErrNotFound{Identifier: didStr, Reason: "no PDS service endpoint declared"}
	}

	return pdsURL, nil
}

// Purge is a no-op for the directory resolver (no caching).
func (r *directoryResolver) Purge(ctx context.Context, identifier string) error {
	return nil
}
