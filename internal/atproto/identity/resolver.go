package identity

import "context"

// Resolver resolves atProto identifiers to the endpoint hosting their data.
type Resolver interface {
	// Resolve resolves a handle or DID to complete identity information.
	// The identifier can be either:
	// - A handle (e.g., "alice.example")
	// - A DID (e.g., "did:plc:abc123")
	Resolve(ctx context.Context, identifier string) (*Identity, error)

	// ResolveDID resolves a DID to the URL of its Personal Data Server.
	// Returns ErrNotFound when the DID has no resolvable identity so callers
	// can fall back to a default endpoint instead of failing hard.
	ResolveDID(ctx context.Context, did string) (pdsURL string, err error)

	// Purge removes an identifier from any cache layer.
	Purge(ctx context.Context, identifier string) error
}

// Cache provides optional caching for resolved identities.
type Cache interface {
	// Get retrieves a cached identity by handle or DID.
	// Returns ErrCacheMiss when the identifier is unknown or expired.
	Get(ctx context.Context, identifier string) (*Identity, error)

	// Set caches an identity bidirectionally (both handle and DID as keys).
	Set(ctx context.Context, identity *Identity) error

	// Purge removes all cache entries associated with an identifier.
	Purge(ctx context.Context, identifier string) error
}
