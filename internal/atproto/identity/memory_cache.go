package identity

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// memoryCache implements Cache with an in-process expirable LRU.
// This is the default cache for client deployments; the Postgres cache
// exists for long-running server-side aggregation.
type memoryCache struct {
	lru *expirable.LRU[string, Identity]
}

// NewMemoryCache creates an LRU identity cache holding up to size entries
// that expire after ttl.
func NewMemoryCache(size int, ttl time.Duration) Cache {
	if size <= 0 {
		size = 10_000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &memoryCache{
		lru: expirable.NewLRU[string, Identity](size, nil, ttl),
	}
}

func (c *memoryCache) Get(ctx context.Context, identifier string) (*Identity, error) {
	ident, ok := c.lru.Get(normalizeIdentifier(identifier))
	if !ok {
		return nil, &ErrCacheMiss{Identifier: identifier}
	}
	// Return a copy so callers can't mutate the cached entry
	out := ident
	return &out, nil
}

func (c *memoryCache) Set(ctx context.Context, ident *Identity) error {
	if ident.Handle != "" {
		c.lru.Add(normalizeIdentifier(ident.Handle), *ident)
	}
	c.lru.Add(normalizeIdentifier(ident.DID), *ident)
	return nil
}

func (c *memoryCache) Purge(ctx context.Context, identifier string) error {
	ident, ok := c.lru.Get(normalizeIdentifier(identifier))
	if ok {
		c.lru.Remove(normalizeIdentifier(ident.Handle))
		c.lru.Remove(normalizeIdentifier(ident.DID))
	}
	c.lru.Remove(normalizeIdentifier(identifier))
	return nil
}

// normalizeIdentifier lowercases handles so cache keys are case-insensitive.
// DIDs are case-sensitive in the method-specific part but did:plc identifiers
// are always lowercase in practice.
func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
