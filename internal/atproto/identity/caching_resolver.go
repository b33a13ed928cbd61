package identity

import (
	"context"
	"log/slog"
)

// cachingResolver wraps a base resolver with a Cache
type cachingResolver struct {
	base  Resolver
	cache Cache
}

func newCachingResolver(base Resolver, cache Cache) Resolver {
	return &cachingResolver{base: base, cache: cache}
}

// Resolve checks the cache first, then falls back to the base resolver.
func (r *cachingResolver) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	cached, err := r.cache.Get(ctx, identifier)
	if err == nil {
		cached.Method = MethodCache
		return cached, nil
	}

	ident, err := r.base.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}

	// Cache failures are not resolution failures
	if cacheErr := r.cache.Set(ctx, ident); cacheErr != nil {
		slog.Warn("failed to cache identity", "identifier", identifier, "error", cacheErr)
	}

	return ident, nil
}

func (r *cachingResolver) ResolveDID(ctx context.Context, did string) (string, error) {
	ident, err := r.Resolve(ctx, did)
	if err != nil {
		return "", err
	}
	if ident.PDSURL == "" {
		return "", &ErrNotFound{Identifier: did, Reason: "no PDS service endpoint declared"}
	}
	return ident.PDSURL, nil
}

func (r *cachingResolver) Purge(ctx context.Context, identifier string) error {
	if err := r.cache.Purge(ctx, identifier); err != nil {
		return err
	}
	return r.base.Purge(ctx, identifier)
}
