package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// postgresCache implements Cache on PostgreSQL. Intended for server-side
// deployments of the aggregator where resolutions should survive restarts.
// EnsureCacheSchema creates the table it reads and writes.
type postgresCache struct {
	db  *sql.DB
	ttl time.Duration
}

// EnsureCacheSchema creates the identity cache table if it does not exist yet.
func EnsureCacheSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS identity_cache (
			identifier  TEXT PRIMARY KEY,
			did         TEXT NOT NULL,
			handle      TEXT NOT NULL DEFAULT '',
			pds_url     TEXT NOT NULL DEFAULT '',
			resolved_at TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create identity cache table: %w", err)
	}
	return nil
}

// NewPostgresCache creates a PostgreSQL-backed identity cache.
func NewPostgresCache(db *sql.DB, ttl time.Duration) Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &postgresCache{db: db, ttl: ttl}
}

func (c *postgresCache) Get(ctx context.Context, identifier string) (*Identity, error) {
	identifier = normalizeIdentifier(identifier)

	query := `
		SELECT did, handle, pds_url, resolved_at
		FROM identity_cache
		WHERE identifier = $1 AND expires_at > NOW()
	`

	var i Identity
	err := c.db.QueryRowContext(ctx, query, identifier).Scan(
		&i.DID, &i.Handle, &i.PDSURL, &i.ResolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &ErrCacheMiss{Identifier: identifier}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query identity cache: %w", err)
	}

	i.Method = MethodCache
	return &i, nil
}

// Set caches an identity bidirectionally (by handle and by DID).
func (c *postgresCache) Set(ctx context.Context, i *Identity) error {
	expiresAt := time.Now().UTC().Add(c.ttl)

	query := `
		INSERT INTO identity_cache (identifier, did, handle, pds_url, resolved_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identifier)
		DO UPDATE SET
			did = EXCLUDED.did,
			handle = EXCLUDED.handle,
			pds_url = EXCLUDED.pds_url,
			resolved_at = EXCLUDED.resolved_at,
			expires_at = EXCLUDED.expires_at
	`

	if i.Handle != "" {
		if _, err := c.db.ExecContext(ctx, query,
			normalizeIdentifier(i.Handle), i.DID, i.Handle, i.PDSURL, i.ResolvedAt, expiresAt,
		); err != nil {
			return fmt.Errorf("failed to cache identity by handle: %w", err)
		}
	}

	if _, err := c.db.ExecContext(ctx, query,
		normalizeIdentifier(i.DID), i.DID, i.Handle, i.PDSURL, i.ResolvedAt, expiresAt,
	); err != nil {
		return fmt.Errorf("failed to cache identity by DID: %w", err)
	}

	return nil
}

// Purge removes all cache entries associated with an identifier.
func (c *postgresCache) Purge(ctx context.Context, identifier string) error {
	identifier = normalizeIdentifier(identifier)

	// Look up the entry first so we can remove both keys
	cached, err := c.Get(ctx, identifier)
	if err == nil {
		_, err = c.db.ExecContext(ctx,
			`DELETE FROM identity_cache WHERE identifier IN ($1, $2, $3)`,
			identifier, normalizeIdentifier(cached.Handle), normalizeIdentifier(cached.DID),
		)
		if err != nil {
			return fmt.Errorf("failed to purge identity cache: %w", err)
		}
		return nil
	}

	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM identity_cache WHERE identifier = $1`, identifier,
	); err != nil {
		return fmt.Errorf("failed to purge identity cache: %w", err)
	}
	return nil
}
